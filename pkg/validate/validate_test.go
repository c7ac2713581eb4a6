package validate

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonerrors "github.com/exchange/bridge/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPair(t *testing.T) {
	base, quote, err := Pair("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "USDT", quote)

	for _, bad := range []string{"", "BTCUSDT", "BTC_USDT", "btc/usdt", "BTC/BTC", "BTC/USDT/X"} {
		_, _, err := Pair(bad)
		require.Error(t, err, bad)
		assert.Equal(t, commonerrors.CodeInvalidOrder, commonerrors.CodeOf(err), bad)
	}
}

func TestSideAndType(t *testing.T) {
	assert.NoError(t, Side("BUY"))
	assert.NoError(t, Side("SELL"))
	assert.Error(t, Side("buy"))
	assert.NoError(t, OrderType("LIMIT"))
	assert.NoError(t, OrderType("MARKET"))
	assert.Error(t, OrderType("STOP"))
	assert.NoError(t, Asset("USDT"))
	assert.Error(t, Asset("usdt"))
}

func TestPrice(t *testing.T) {
	assert.NoError(t, Price(d("50000.25"), 2))
	assert.NoError(t, Price(d("50000.2500"), 2))
	assert.Error(t, Price(d("0"), 2))
	assert.Error(t, Price(d("-1"), 2))
	assert.Error(t, Price(d("1.001"), 2))
	assert.NoError(t, Price(d("1.000000001"), -1))
}

func TestQuantity(t *testing.T) {
	min, max := d("0.001"), d("1000000")
	tests := []struct {
		qty  string
		want bool
	}{
		{"0.5", true},
		{"0.001", true},
		{"0.0009", false},
		{"1000001", false},
		{"0", false},
		{"0.123456789", false},
	}
	for _, tt := range tests {
		err := Quantity(d(tt.qty), min, max, 8)
		assert.Equal(t, tt.want, err == nil, tt.qty)
	}

	assert.NoError(t, Quantity(d("5000000"), decimal.Zero, decimal.Zero, -1))
}

func TestPlaces(t *testing.T) {
	assert.Equal(t, int32(0), Places(d("100")))
	assert.Equal(t, int32(3), Places(d("0.001")))
	assert.Equal(t, int32(1), Places(d("1.50")))
}
