package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchange/bridge/internal/metrics"
	commonerrors "github.com/exchange/bridge/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var deposit = Memo{Reason: ReasonDeposit, RefType: "deposit", RefID: "t"}

type recordingListener struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *recordingListener) OnCommit(_ context.Context, entries []Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, entries...)
	r.mu.Unlock()
}

func requireBalance(t *testing.T, l *Ledger, user int64, asset, amount, reserved string) {
	t.Helper()
	b := l.GetOrCreate(user, asset)
	require.True(t, b.Amount.Equal(d(amount)), "amount: want %s got %s", amount, b.Amount)
	require.True(t, b.Reserved.Equal(d(reserved)), "reserved: want %s got %s", reserved, b.Reserved)
	require.True(t, b.Available().Equal(d(amount).Sub(d(reserved))))
}

func TestGetOrCreateIsLazyAndZero(t *testing.T) {
	l := New(nil, nil)

	_, ok := l.Get(1, "BTC")
	assert.False(t, ok)

	b := l.GetOrCreate(1, "BTC")
	assert.True(t, b.Amount.IsZero())
	assert.True(t, b.Reserved.IsZero())
	assert.True(t, b.Available().IsZero())

	_, ok = l.Get(1, "BTC")
	assert.True(t, ok)
}

func TestCreditReserveReleaseSettle(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)

	_, err := l.Credit(ctx, 1, "USDT", d("100000"), deposit)
	require.NoError(t, err)
	requireBalance(t, l, 1, "USDT", "100000", "0")

	_, err = l.Reserve(ctx, 1, "USDT", d("50000"), Memo{Reason: ReasonOrderReserve})
	require.NoError(t, err)
	requireBalance(t, l, 1, "USDT", "100000", "50000")

	_, err = l.Release(ctx, 1, "USDT", d("1000"), Memo{Reason: ReasonOrderRelease})
	require.NoError(t, err)
	requireBalance(t, l, 1, "USDT", "100000", "49000")

	b, err := l.SettleReserved(ctx, 1, "USDT", d("49000"), Memo{Reason: ReasonWithdraw})
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(d("51000")))
	requireBalance(t, l, 1, "USDT", "51000", "0")

	_, err = l.Debit(ctx, 1, "USDT", d("1000"), Memo{Reason: ReasonWithdraw})
	require.NoError(t, err)
	requireBalance(t, l, 1, "USDT", "50000", "0")
}

func TestFailuresLeaveStateUntouched(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)
	_, err := l.Credit(ctx, 1, "BTC", d("2"), deposit)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 1, "BTC", d("1.5"), Memo{Reason: ReasonOrderReserve})
	require.NoError(t, err)

	tests := []struct {
		name string
		op   func() error
		code commonerrors.Code
	}{
		{"reserve over available", func() error {
			_, err := l.Reserve(ctx, 1, "BTC", d("0.6"), Memo{})
			return err
		}, commonerrors.CodeInsufficientFunds},
		{"debit over amount", func() error {
			_, err := l.Debit(ctx, 1, "BTC", d("3"), Memo{})
			return err
		}, commonerrors.CodeInsufficientFunds},
		{"debit into reserved", func() error {
			_, err := l.Debit(ctx, 1, "BTC", d("1"), Memo{})
			return err
		}, commonerrors.CodeInsufficientFunds},
		{"release over reserved", func() error {
			_, err := l.Release(ctx, 1, "BTC", d("1.6"), Memo{})
			return err
		}, commonerrors.CodeInvariantViolation},
		{"settle over reserved", func() error {
			_, err := l.SettleReserved(ctx, 1, "BTC", d("1.6"), Memo{})
			return err
		}, commonerrors.CodeInvariantViolation},
		{"zero amount", func() error {
			_, err := l.Credit(ctx, 1, "BTC", decimal.Zero, deposit)
			return err
		}, commonerrors.CodeInvalidAmount},
		{"negative amount", func() error {
			_, err := l.Reserve(ctx, 1, "BTC", d("-1"), Memo{})
			return err
		}, commonerrors.CodeInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.Equal(t, tt.code, commonerrors.CodeOf(err))
			requireBalance(t, l, 1, "BTC", "2", "1.5")
		})
	}
}

func TestSettleReservedDoesNotRecheckAvailable(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)
	_, _ = l.Credit(ctx, 1, "USDT", d("10"), deposit)
	_, _ = l.Reserve(ctx, 1, "USDT", d("10"), Memo{Reason: ReasonOrderReserve})

	// available is zero, the reservation still settles
	_, err := l.SettleReserved(ctx, 1, "USDT", d("10"), Memo{Reason: ReasonWithdraw})
	require.NoError(t, err)
	requireBalance(t, l, 1, "USDT", "0", "0")
}

func TestInvariantViolationIsCounted(t *testing.T) {
	m := metrics.New(nil)
	l := New(nil, m)

	_, err := l.Release(context.Background(), 9, "ETH", d("1"), Memo{})
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InvariantViolations))
}

func TestListenerReceivesCommittedEntriesOnly(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)
	rec := &recordingListener{}
	l.AddListener(rec)

	_, err := l.Credit(ctx, 3, "ETH", d("5"), deposit)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, 3, "ETH", d("6"), Memo{})
	require.Error(t, err)

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, int64(3), e.UserID)
	assert.Equal(t, ReasonDeposit, e.Reason)
	assert.True(t, e.AmountDelta.Equal(d("5")))
	assert.True(t, e.AmountAfter.Equal(d("5")))
	assert.NotEmpty(t, e.TxID)
	assert.Equal(t, int64(1), e.ID)

	entries := l.Entries(3, 10)
	require.Len(t, entries, 1)
	assert.Equal(t, e.TxID, entries[0].TxID)
}

func TestBalancesSortedAndJSON(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)
	_, _ = l.Credit(ctx, 1, "USDT", d("10"), deposit)
	_, _ = l.Credit(ctx, 1, "BTC", d("1"), deposit)
	_, _ = l.Reserve(ctx, 1, "USDT", d("4"), Memo{Reason: ReasonOrderReserve})
	_, _ = l.Credit(ctx, 2, "ETH", d("1"), deposit)

	bals := l.Balances(1)
	require.Len(t, bals, 2)
	assert.Equal(t, "BTC", bals[0].Asset)
	assert.Equal(t, "USDT", bals[1].Asset)

	raw, err := json.Marshal(bals[1])
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "6", payload["available"])
	assert.Equal(t, "4", payload["reserved"])
}

func TestRestoreCountsAsExternalFlow(t *testing.T) {
	l := New(nil, nil)
	require.NoError(t, l.Restore([]Balance{
		{UserID: 1, Asset: "BTC", Amount: d("3"), Reserved: d("1")},
		{UserID: 2, Asset: "BTC", Amount: d("2"), Reserved: decimal.Zero},
	}))
	requireBalance(t, l, 1, "BTC", "3", "1")
	assert.True(t, l.ExternalFlow("BTC").Equal(d("5")))
	assert.True(t, l.Audit().OK())

	err := l.Restore([]Balance{{UserID: 3, Asset: "BTC", Amount: d("1"), Reserved: d("2")}})
	assert.Equal(t, commonerrors.CodeInvariantViolation, commonerrors.CodeOf(err))
}

func TestAuditAfterActivity(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)
	_, _ = l.Credit(ctx, 1, "USDT", d("100"), deposit)
	_, _ = l.Reserve(ctx, 1, "USDT", d("60"), Memo{Reason: ReasonOrderReserve})
	_, _ = l.SettleReserved(ctx, 1, "USDT", d("10"), Memo{Reason: ReasonWithdraw})

	rep := l.Audit()
	assert.True(t, rep.OK(), "%+v", rep.Discrepancies)
	assert.Equal(t, 1, rep.Balances)
	assert.True(t, rep.Totals["USDT"].Equal(d("90")))
	assert.True(t, l.ExternalFlow("USDT").Equal(d("90")))
}
