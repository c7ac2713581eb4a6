package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchange/bridge/internal/config"
	"github.com/exchange/bridge/internal/engine"
	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/model"
	"github.com/exchange/bridge/internal/reconcile"
	"github.com/exchange/bridge/internal/settlement"
	"github.com/exchange/bridge/internal/wallet"
	"github.com/exchange/bridge/pkg/health"
	"github.com/exchange/bridge/pkg/logger"
	"github.com/exchange/bridge/pkg/snowflake"
)

const testToken = "secret"

func newTestServer(t *testing.T, allowReset bool) (*server, http.Handler) {
	t.Helper()
	ids, err := snowflake.New(1)
	require.NoError(t, err)

	m := metrics.New(nil)
	l := ledger.New(nil, m)
	s := settlement.New(l, decimal.RequireFromString("0.001"), 0, ids, m)
	x := engine.New(config.DefaultMarkets(), l, s, ids, engine.DefaultOptions(), nil, m)
	t.Cleanup(x.Stop)

	h := health.New()
	h.Register(health.NewLoopChecker("engines", x, time.Minute))
	h.SetReady(true)

	srv := &server{
		exchange:      x,
		ledger:        l,
		wallet:        wallet.New(l, ids, wallet.Options{Assets: config.DefaultAssets, WithdrawFeeRate: decimal.RequireFromString("0.001")}, nil),
		reconcile:     reconcile.New(l, nil, nil, m),
		health:        h,
		metrics:       m,
		log:           logger.Nop(),
		internalToken: testToken,
		allowReset:    allowReset,
	}
	return srv, srv.routes()
}

func do(t *testing.T, h http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("X-Internal-Token", testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestProbes(t *testing.T) {
	_, h := newTestServer(t, false)

	for _, path := range []string{"/live", "/ready", "/health"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestInternalAuth(t *testing.T) {
	_, h := newTestServer(t, false)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/depth?pair=BTC/USDT", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeMap(t, rec)["code"])
}

func TestDepositOrderAndDepth(t *testing.T) {
	_, h := newTestServer(t, false)

	rec := do(t, h, http.MethodPost, "/internal/deposits", map[string]interface{}{
		"userId": 1, "asset": "USDT", "amount": "100000", "txRef": "tx-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/internal/orders", map[string]interface{}{
		"userId": 1, "pair": "btc/usdt", "side": "BUY", "type": "LIMIT", "price": "50000", "amount": "1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	order := decodeMap(t, rec)["order"].(map[string]interface{})
	assert.Equal(t, "PENDING", order["status"])

	rec = do(t, h, http.MethodGet, "/depth?pair=BTC/USDT&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bids := decodeMap(t, rec)["bids"].([]interface{})
	require.Len(t, bids, 1)
	assert.Equal(t, "50000", bids[0].(map[string]interface{})["price"])

	rec = do(t, h, http.MethodGet, "/balances?user=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balances := decodeMap(t, rec)["balances"].([]interface{})
	require.Len(t, balances, 1)
	usdt := balances[0].(map[string]interface{})
	assert.Equal(t, "100000", usdt["amount"])
	assert.Equal(t, "50000", usdt["reserved"])
}

func TestOrderErrors(t *testing.T) {
	_, h := newTestServer(t, false)

	rec := do(t, h, http.MethodPost, "/internal/orders", map[string]interface{}{
		"userId": 1, "pair": "BTC/USDT", "side": "BUY", "type": "LIMIT", "price": "50000", "amount": "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", decodeMap(t, rec)["code"])

	rec = do(t, h, http.MethodGet, "/depth?pair=DOGE/USDT", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SYMBOL_NOT_FOUND", decodeMap(t, rec)["code"])

	rec = do(t, h, http.MethodGet, "/internal/orders", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/internal/orders", map[string]interface{}{
		"pair": "BTC/USDT", "side": "BUY", "type": "LIMIT", "price": "50000", "amount": "1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ORDER", decodeMap(t, rec)["code"])

	rec = do(t, h, http.MethodPost, "/internal/orders/cancel", map[string]interface{}{"orderId": 42, "userId": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaceOrderSettlementFailure(t *testing.T) {
	srv, h := newTestServer(t, false)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/deposits", map[string]interface{}{
		"userId": 2, "asset": "BTC", "amount": "1", "txRef": "tx-2",
	}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/deposits", map[string]interface{}{
		"userId": 1, "asset": "USDT", "amount": "50000", "txRef": "tx-1",
	}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/orders", map[string]interface{}{
		"userId": 2, "pair": "BTC/USDT", "side": "SELL", "type": "LIMIT", "price": "50000", "amount": "1",
	}).Code)
	_, err := srv.ledger.Release(context.Background(), 2, "BTC", decimal.NewFromInt(1), ledger.Memo{Reason: ledger.ReasonOrderRelease})
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/internal/orders", map[string]interface{}{
		"userId": 1, "pair": "BTC/USDT", "side": "BUY", "type": "LIMIT", "price": "50000", "amount": "1",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	body := decodeMap(t, rec)
	assert.Equal(t, "INVARIANT_VIOLATION", body["code"])
	assert.NotEmpty(t, body["requestId"])

	result := body["result"].(map[string]interface{})
	order := result["order"].(map[string]interface{})
	assert.Equal(t, "PENDING", order["status"])
	assert.Equal(t, float64(1), order["userId"])
	assert.Empty(t, result["trades"])

	usdt := srv.ledger.GetOrCreate(1, "USDT")
	assert.True(t, usdt.Reserved.Equal(decimal.NewFromInt(50000)))
	assert.True(t, srv.ledger.Audit().OK())
}

type fakeTradeHistory struct {
	user  int64
	pair  string
	limit int
}

func (f *fakeTradeHistory) ListTrades(_ context.Context, userID int64, pair string, limit int) ([]*model.Trade, error) {
	f.user, f.pair, f.limit = userID, pair, limit
	return []*model.Trade{{ID: 7, Pair: model.Pair{Base: "BTC", Quote: "USDT"}, BuyerID: userID, SellerID: 9}}, nil
}

func TestTrades(t *testing.T) {
	srv, h := newTestServer(t, false)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/deposits", map[string]interface{}{
		"userId": 2, "asset": "BTC", "amount": "1", "txRef": "tx-2",
	}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/deposits", map[string]interface{}{
		"userId": 1, "asset": "USDT", "amount": "50000", "txRef": "tx-1",
	}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/orders", map[string]interface{}{
		"userId": 2, "pair": "BTC/USDT", "side": "SELL", "type": "LIMIT", "price": "50000", "amount": "1",
	}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/orders", map[string]interface{}{
		"userId": 1, "pair": "BTC/USDT", "side": "BUY", "type": "LIMIT", "price": "50000", "amount": "1",
	}).Code)

	rec := do(t, h, http.MethodGet, "/trades?user=1&pair=btc/usdt", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	trades := decodeMap(t, rec)["trades"].([]interface{})
	require.Len(t, trades, 1)
	assert.Equal(t, "50000", trades[0].(map[string]interface{})["price"])

	rec = do(t, h, http.MethodGet, "/trades?user=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeMap(t, rec)["trades"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/trades?user=1&limit=0", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/trades?user=1&pair=DOGE/USDT", nil).Code)

	history := &fakeTradeHistory{}
	srv.trades = history
	rec = do(t, h, http.MethodGet, "/trades?user=5&pair=btc/usdt&limit=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeMap(t, rec)["trades"], 1)
	assert.Equal(t, int64(5), history.user)
	assert.Equal(t, "BTC/USDT", history.pair)
	assert.Equal(t, 20, history.limit)
}

func TestWithdrawalFlow(t *testing.T) {
	_, h := newTestServer(t, false)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/deposits", map[string]interface{}{
		"userId": 2, "asset": "BTC", "amount": "1", "txRef": "tx-2",
	}).Code)

	rec := do(t, h, http.MethodPost, "/internal/withdrawals", map[string]interface{}{
		"idempotencyKey": "w-1", "userId": 2, "asset": "BTC", "amount": "0.5", "address": "bc1q",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var wd wallet.Withdrawal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wd))
	assert.Equal(t, wallet.WithdrawStatusPending, wd.Status)
	id := strconv.FormatInt(wd.ID, 10)

	rec = do(t, h, http.MethodGet, "/internal/withdrawals?user=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/internal/withdrawals/complete?id="+id, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", decodeMap(t, rec)["status"])

	rec = do(t, h, http.MethodPost, "/internal/withdrawals/cancel?id="+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	_, h := newTestServer(t, false)

	rec := do(t, h, http.MethodGet, "/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/reconcile", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResetPair(t *testing.T) {
	_, disabled := newTestServer(t, false)
	assert.Equal(t, http.StatusNotFound, do(t, disabled, http.MethodPost, "/internal/reset?pair=BTC/USDT", nil).Code)

	srv, h := newTestServer(t, true)
	_, err := srv.ledger.Credit(context.Background(), 1, "BTC", decimal.NewFromInt(2), ledger.Memo{Reason: ledger.ReasonDeposit})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/internal/orders", map[string]interface{}{
		"userId": 1, "pair": "BTC/USDT", "side": "SELL", "type": "LIMIT", "price": "60000", "amount": "2",
	}).Code)

	rec := do(t, h, http.MethodPost, "/internal/reset?pair=BTC/USDT", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decodeMap(t, rec)["cancelled"])

	b := srv.ledger.GetOrCreate(1, "BTC")
	assert.True(t, b.Reserved.IsZero())

	rec = do(t, h, http.MethodPost, "/internal/reset?pair=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeLoader struct {
	balances []ledger.Balance
	err      error
}

func (f fakeLoader) LoadBalances(context.Context) ([]ledger.Balance, error) {
	return f.balances, f.err
}

func TestRestoreBalancesReleasesReservations(t *testing.T) {
	l := ledger.New(nil, nil)
	rec := &entryRecorder{}
	l.AddListener(rec)

	loader := fakeLoader{balances: []ledger.Balance{
		{UserID: 1, Asset: "USDT", Amount: decimal.NewFromInt(100), Reserved: decimal.NewFromInt(40)},
		{UserID: 2, Asset: "BTC", Amount: decimal.NewFromInt(1), Reserved: decimal.Zero},
	}}
	restored, released, err := restoreBalances(context.Background(), loader, l, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	assert.Equal(t, 1, released)

	usdt := l.GetOrCreate(1, "USDT")
	assert.True(t, usdt.Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, usdt.Reserved.IsZero())
	require.Len(t, rec.entries, 1)
	assert.Equal(t, refTypeRestore, rec.entries[0].RefType)
	assert.True(t, rec.entries[0].ReservedDelta.Equal(decimal.NewFromInt(-40)))

	assert.True(t, l.Audit().OK())
}

func TestRestoreBalancesLoadError(t *testing.T) {
	l := ledger.New(nil, nil)
	_, _, err := restoreBalances(context.Background(), fakeLoader{err: errors.New("db down")}, l, nil)
	require.Error(t, err)
}

type entryRecorder struct {
	entries []ledger.Entry
}

func (r *entryRecorder) OnCommit(_ context.Context, entries []ledger.Entry) {
	r.entries = append(r.entries, entries...)
}
