package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/repository"
)

type fakeStore struct {
	calls atomic.Int32
	out   []repository.Discrepancy
	err   error
}

func (f *fakeStore) Discrepancies(context.Context) ([]repository.Discrepancy, error) {
	f.calls.Add(1)
	return f.out, f.err
}

func fundedLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l := ledger.New(nil, nil)
	_, err := l.Credit(context.Background(), 1, "USDT", decimal.NewFromInt(100), ledger.Memo{Reason: ledger.ReasonDeposit})
	require.NoError(t, err)
	_, err = l.Reserve(context.Background(), 1, "USDT", decimal.NewFromInt(40), ledger.Memo{Reason: ledger.ReasonOrderReserve})
	require.NoError(t, err)
	return l
}

func TestRunOnce_Clean(t *testing.T) {
	m := metrics.New(nil)
	store := &fakeStore{}
	j := New(fundedLedger(t), store, nil, m)

	rep := j.RunOnce(context.Background())
	assert.True(t, rep.OK())
	assert.Equal(t, 1, rep.Ledger.Balances)
	assert.Equal(t, int32(1), store.calls.Load())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReconciliationErrors))

	last := j.Last()
	require.NotNil(t, last)
	assert.Equal(t, rep.StartedAt, last.StartedAt)

	ok, _, lastErr := j.Loop().Healthy(time.Now(), time.Minute)
	assert.True(t, ok)
	assert.Empty(t, lastErr)
}

func TestRunOnce_StoredDiscrepancies(t *testing.T) {
	m := metrics.New(nil)
	store := &fakeStore{out: []repository.Discrepancy{
		{UserID: 1, Asset: "USDT", Kind: "amount", LedgerSum: decimal.NewFromInt(100), Balance: decimal.NewFromInt(90)},
		{UserID: 2, Asset: "BTC", Kind: "reserved", LedgerSum: decimal.NewFromInt(1), Balance: decimal.Zero},
	}}
	j := New(fundedLedger(t), store, nil, m)

	rep := j.RunOnce(context.Background())
	assert.False(t, rep.OK())
	assert.Equal(t, 2, rep.Issues())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReconciliationErrors))
	assert.Equal(t, "2 discrepancies", j.Loop().LastError())

	store.out = nil
	rep = j.RunOnce(context.Background())
	assert.True(t, rep.OK())
	assert.Empty(t, j.Loop().LastError())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReconciliationErrors))
}

func TestRunOnce_StoreError(t *testing.T) {
	j := New(fundedLedger(t), &fakeStore{err: errors.New("connection refused")}, nil, nil)

	rep := j.RunOnce(context.Background())
	assert.False(t, rep.OK())
	assert.Equal(t, 0, rep.Issues())
	assert.Equal(t, "connection refused", rep.Err)
	assert.Equal(t, "connection refused", j.Loop().LastError())
}

func TestRunOnce_MemoryOnly(t *testing.T) {
	j := New(fundedLedger(t), nil, nil, nil)
	assert.Nil(t, j.Last())
	assert.True(t, j.RunOnce(context.Background()).OK())
}

func TestRunOnce_AgainstPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"user_id", "asset", "ledger_sum", "balance"}
	mock.ExpectQuery("SUM\\(le.amount_delta\\)").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("SUM\\(le.reserved_delta\\)").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(1, "USDT", "40", "0"))

	j := New(fundedLedger(t), repository.New(db), nil, nil)
	rep := j.RunOnce(context.Background())
	require.Len(t, rep.Stored, 1)
	assert.Equal(t, "reserved", rep.Stored[0].Kind)
	assert.True(t, rep.Stored[0].Diff().Equal(decimal.NewFromInt(40)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := New(fundedLedger(t), nil, nil, nil)
	err := j.Start(context.Background(), "not a schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestStart_RunsImmediatelyAndStops(t *testing.T) {
	store := &fakeStore{}
	j := New(fundedLedger(t), store, nil, nil)

	require.NoError(t, j.Start(context.Background(), "*/5 * * * *"))
	assert.Equal(t, int32(1), store.calls.Load())
	require.NotNil(t, j.Last())

	j.Stop()
	ok, _, _ := j.Loop().Healthy(time.Now(), time.Minute)
	assert.False(t, ok)
}
