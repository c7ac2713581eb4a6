package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestSaveEntries_WritesJournalAndLatestBalance(t *testing.T) {
	s, mock := newMock(t)
	at := time.UnixMilli(1700000000000)
	entries := []ledger.Entry{
		{ID: 1, TxID: "tx1", UserID: 7, Asset: "USDT", AmountDelta: d("100"), ReservedDelta: decimal.Zero,
			AmountAfter: d("100"), ReservedAfter: decimal.Zero, Reason: ledger.ReasonDeposit, CreatedAt: at},
		{ID: 2, TxID: "tx2", UserID: 7, Asset: "USDT", AmountDelta: decimal.Zero, ReservedDelta: d("40"),
			AmountAfter: d("100"), ReservedAfter: d("40"), Reason: ledger.ReasonOrderReserve, RefType: "ORDER", RefID: "9", CreatedAt: at},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertEntryQuery)).
		WithArgs(int64(1), "tx1", int64(7), "USDT", "100", "0", "100", "0", int64(ledger.ReasonDeposit), "", "", at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertEntryQuery)).
		WithArgs(int64(2), "tx2", int64(7), "USDT", "0", "40", "100", "40", int64(ledger.ReasonOrderReserve), "ORDER", "9", at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(regexp.QuoteMeta(upsertBalanceQuery)).
		WithArgs(int64(7), "USDT", "100", "40", at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SaveEntries(context.Background(), entries); err != nil {
		t.Fatalf("save entries: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveEntries_RollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertEntryQuery)).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.SaveEntries(context.Background(), []ledger.Entry{{ID: 1, UserID: 1, Asset: "BTC", AmountDelta: d("1"), AmountAfter: d("1")}})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveEntries_Empty(t *testing.T) {
	s, mock := newMock(t)
	if err := s.SaveEntries(context.Background(), nil); err != nil {
		t.Fatalf("save entries: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadBalances(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(loadBalancesQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "asset", "amount", "reserved", "updated_at_ms"}).
			AddRow(1, "BTC", "1.5", "0.5", int64(1700000000000)).
			AddRow(2, "USDT", "100", "0", int64(1700000000000)))

	got, err := s.LoadBalances(context.Background())
	if err != nil {
		t.Fatalf("load balances: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(got))
	}
	if got[0].UserID != 1 || got[0].Asset != "BTC" || !got[0].Amount.Equal(d("1.5")) || !got[0].Reserved.Equal(d("0.5")) {
		t.Fatalf("unexpected balance: %+v", got[0])
	}
	if got[1].UpdatedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected updated at: %v", got[1].UpdatedAt)
	}
}

func TestDiscrepancies(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SUM\\(le.amount_delta\\)").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "asset", "ledger_sum", "balance"}).
			AddRow(3, "USDT", "100", "90"))
	mock.ExpectQuery("SUM\\(le.reserved_delta\\)").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "asset", "ledger_sum", "balance"}))

	got, err := s.Discrepancies(context.Background())
	if err != nil {
		t.Fatalf("discrepancies: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(got))
	}
	if got[0].Kind != "amount" || got[0].UserID != 3 || !got[0].Diff().Equal(d("10")) {
		t.Fatalf("unexpected discrepancy: %+v", got[0])
	}
}

func TestDiscrepancies_QueryError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("SUM\\(le.amount_delta\\)").WillReturnError(errors.New("timeout"))
	if _, err := s.Discrepancies(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func sampleTrade() *model.Trade {
	return &model.Trade{
		ID:          101,
		BuyOrderID:  200,
		SellOrderID: 201,
		Pair:        model.Pair{Base: "BTC", Quote: "USDT"},
		Price:       d("30000"),
		Amount:      d("2"),
		Fee:         d("0.002"),
		SellerFee:   d("60"),
		BuyerID:     11,
		SellerID:    12,
		TakerSide:   model.SideBuy,
		CreatedAt:   time.UnixMilli(1234567890),
	}
}

func TestSaveTrade(t *testing.T) {
	s, mock := newMock(t)
	trade := sampleTrade()

	mock.ExpectExec(regexp.QuoteMeta(insertTradeQuery)).
		WithArgs(int64(101), "BTC/USDT", int64(200), int64(201), int64(11), int64(12),
			"30000", "2", "0.002", "60", "BUY", false, int64(1234567890)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.SaveTrade(context.Background(), trade); err != nil {
		t.Fatalf("save trade: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveTrade_Duplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(insertTradeQuery)).
		WillReturnError(&pq.Error{Code: uniqueViolation, Message: "duplicate key value"})

	if err := s.SaveTrade(context.Background(), sampleTrade()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestListTrades(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"trade_id", "pair", "buy_order_id", "sell_order_id", "buyer_id", "seller_id",
		"price", "amount", "buyer_fee", "seller_fee", "taker_side", "external", "created_at_ms"}
	mock.ExpectQuery(regexp.QuoteMeta(listTradesQuery)).
		WithArgs(int64(11), "BTC/USDT", 1000).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(101, "BTC/USDT", 200, 201, 11, 12, "30000", "2", "0.002", "60", "BUY", false, int64(1234567890)))

	trades, err := s.ListTrades(context.Background(), 11, "BTC/USDT", 5000)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Pair.Base != "BTC" || !tr.Price.Equal(d("30000")) || tr.TakerSide != model.SideBuy {
		t.Fatalf("unexpected trade: %+v", tr)
	}
}

func TestUpsertOrder(t *testing.T) {
	s, mock := newMock(t)
	at := time.UnixMilli(1700000000000)
	o := &model.Order{
		ID: 9, UserID: 1, Pair: model.Pair{Base: "BTC", Quote: "USDT"}, Side: model.SideSell, Type: model.OrderTypeLimit,
		Price: d("100"), Amount: d("1"), Filled: d("0.4"), Remaining: d("0.6"), Cancelled: decimal.Zero, Fee: d("0.04"),
		Status: model.StatusPartiallyFilled, CreatedAt: at, UpdatedAt: at,
	}
	mock.ExpectExec(regexp.QuoteMeta(upsertOrderQuery)).
		WithArgs(int64(9), int64(1), "BTC/USDT", "SELL", "LIMIT", "100", "1", "0.4", "0.6", "0", "0.04",
			"PARTIALLY_FILLED", at.UnixMilli(), at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpsertOrder(context.Background(), o); err != nil {
		t.Fatalf("upsert order: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS bridge").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}
