package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/model"
)

type fakeSink struct {
	mu         sync.Mutex
	entries    []ledger.Entry
	batches    int
	trades     []*model.Trade
	orders     []*model.Order
	entriesErr error
}

func (f *fakeSink) SaveEntries(_ context.Context, entries []ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(entries) > 0 {
		f.batches++
	}
	if f.entriesErr != nil {
		return f.entriesErr
	}
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeSink) SaveTrade(_ context.Context, t *model.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeSink) UpsertOrder(_ context.Context, o *model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, o)
	return nil
}

func TestWriter_BatchesAndCollapsesOrders(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, WriterOptions{BatchSize: 100, FlushInterval: time.Hour}, nil, nil)

	w.OnCommit(context.Background(), []ledger.Entry{{ID: 1}, {ID: 2}})
	w.OnCommit(context.Background(), []ledger.Entry{{ID: 3}})
	w.OrderUpdated(context.Background(), &model.Order{ID: 5, Status: model.StatusPending})
	w.TradeExecuted(context.Background(), &model.Trade{ID: 8})
	w.OrderUpdated(context.Background(), &model.Order{ID: 5, Status: model.StatusFilled})

	w.Start()
	w.Close()

	if len(sink.entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(sink.entries))
	}
	if sink.batches != 1 {
		t.Fatalf("expected entries in one batch, got %d", sink.batches)
	}
	if len(sink.trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(sink.trades))
	}
	if len(sink.orders) != 1 || sink.orders[0].Status != model.StatusFilled {
		t.Fatalf("expected latest order state only, got %+v", sink.orders)
	}
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	sink := &fakeSink{}
	w := NewWriter(sink, WriterOptions{FlushInterval: 10 * time.Millisecond}, nil, nil)
	w.Start()
	defer w.Close()

	w.OnCommit(context.Background(), []ledger.Entry{{ID: 1}})
	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.entries)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entries were not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ok, _, _ := w.Loop().Healthy(time.Now(), time.Second); !ok {
		t.Fatal("expected writer loop healthy")
	}
}

func TestWriter_CountsFailuresAndDrops(t *testing.T) {
	m := metrics.New(nil)
	sink := &fakeSink{entriesErr: errors.New("db down")}
	w := NewWriter(sink, WriterOptions{QueueSize: 1, FlushInterval: time.Hour}, nil, m)

	w.OnCommit(context.Background(), []ledger.Entry{{ID: 1}})
	w.OnCommit(context.Background(), []ledger.Entry{{ID: 2}})
	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues(sinkPostgres)); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}

	w.Start()
	w.Close()
	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues(sinkPostgres)); got != 2 {
		t.Fatalf("dropped after failed flush = %v, want 2", got)
	}
	if w.Loop().LastError() == "" {
		t.Fatal("expected loop error recorded")
	}
}
