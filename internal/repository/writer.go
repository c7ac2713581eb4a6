package repository

import (
	"context"
	"sync"
	"time"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/model"
	"github.com/exchange/bridge/pkg/health"
	"github.com/exchange/bridge/pkg/logger"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 200 * time.Millisecond
	defaultWriterQueue   = 65536
	writeTimeout         = 5 * time.Second

	sinkPostgres = "postgres"
)

// Sink is what the writer persists to.
type Sink interface {
	SaveEntries(ctx context.Context, entries []ledger.Entry) error
	SaveTrade(ctx context.Context, t *model.Trade) error
	UpsertOrder(ctx context.Context, o *model.Order) error
}

type WriterOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

type item struct {
	entries []ledger.Entry
	trade   *model.Trade
	order   *model.Order
}

// Writer persists ledger commits, orders and trades off the hot path. It
// implements ledger.Listener and the engine's Listener; callers never wait
// on the database. A full queue drops the item and counts it.
type Writer struct {
	sink    Sink
	opts    WriterOptions
	log     *logger.Logger
	metrics *metrics.Metrics

	queue chan item
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	loop  health.LoopMonitor
}

func NewWriter(sink Sink, opts WriterOptions, log *logger.Logger, m *metrics.Metrics) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultWriterQueue
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Writer{
		sink:    sink,
		opts:    opts,
		log:     log,
		metrics: m,
		queue:   make(chan item, opts.QueueSize),
		stop:    make(chan struct{}),
	}
}

// Loop exposes the writer heartbeat for readiness checks.
func (w *Writer) Loop() *health.LoopMonitor { return &w.loop }

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Close flushes what is queued and stops the writer.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Writer) OnCommit(_ context.Context, entries []ledger.Entry) {
	w.enqueue(item{entries: entries})
}

func (w *Writer) OrderUpdated(_ context.Context, o *model.Order) {
	w.enqueue(item{order: o})
}

func (w *Writer) TradeExecuted(_ context.Context, t *model.Trade) {
	w.enqueue(item{trade: t})
}

func (w *Writer) enqueue(it item) {
	select {
	case <-w.stop:
		w.metrics.IncEventsDropped(sinkPostgres)
		return
	default:
	}
	select {
	case w.queue <- it:
	default:
		w.metrics.IncEventsDropped(sinkPostgres)
		w.log.Warn("persistence queue full, dropping item")
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	defer w.loop.Stop()

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	var batch []item
	flush := func() {
		if len(batch) > 0 {
			w.flush(batch)
			batch = batch[:0]
		}
		w.loop.Tick()
	}

	w.loop.Tick()
	for {
		select {
		case it := <-w.queue:
			batch = append(batch, it)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stop:
			for {
				select {
				case it := <-w.queue:
					batch = append(batch, it)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch in arrival order. Journal entries are grouped into
// one database transaction; orders are collapsed to their latest state.
func (w *Writer) flush(batch []item) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var (
		entries []ledger.Entry
		trades  []*model.Trade
		orders  = make(map[int64]*model.Order)
		ids     []int64
	)
	for _, it := range batch {
		switch {
		case it.entries != nil:
			entries = append(entries, it.entries...)
		case it.trade != nil:
			trades = append(trades, it.trade)
		case it.order != nil:
			if _, seen := orders[it.order.ID]; !seen {
				ids = append(ids, it.order.ID)
			}
			orders[it.order.ID] = it.order
		}
	}

	if len(entries) > 0 {
		if err := w.sink.SaveEntries(ctx, entries); err != nil {
			w.loop.SetError(err)
			w.metrics.IncEventsDropped(sinkPostgres)
			w.log.WithError(err).Errorf("persist ledger entries", map[string]interface{}{"count": len(entries)})
		}
	}
	for _, t := range trades {
		if err := w.sink.SaveTrade(ctx, t); err != nil && err != ErrDuplicate {
			w.loop.SetError(err)
			w.metrics.IncEventsDropped(sinkPostgres)
			w.log.WithError(err).Warnf("persist trade", map[string]interface{}{"tradeId": t.ID})
		}
	}
	for _, id := range ids {
		if err := w.sink.UpsertOrder(ctx, orders[id]); err != nil {
			w.loop.SetError(err)
			w.metrics.IncEventsDropped(sinkPostgres)
			w.log.WithError(err).Warnf("persist order", map[string]interface{}{"orderId": id})
		}
	}
}
