// Package reconcile 定时对账
//
// Each run audits the in-memory ledger (balances against journal sums and
// per-asset conservation) and, when a store is configured, compares the
// persisted journal with the persisted balances.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/repository"
	"github.com/exchange/bridge/pkg/health"
	"github.com/exchange/bridge/pkg/logger"
	"github.com/exchange/bridge/pkg/tracing"
)

const (
	DefaultSchedule = "@every 1m"
	runTimeout      = 30 * time.Second
)

// Store is the persisted side of reconciliation.
type Store interface {
	Discrepancies(ctx context.Context) ([]repository.Discrepancy, error)
}

// Report 对账结果
type Report struct {
	StartedAt time.Time                `json:"startedAt"`
	Duration  time.Duration            `json:"duration"`
	Ledger    ledger.Report            `json:"ledger"`
	Stored    []repository.Discrepancy `json:"stored,omitempty"`
	Err       string                   `json:"error,omitempty"`
}

// Issues counts every discrepancy found.
func (r Report) Issues() int {
	return len(r.Ledger.Discrepancies) + len(r.Stored)
}

func (r Report) OK() bool { return r.Issues() == 0 && r.Err == "" }

// Job 对账任务
type Job struct {
	ledger  *ledger.Ledger
	store   Store
	log     *logger.Logger
	metrics *metrics.Metrics

	cron *cron.Cron
	loop health.LoopMonitor

	mu   sync.Mutex
	last *Report
}

// New creates a job. store may be nil to audit memory only.
func New(l *ledger.Ledger, store Store, log *logger.Logger, m *metrics.Metrics) *Job {
	if log == nil {
		log = logger.Nop()
	}
	return &Job{ledger: l, store: store, log: log, metrics: m}
}

// RunOnce 执行一次对账
func (j *Job) RunOnce(ctx context.Context) Report {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Run")
	defer span.End()

	start := time.Now()
	rep := Report{StartedAt: start, Ledger: j.ledger.Audit()}

	if j.store != nil {
		sctx, cancel := context.WithTimeout(ctx, runTimeout)
		stored, err := j.store.Discrepancies(sctx)
		cancel()
		if err != nil {
			rep.Err = err.Error()
			j.loop.SetError(err)
			tracing.SetError(ctx, err)
			j.log.WithContext(ctx).WithError(err).Warn("stored reconciliation failed")
		}
		rep.Stored = stored
	}
	rep.Duration = time.Since(start)

	tracing.AddEvent(ctx, "reconcile.done", attribute.Int("issues", rep.Issues()))
	if n := rep.Issues(); n > 0 {
		j.metrics.AddReconciliationErrors(n)
		j.loop.SetError(fmt.Errorf("%d discrepancies", n))
		j.log.Errorf("reconciliation found discrepancies", map[string]interface{}{
			"ledger": len(rep.Ledger.Discrepancies), "stored": len(rep.Stored),
		})
		for _, d := range rep.Ledger.Discrepancies {
			j.log.Errorf("ledger discrepancy", map[string]interface{}{
				"userId": d.UserID, "asset": d.Asset, "kind": d.Kind,
				"expected": d.Expected.String(), "actual": d.Actual.String(),
			})
		}
		for _, d := range rep.Stored {
			j.log.Errorf("stored discrepancy", map[string]interface{}{
				"userId": d.UserID, "asset": d.Asset, "kind": d.Kind, "diff": d.Diff().String(),
			})
		}
	} else if rep.Err == "" {
		j.loop.SetError(nil)
		j.log.Debugf("reconciliation passed", map[string]interface{}{"duration": rep.Duration.String()})
	}
	j.loop.Tick()

	j.mu.Lock()
	j.last = &rep
	j.mu.Unlock()
	return rep
}

// Last returns the most recent report, or nil before the first run.
func (j *Job) Last() *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return nil
	}
	r := *j.last
	return &r
}

// Loop exposes the job heartbeat.
func (j *Job) Loop() *health.LoopMonitor { return &j.loop }

// Start runs once, then on schedule. The schedule accepts standard five-field
// cron expressions and descriptors such as "@every 1m".
func (j *Job) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	j.RunOnce(ctx)
	j.cron = cron.New(cron.WithParser(parser))
	j.cron.Schedule(sched, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		j.RunOnce(ctx)
	}))
	j.cron.Start()
	return nil
}

// Stop waits for a running reconciliation to finish.
func (j *Job) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.loop.Stop()
}
