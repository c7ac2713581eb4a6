// Package health 存活/就绪探针与依赖检查
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

const checkTimeout = 2 * time.Second

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

// Health 汇总依赖检查；SetReady(true) 之前就绪探针恒为 down
type Health struct {
	mu       sync.RWMutex
	checkers []Checker
	ready    atomic.Bool
}

func New() *Health {
	return &Health{}
}

func (h *Health) Register(c Checker) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

func (h *Health) IsReady() bool { return h.ready.Load() }

// Ready 并发执行全部检查；任一依赖 down 时整体为 degraded
func (h *Health) Ready(ctx context.Context) Response {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	resp := Response{Status: StatusUp}
	if len(checkers) > 0 {
		resp.Dependencies = make(map[string]CheckResult, len(checkers))
	}
	for i, c := range checkers {
		name := c.Name()
		if name == "" {
			name = fmt.Sprintf("check-%d", i)
		}
		resp.Dependencies[name] = results[i]
		if results[i].Status != StatusUp {
			resp.Status = StatusDegraded
		}
	}
	if !h.IsReady() {
		resp.Status = StatusDown
	}
	return resp
}

func runCheck(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	res := c.Check(ctx)
	if res.Status == "" {
		res.Status = StatusDown
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	return res
}

// LiveHandler 只说明进程能响应
func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Response{Status: StatusUp})
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		code := http.StatusOK
		if resp.Status != StatusUp {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// pingChecker 适配只需 ping 的依赖
type pingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func (c pingChecker) Name() string { return c.name }

func (c pingChecker) Check(ctx context.Context) CheckResult {
	if c.ping == nil {
		return CheckResult{Status: StatusDown, Message: "not configured"}
	}
	start := time.Now()
	if err := c.ping(ctx); err != nil {
		return CheckResult{Status: StatusDown, Latency: time.Since(start), Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: time.Since(start)}
}

func NewPostgresChecker(db *sql.DB) Checker {
	c := pingChecker{name: "postgres"}
	if db != nil {
		c.ping = db.PingContext
	}
	return c
}

func NewRedisChecker(client redis.Cmdable) Checker {
	c := pingChecker{name: "redis"}
	if client != nil {
		c.ping = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return c
}

// LoopSource 暴露一组后台循环的心跳，例如每个交易对的撮合协程
type LoopSource interface {
	Loops() map[string]*LoopMonitor
}

type loopChecker struct {
	name   string
	source LoopSource
	maxAge time.Duration
}

// NewLoopChecker 要求 source 中每个循环都在 maxAge 内有心跳
func NewLoopChecker(name string, source LoopSource, maxAge time.Duration) Checker {
	if name == "" {
		name = "loops"
	}
	return &loopChecker{name: name, source: source, maxAge: maxAge}
}

func (c *loopChecker) Name() string { return c.name }

func (c *loopChecker) Check(context.Context) CheckResult {
	if c.source == nil {
		return CheckResult{Status: StatusDown, Message: "nil loop source"}
	}
	now := time.Now()
	var stalled []string
	for name, m := range c.source.Loops() {
		ok, age, lastErr := m.Healthy(now, c.maxAge)
		if ok {
			continue
		}
		msg := fmt.Sprintf("%s stalled for %s", name, age.Truncate(time.Millisecond))
		if lastErr != "" {
			msg += ": " + lastErr
		}
		stalled = append(stalled, msg)
	}
	if len(stalled) == 0 {
		return CheckResult{Status: StatusUp}
	}
	sort.Strings(stalled)
	return CheckResult{Status: StatusDown, Message: strings.Join(stalled, "; ")}
}
