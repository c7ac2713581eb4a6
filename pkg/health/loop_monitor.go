package health

import (
	"sync"
	"time"
)

const defaultLoopMaxAge = 10 * time.Second

// LoopMonitor records heartbeats of a background loop such as a per-pair
// matching goroutine or the persistence writer. The zero value is ready to use.
type LoopMonitor struct {
	mu      sync.Mutex
	last    time.Time
	lastErr string
	stopped bool
}

func (m *LoopMonitor) Tick() {
	m.mu.Lock()
	m.last = time.Now()
	m.mu.Unlock()
}

// Stop 标记循环已退出，之后 Healthy 恒为 false
func (m *LoopMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.lastErr = "loop stopped"
	m.mu.Unlock()
}

// SetError 记录最近一次错误，传 nil 清除
func (m *LoopMonitor) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.lastErr = ""
		return
	}
	m.lastErr = err.Error()
}

func (m *LoopMonitor) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Healthy reports whether the loop ticked within maxAge of now. Loops that
// never ticked or were stopped are unhealthy.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	m.mu.Lock()
	last, lastErr, stopped := m.last, m.lastErr, m.stopped
	m.mu.Unlock()

	if stopped || last.IsZero() {
		return false, 0, lastErr
	}
	if maxAge <= 0 {
		maxAge = defaultLoopMaxAge
	}
	if age = now.Sub(last); age < 0 {
		age = 0
	}
	return age <= maxAge, age, lastErr
}
