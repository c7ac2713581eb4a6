// Package snowflake 雪花 ID 生成器，订单、成交、提现 ID 使用
//
// 布局：41 位毫秒时间戳 | 10 位 worker | 12 位序列号。
package snowflake

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

const (
	// 2024-01-01 00:00:00 UTC
	epoch int64 = 1704067200000

	workerBits   = 10
	sequenceBits = 12

	maxWorker   = 1<<workerBits - 1
	maxSequence = 1<<sequenceBits - 1

	// 时钟回拨在此范围内时继续沿用上次的毫秒，仅递增序列号
	maxClockDrift int64 = 5
)

var (
	ErrInvalidWorkerID = errors.New("worker ID must be between 0 and 1023")
	ErrClockMovedBack  = errors.New("clock moved backwards")
)

type Generator struct {
	worker int64
	// state 打包上次的毫秒偏移与序列号：ms<<sequenceBits | seq
	state atomic.Int64
	now   func() int64
}

func New(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorker {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{
		worker: workerID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id. Ids from one generator are strictly increasing.
func (g *Generator) Generate() (int64, error) {
	for {
		prev := g.state.Load()
		lastMs, seq := prev>>sequenceBits, prev&maxSequence
		nowMs := g.now() - epoch

		var next int64
		switch {
		case nowMs > lastMs:
			next = nowMs << sequenceBits
		case lastMs-nowMs > maxClockDrift:
			return 0, ErrClockMovedBack
		case seq == maxSequence:
			// 本毫秒序列号用尽
			runtime.Gosched()
			continue
		default:
			next = prev + 1
		}

		if g.state.CompareAndSwap(prev, next) {
			return g.compose(next), nil
		}
	}
}

// NextID 同 Generate，时钟严重回拨时 panic
func (g *Generator) NextID() int64 {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

func (g *Generator) compose(state int64) int64 {
	ms, seq := state>>sequenceBits, state&maxSequence
	return ms<<(workerBits+sequenceBits) | g.worker<<sequenceBits | seq
}

// Parse splits an id into its unix-millisecond timestamp, worker and sequence.
func Parse(id int64) (timestamp, workerID, sequence int64) {
	return id>>(workerBits+sequenceBits) + epoch, id >> sequenceBits & maxWorker, id & maxSequence
}

func Time(id int64) time.Time {
	ts, _, _ := Parse(id)
	return time.UnixMilli(ts)
}
