// Package signals provides the live context used by the scheduler.
package signals

import (
	"context"
	"runtime"
	"sync"
	"time"

	"taskmaster/internal/policy"
	"taskmaster/internal/scheduler"
)

// QueueFunc reports pending and in-progress unit counts.
type QueueFunc func() (pending, inProgress int)

// Runtime derives load from the Go runtime and the engine queue. Memory
// statistics are sampled at most once per CacheFor.
type Runtime struct {
	Queue         QueueFunc
	QueueCapacity int
	MaxGoroutines int
	MemoryBudget  uint64
	CacheFor      time.Duration

	mu      sync.Mutex
	sampled time.Time
	heap    uint64
}

func NewRuntime(queue QueueFunc) *Runtime {
	return &Runtime{
		Queue:         queue,
		QueueCapacity: 32,
		MaxGoroutines: 2000,
		MemoryBudget:  512 << 20,
		CacheFor:      time.Second,
	}
}

func (r *Runtime) Signals(context.Context) scheduler.Signals {
	var sig scheduler.Signals
	if r.MaxGoroutines > 0 {
		sig.SystemLoad = policy.Clamp(float64(runtime.NumGoroutine())/float64(r.MaxGoroutines), 0, 1)
	}
	if r.Queue != nil && r.QueueCapacity > 0 {
		pending, inProgress := r.Queue()
		sig.QueueDepth = policy.Clamp(float64(pending+inProgress)/float64(r.QueueCapacity), 0, 1)
	}
	if r.MemoryBudget > 0 {
		sig.ResourceScarcity = policy.Clamp(float64(r.heapInUse())/float64(r.MemoryBudget), 0, 1)
	}
	return sig
}

func (r *Runtime) heapInUse() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.sampled) < r.CacheFor {
		return r.heap
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.heap = ms.HeapInuse
	r.sampled = time.Now()
	return r.heap
}
