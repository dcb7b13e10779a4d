// Package sched provides the periodic tick runner shared by the resilience
// engines. Unlike a bare time.Ticker loop, the runner guarantees at most one
// tick handler is in flight: if a handler outlasts its interval the
// overlapping tick is skipped and counted rather than run concurrently.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Runner invokes a handler on a fixed interval with at-most-one-in-flight
// semantics. Stop is idempotent and safe to call from any goroutine.
type Runner struct {
	name     string
	interval time.Duration
	handler  func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	inFlight atomic.Bool
	skipped  atomic.Int64
}

// NewRunner creates a runner that calls handler every interval once started.
// The name is used only for logging.
func NewRunner(name string, interval time.Duration, handler func(ctx context.Context)) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		handler:  handler,
	}
}

// Interval returns the tick period.
func (r *Runner) Interval() time.Duration {
	return r.interval
}

// Start begins the periodic loop. Starting an already-running runner is a
// no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.loop(runCtx, r.done)
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		log.Debugf("scheduler %s: previous tick still running, skipping", r.name)
		return
	}
	defer r.inFlight.Store(false)

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("scheduler %s: tick panicked: %v", r.name, rec)
		}
	}()

	r.handler(ctx)
}

// RunNow executes the handler immediately, subject to the same
// one-in-flight guarantee. Returns false if a tick was already running.
func (r *Runner) RunNow(ctx context.Context) bool {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		return false
	}
	defer r.inFlight.Store(false)

	r.handler(ctx)
	return true
}

// Stop halts the periodic loop and waits for any in-flight tick to finish.
// Calling Stop on a stopped runner is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warnf("scheduler %s: stop timed out waiting for tick", r.name)
	}
}

// IsRunning reports whether the periodic loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// SkippedTicks returns how many ticks were skipped because a previous tick
// was still in flight.
func (r *Runner) SkippedTicks() int64 {
	return r.skipped.Load()
}
