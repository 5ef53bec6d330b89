// Package reaper runs the background sweep that turns scheduled state into
// visible state: releasing expired claims (or redriving them to a
// dead-letter queue) and purging messages past their retention period.
package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tabeth/sqslocal/logging"
	"github.com/tabeth/sqslocal/store"
	"github.com/tabeth/sqslocal/waitregistry"
)

const (
	stateActive int32 = iota
	stateClosing
	stateClosed
)

// Reaper ticks on an interval, reclaiming expired claims and purging
// retention-expired messages, then waking any long-poll waiters on the
// queues it touched.
type Reaper struct {
	store    store.Store
	registry *waitregistry.Registry
	interval time.Duration
	nowFn    func() time.Time

	state  int32
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Reaper. nowFn defaults to time.Now when nil, overridable in
// tests for determinism.
func New(s store.Store, registry *waitregistry.Registry, interval time.Duration, nowFn func() time.Time) *Reaper {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reaper{
		store:    s,
		registry: registry,
		interval: interval,
		nowFn:    nowFn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a new goroutine. Calling Start twice is
// not supported.
func (r *Reaper) Start() {
	atomic.StoreInt32(&r.state, stateActive)
	go r.run()
}

// Stop signals the loop to exit and blocks until it has. Calls after the
// first return immediately.
func (r *Reaper) Stop() {
	if !atomic.CompareAndSwapInt32(&r.state, stateActive, stateClosing) {
		return
	}
	close(r.stop)
	<-r.done
	atomic.StoreInt32(&r.state, stateClosed)
}

func (r *Reaper) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	ctx := context.Background()
	now := r.nowFn()

	outcome, err := r.store.ReleaseExpired(ctx, now)
	if err != nil {
		logging.WithFields(logging.Fields{"error": err}).Error("reaper: release expired failed")
	}

	if err := r.store.PurgeExpired(ctx, now); err != nil {
		logging.WithFields(logging.Fields{"error": err}).Error("reaper: purge expired failed")
	}

	for queue := range outcome.AffectedQueues {
		r.registry.Notify(queue)
	}
}
