// Package waitregistry coalesces long-poll waiters per queue. A receiver
// blocked in ReceiveMessage waits on a channel that Notify closes; every
// waiter wakes on the next enqueue or visibility release for that queue,
// then races to claim, same as the teacher's subscription wakeup pattern.
package waitregistry

import (
	"context"
	"sync"
)

// Registry holds one broadcast channel per queue name.
type Registry struct {
	mu   sync.Mutex
	subs map[string]chan struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{subs: make(map[string]chan struct{})}
}

func (r *Registry) channel(queue string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.subs[queue]
	if !ok {
		ch = make(chan struct{})
		r.subs[queue] = ch
	}
	return ch
}

// Notify wakes every current waiter on queue. Waiters that arrive after
// Notify returns are unaffected and wait for the next Notify.
func (r *Registry) Notify(queue string) {
	r.mu.Lock()
	ch, ok := r.subs[queue]
	if ok {
		delete(r.subs, queue)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Wait blocks until Notify(queue) is called, ctx is done, or ctx's deadline
// passes, whichever happens first. It returns true if woken by Notify.
func (r *Registry) Wait(ctx context.Context, queue string) bool {
	ch := r.channel(queue)
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
