// Package guard serialises work on a single circuit. A rebuild holds the
// circuit's lock for its whole duration, so scan actions against the same
// circuit queue behind it.
package guard

import (
	"context"
	"sync"
)

// slot is one circuit's lock. refs counts the holder and every waiter; the
// slot leaves the registry when it drops to zero.
type slot struct {
	ch   chan struct{}
	refs int
}

// Registry hands out one lock per circuit identifier. The zero value is not
// usable; call New.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

func (r *Registry) acquire(id string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		r.slots[id] = s
	}
	s.refs++
	return s
}

func (r *Registry) release(id string, s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(r.slots, id)
	}
}

// Lock blocks until the circuit is free or ctx is done. The returned func
// releases the lock; calling it more than once is a no-op.
func (r *Registry) Lock(ctx context.Context, id string) (func(), error) {
	s := r.acquire(id)
	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				r.release(id, s)
			})
		}, nil
	case <-ctx.Done():
		r.release(id, s)
		return nil, ctx.Err()
	}
}

// Busy reports whether the circuit is currently held.
func (r *Registry) Busy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	return ok && len(s.ch) > 0
}

// size returns the number of circuits currently held or waited on.
func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
