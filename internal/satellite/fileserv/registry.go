package fileserv

import (
	"sync"
	"time"
)

// tracked is what a registry needs from its entries for sweeping and slot
// accounting. Both transfer variants satisfy it.
type tracked interface {
	Token() string
	Complete() bool
	IdleTimedOut(now time.Time) bool
	CountsTowardsLimit(now time.Time) bool
	Cancel() bool
}

// registry is one token-indexed transfer map. Upload and download registries
// are separate instances so unrelated transfers never contend on one lock.
type registry[T tracked] struct {
	mu sync.RWMutex
	m  map[string]T
}

func newRegistry[T tracked]() *registry[T] {
	return &registry[T]{m: make(map[string]T)}
}

func (r *registry[T]) Add(t T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t.Token()] = t
}

func (r *registry[T]) Get(token string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.m[token]
	return t, ok
}

func (r *registry[T]) Remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, token)
}

// Sweep removes complete and idle-timed-out entries, cancelling the idle
// ones. Runs lazily on every admission, so no background sweeper is needed
// for this registry.
func (r *registry[T]) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, t := range r.m {
		if t.Complete() && !t.CountsTowardsLimit(now) {
			delete(r.m, token)
			continue
		}
		if t.IdleTimedOut(now) {
			t.Cancel()
			delete(r.m, token)
		}
	}
}

// CountActive counts entries occupying a slot, optionally filtered.
// O(active transfers) per call, bounded by realistic pool sizes.
func (r *registry[T]) CountActive(now time.Time, match func(T) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.m {
		if t.CountsTowardsLimit(now) && (match == nil || match(t)) {
			n++
		}
	}
	return n
}

// Each calls fn for every entry. fn must not call back into the registry.
func (r *registry[T]) Each(fn func(T)) {
	r.mu.RLock()
	entries := make([]T, 0, len(r.m))
	for _, t := range r.m {
		entries = append(entries, t)
	}
	r.mu.RUnlock()
	for _, t := range entries {
		fn(t)
	}
}
