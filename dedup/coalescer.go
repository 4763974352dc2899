// Package dedup coalesces concurrent identical in-flight requests so an
// expensive producer runs at most once per key. This is the primary defense
// against duplicate upstream spend under request storms.
package dedup

import (
	"context"
	"sync"
	"sync/atomic"
)

// Coalescer coalesces concurrent calls that share a dedup key. The first
// caller for a key becomes the leader and runs the producer; callers that
// arrive while the call is in flight wait for the shared result.
//
// Concurrency notes:
//   - Publishing (val, err) happens-before close(c.done), so followers that
//     return after <-done observe the final values.
//   - A follower whose ctx is cancelled stops listening; the leader's
//     producer keeps running for the benefit of remaining subscribers.
//   - Entries are purely in-memory and removed right after broadcast; a
//     process restart loses in-flight tracking, which is safe because
//     callers re-issue naturally.
type Coalescer[V any] struct {
	mu sync.Mutex
	m  map[string]*flight[V]

	flights   atomic.Int64 // producers actually run
	coalesced atomic.Int64 // callers served by someone else's flight
}

type flight[V any] struct {
	done chan struct{} // closed when val/err are published
	val  V
	err  error
}

// Stats 去重统计
type Stats struct {
	Flights   int64 `json:"flights"`
	Coalesced int64 `json:"coalesced"`
	InFlight  int   `json:"in_flight"`
}

// New creates a Coalescer.
func New[V any]() *Coalescer[V] {
	return &Coalescer[V]{m: make(map[string]*flight[V])}
}

// Do runs producer once for the given key. Concurrent calls with the same
// key wait for the shared result; the returned bool reports whether this
// caller was coalesced onto another caller's flight.
func (c *Coalescer[V]) Do(ctx context.Context, key string, producer func() (V, error)) (V, bool, error) {
	c.mu.Lock()
	if f, ok := c.m[key]; ok {
		c.mu.Unlock()
		c.coalesced.Add(1)

		select {
		case <-f.done:
			return f.val, true, f.err
		case <-ctx.Done():
			var zero V
			return zero, true, ctx.Err()
		}
	}

	f := &flight[V]{done: make(chan struct{})}
	c.m[key] = f
	c.mu.Unlock()

	c.flights.Add(1)

	// Run the producer outside the lock; a failure is broadcast to all
	// subscribers identically. Retry policy belongs to the router.
	f.val, f.err = producer()
	close(f.done)

	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()

	return f.val, false, f.err
}

// GetStats returns a statistics snapshot.
func (c *Coalescer[V]) GetStats() Stats {
	c.mu.Lock()
	inFlight := len(c.m)
	c.mu.Unlock()

	return Stats{
		Flights:   c.flights.Load(),
		Coalesced: c.coalesced.Load(),
		InFlight:  inFlight,
	}
}
