// Package stream provides the bounded publish channels the source adapters
// and the manager use to hand readings between goroutines without ever
// blocking a producer.
package stream

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics: a full
// buffer drops its oldest element instead of blocking the producer. Radio
// callbacks and poll loops publish through one of these so a slow consumer
// can only ever lose old data, never stall a source.
//
// Producers call Send/TrySend; consumers either range over C() or call
// Receive. Close is idempotent and safe to race with Send.
type RingChannel[T any] struct {
	ch      chan T
	closed  atomic.Bool
	metrics Metrics
}

// Metrics counts ring-channel traffic. All fields are updated atomically.
type Metrics struct {
	Written     int64
	Overwritten int64
	Processed   int64
}

// NewRingChannel creates a ring channel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("stream: ring channel capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Reads through C bypass the Processed counter.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest buffered element if the channel is
// full. Send on a closed channel is a silent no-op (adapters may race a
// final callback against shutdown).
func (rc *RingChannel[T]) Send(v T) {
	if rc.closed.Load() {
		return
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
	default:
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
		default:
		}
		if rc.closed.Load() {
			return
		}
		rc.ch <- v
		atomic.AddInt64(&rc.metrics.Written, 1)
	}
}

// TrySend inserts v only if there is room, reporting whether it was sent.
func (rc *RingChannel[T]) TrySend(v T) bool {
	if rc.closed.Load() {
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value arrives or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		atomic.AddInt64(&rc.metrics.Processed, 1)
	}
	return
}

// TryReceive performs a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.metrics.Processed, 1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len reports the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap reports the buffer capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the channel. Subsequent Sends are dropped; repeated Close
// calls are no-ops.
func (rc *RingChannel[T]) Close() {
	if rc.closed.CompareAndSwap(false, true) {
		close(rc.ch)
	}
}

// GetMetrics returns an atomic snapshot of the traffic counters.
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
	}
}
