// Package eventbus provides a single-queue FIFO event stream.
package eventbus

import (
	"go.uber.org/zap"
)

const defaultCapacity = 64

// Bus is one first-in-first-out event queue with a bounded buffer.
//
// There is exactly one underlying queue: Events returns the same
// channel on every call, so concurrent consumers compete for events
// rather than each receiving every event. This is an explicit
// single-consumer-at-a-time contract, not a broadcast. Fan-out, when
// needed, belongs in an explicit publish-subscribe layer on top.
type Bus[M any] struct {
	log *zap.Logger
	ch  chan M
}

// New returns a bus with the given queue capacity. A capacity of zero
// or less selects the default.
func New[M any](log *zap.Logger, capacity int) *Bus[M] {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus[M]{
		log: log,
		ch:  make(chan M, capacity),
	}
}

// Publish enqueues an event. It never blocks the publisher: when the
// queue is full (typically because nobody is consuming) the event is
// dropped with a warning.
func (b *Bus[M]) Publish(msg M) {
	select {
	case b.ch <- msg:
	default:
		b.log.Warn("dropped event, queue is full")
	}
}

// Events returns the receive side of the queue. See the competing
// consumer caveat on Bus.
func (b *Bus[M]) Events() <-chan M {
	return b.ch
}
