package engine

import (
	"sync/atomic"

	"github.com/cadenzaio/cadenza"
)

type (
	// EventQueue is a bounded single producer, single consumer ring of
	// scheduled events. The core goroutine pushes, the audio goroutine peeks
	// and pops. Neither side ever waits for the other.
	//
	// When the ring is full, Push drops the incoming event. The scheduler
	// pushes in ascending sample order, so the dropped event is the one
	// furthest in the future.
	EventQueue struct {
		slots []cadenza.ScheduledEvent
		mask  uint64

		head    atomic.Uint64 // next slot to read, owned by the consumer
		tail    atomic.Uint64 // next slot to write, owned by the producer
		dropped atomic.Uint64
	}

	// Generation numbers schedules. Bumping it turns every event already in a
	// queue stale; the render path discards stale events unplayed.
	Generation struct {
		v atomic.Uint64
	}
)

// NewEventQueue returns a queue holding at least capacity events. The
// capacity is rounded up to a power of two.
func NewEventQueue(capacity int) *EventQueue {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &EventQueue{slots: make([]cadenza.ScheduledEvent, size), mask: uint64(size - 1)}
}

// Push appends e, or drops and counts it if the queue is full. Producer only.
func (q *EventQueue) Push(e cadenza.ScheduledEvent) bool {
	t := q.tail.Load()
	if t-q.head.Load() == uint64(len(q.slots)) {
		q.dropped.Add(1)
		return false
	}
	q.slots[t&q.mask] = e
	q.tail.Store(t + 1)
	return true
}

// Peek returns the oldest event without removing it. Consumer only.
func (q *EventQueue) Peek() (cadenza.ScheduledEvent, bool) {
	h := q.head.Load()
	if h == q.tail.Load() {
		return cadenza.ScheduledEvent{}, false
	}
	return q.slots[h&q.mask], true
}

// Pop removes and returns the oldest event. Consumer only.
func (q *EventQueue) Pop() (cadenza.ScheduledEvent, bool) {
	h := q.head.Load()
	if h == q.tail.Load() {
		return cadenza.ScheduledEvent{}, false
	}
	e := q.slots[h&q.mask]
	q.head.Store(h + 1)
	return e, true
}

// Len is the number of queued events, stale ones included.
func (q *EventQueue) Len() int { return int(q.tail.Load() - q.head.Load()) }

func (q *EventQueue) Cap() int { return len(q.slots) }

// Dropped is the number of events Push has dropped so far.
func (q *EventQueue) Dropped() uint64 { return q.dropped.Load() }

func (g *Generation) Load() uint64 { return g.v.Load() }

// Next invalidates all queued events and returns the new generation.
func (g *Generation) Next() uint64 { return g.v.Add(1) }
