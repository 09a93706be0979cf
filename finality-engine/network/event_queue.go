package network

import (
	"context"
	"sync"
)

// EventQueue buffers transport events without blocking the producer and
// delivers them in push order on a channel.
type EventQueue struct {
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
	out     chan Event
}

// NewEventQueue creates a queue whose output channel holds up to buffer events.
func NewEventQueue(buffer int) *EventQueue {
	return &EventQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan Event, buffer),
	}
}

// Push appends an event. It never blocks.
func (q *EventQueue) Push(event Event) {
	q.mu.Lock()
	q.pending = append(q.pending, event)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Events returns the output channel. It is closed when Run returns.
func (q *EventQueue) Events() <-chan Event {
	return q.out
}

// Run moves pushed events to the output channel until ctx is cancelled.
func (q *EventQueue) Run(ctx context.Context) {
	defer close(q.out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}

		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, event := range batch {
			select {
			case q.out <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}
