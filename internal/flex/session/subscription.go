package session

import (
	"log/slog"
	"sync"

	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
)

const DefaultSubscriberBuffer = 1024

// Subscription delivers status and message lines of one connection in
// arrival order. A subscriber that falls behind by more than its buffer
// loses the oldest lines.
type Subscription struct {
	mu       sync.Mutex
	queue    []wire.Line
	capacity int
	dropped  uint64
	closed   bool
	notify   chan struct{}
	done     chan struct{}
	out      chan wire.Line
	onDrop   func()
}

func newSubscription(capacity int, onDrop func()) *Subscription {
	if capacity <= 0 {
		capacity = DefaultSubscriberBuffer
	}
	sub := &Subscription{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan wire.Line),
		onDrop:   onDrop,
	}
	go sub.pump()
	return sub
}

// Lines is closed once the connection ends or Unsubscribe is called.
func (sub *Subscription) Lines() <-chan wire.Line {
	return sub.out
}

// Dropped returns how many lines were discarded for this subscriber.
func (sub *Subscription) Dropped() uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

func (sub *Subscription) push(l wire.Line) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, l)
	dropped := false
	if len(sub.queue) > sub.capacity {
		sub.queue[0] = wire.Line{}
		sub.queue = sub.queue[1:]
		sub.dropped++
		dropped = true
	}
	count := sub.dropped
	sub.mu.Unlock()

	if dropped {
		if count == 1 || count%100 == 0 {
			slog.Warn("Subscriber lagging, dropping oldest line", "dropped", count)
		}
		if sub.onDrop != nil {
			sub.onDrop()
		}
	}

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription) close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	close(sub.done)
}

// pump moves queued lines to the unbuffered out channel. Lines still queued
// when the subscription closes are flushed first unless nobody reads them.
func (sub *Subscription) pump() {
	defer close(sub.out)

	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			closed := sub.closed
			sub.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-sub.notify:
			case <-sub.done:
			}
			continue
		}
		l := sub.queue[0]
		sub.queue[0] = wire.Line{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- l:
		case <-sub.done:
			// closed while blocked, give the reader one more chance
			select {
			case sub.out <- l:
			default:
				return
			}
		}
	}
}
