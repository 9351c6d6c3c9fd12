package discovery

import (
	"log/slog"
	"sync"
)

// DefaultFeedBuffer is the per subscriber backlog of an event feed.
const DefaultFeedBuffer = 256

// Feed fans events out to any number of subscribers. A subscriber that
// falls behind loses its oldest events.
type Feed[T any] struct {
	name   string
	size   int
	mu     sync.Mutex
	subs   map[*Sub[T]]struct{}
	closed bool
}

// Sub is one subscription to a Feed.
type Sub[T any] struct {
	ch      chan T
	feed    *Feed[T]
	dropped uint64
}

func newFeed[T any](name string, size int) *Feed[T] {
	if size <= 0 {
		size = DefaultFeedBuffer
	}
	return &Feed[T]{name: name, size: size, subs: make(map[*Sub[T]]struct{})}
}

// Subscribe returns a subscription receiving every event published from now
// on. It is closed by Close or when the feed shuts down.
func (f *Feed[T]) Subscribe() *Sub[T] {
	sub := &Sub[T]{ch: make(chan T, f.size), feed: f}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(sub.ch)
		return sub
	}
	f.subs[sub] = struct{}{}
	return sub
}

func (f *Feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		select {
		case sub.ch <- v:
			continue
		default:
		}

		// drop the oldest and retry once
		select {
		case <-sub.ch:
		default:
		}
		sub.dropped++
		if sub.dropped == 1 || sub.dropped%100 == 0 {
			slog.Warn("Slow subscriber, dropping events", "feed", f.name, "dropped", sub.dropped)
		}
		select {
		case sub.ch <- v:
		default:
		}
	}
}

func (f *Feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		close(sub.ch)
	}
	f.subs = nil
}

func (s *Sub[T]) C() <-chan T {
	return s.ch
}

// Close stops the subscription and closes its channel.
func (s *Sub[T]) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()

	if _, ok := s.feed.subs[s]; ok {
		delete(s.feed.subs, s)
		close(s.ch)
	}
}
