// Package eventsource provides a small in-process observable used
// throughout the presence client: subscribers are delivered values
// synchronously, in subscription order, on the caller's goroutine.
package eventsource

import (
	"log/slog"
	"sync"
)

// Source is a one-to-many observable of values of type T. The zero value
// is not usable; construct one with New.
//
// Delivery is synchronous and ordered: Notify walks the subscriber list
// in subscription order and calls each one in turn on the calling
// goroutine. A panicking subscriber is recovered and logged so it never
// prevents delivery to the subscribers registered after it.
type Source[T any] struct {
	mu     sync.Mutex
	subs   []*subscriber[T]
	nextID uint64

	paused bool
	queue  []T

	logger *slog.Logger
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// New creates a ready-to-use Source. A nil logger falls back to
// slog.Default(), matching the teacher's nil-safe collaborators.
func New[T any](logger *slog.Logger) *Source[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source[T]{logger: logger}
}

// Subscribe registers fn to be called on every future Notify, returning
// an unsubscribe function. Calling the returned function more than once
// is a no-op.
func (s *Source[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, &subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Notify delivers v to every current subscriber, in subscription order.
// While paused, v is queued instead and delivered in arrival order by a
// later Unpause.
func (s *Source[T]) Notify(v T) {
	s.mu.Lock()
	if s.paused {
		s.queue = append(s.queue, v)
		s.mu.Unlock()
		return
	}
	subs := make([]*subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.deliver(subs, v)
}

func (s *Source[T]) deliver(subs []*subscriber[T], v T) {
	for _, sub := range subs {
		s.callOne(sub, v)
	}
}

func (s *Source[T]) callOne(sub *subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("eventsource subscriber panicked", "recover", r)
		}
	}()
	sub.fn(v)
}

// Pause suspends delivery: subsequent Notify calls are buffered rather
// than dispatched, until Unpause drains them.
func (s *Source[T]) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Unpause resumes delivery, draining any values queued while paused in
// the order they arrived.
func (s *Source[T]) Unpause() {
	s.mu.Lock()
	s.paused = false
	queued := s.queue
	s.queue = nil
	subs := make([]*subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, v := range queued {
		s.deliver(subs, v)
	}
}

// Clear drops all current subscribers without touching pause state or
// any queued-but-undelivered values.
func (s *Source[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}
