// Package feed delivers store snapshots to subscribers and tells other
// replicas when a collection changed.
package feed

import (
	"sync"
)

// Hub fans out the latest value of a collection to its subscribers.
//
// Each subscriber gets its own delivery goroutine. Values published while a
// callback is still running overwrite each other, so a slow subscriber only
// ever sees the newest one.
type Hub[T any] struct {
	mu     sync.Mutex
	latest T
	has    bool
	subs   map[int]*subscriber[T]
	nextID int
}

type subscriber[T any] struct {
	fn      func(T)
	mu      sync.Mutex
	pending T
	dirty   bool
	running bool
	closed  bool
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]*subscriber[T])}
}

// Publish replaces the latest value and schedules delivery to every subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = v
	h.has = true
	// Offering under the hub lock keeps deliveries in publish order.
	for _, s := range h.subs {
		s.offer(v)
	}
}

// Latest returns the last published value.
func (h *Hub[T]) Latest() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.has
}

// Subscribe registers fn. If a value was already published, fn receives it
// right away. The returned func unsubscribes; it is safe to call twice.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s := &subscriber[T]{fn: fn}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	if h.has {
		s.offer(h.latest)
	}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *subscriber[T]) offer(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = v
	s.dirty = true
	if !s.running {
		s.running = true
		go s.drain()
	}
}

func (s *subscriber[T]) drain() {
	for {
		s.mu.Lock()
		if !s.dirty || s.closed {
			s.running = false
			s.mu.Unlock()
			return
		}
		v := s.pending
		s.dirty = false
		s.mu.Unlock()

		s.fn(v)
	}
}
