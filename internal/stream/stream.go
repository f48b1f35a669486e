// Package stream provides a small generic publish/subscribe fan-out used to
// move events between the pipeline stages and their consumers (link lines to
// the engine feeder, position estimates to the SSE/WebSocket/MQTT/store
// writers). Sends never block: a subscriber that cannot keep up misses events
// rather than stalling the publisher.
package stream

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// Stream fans values out to any number of subscribers.
type Stream[T any] struct {
	mu          sync.Mutex
	subscribers map[string]chan T
	buffer      int
	closed      bool
}

// New creates a Stream whose subscriber channels are unbuffered.
func New[T any]() *Stream[T] {
	return NewBuffered[T](0)
}

// NewBuffered creates a Stream whose subscriber channels hold up to n
// undelivered values before further publishes are dropped for that subscriber.
func NewBuffered[T any](n int) *Stream[T] {
	return &Stream[T]{
		subscribers: make(map[string]chan T),
		buffer:      n,
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber and returns its ID and receive channel.
// The channel is closed by Unsubscribe or Close.
func (s *Stream[T]) Subscribe() (string, chan T) {
	id := randomID()
	ch := make(chan T, s.buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown IDs are a
// no-op.
func (s *Stream[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Publish delivers v to every subscriber that can accept it without blocking
// and reports how many received it.
func (s *Stream[T]) Publish(v T) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	delivered := 0
	for _, ch := range s.subscribers {
		select {
		case ch <- v:
			delivered++
		default:
			// subscriber full; skip so the publisher never stalls
		}
	}
	return delivered
}

// Len reports the current number of subscribers.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Close closes all subscriber channels. Subsequent publishes are dropped and
// subsequent subscriptions receive an already-closed channel.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}
