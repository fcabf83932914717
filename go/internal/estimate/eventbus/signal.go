package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives a payload emitted on a Signal
type Handler[T any] func(T)

// Subscription identifies a connected handler so it can be removed later
type Subscription struct {
	id     uint64
	cancel func(uint64)
}

// Disconnect removes the handler from its signal. Safe to call more than once.
func (s Subscription) Disconnect() {
	if s.cancel != nil {
		s.cancel(s.id)
	}
}

type entry[T any] struct {
	id      uint64
	handler Handler[T]
}

// Signal is a typed publish/subscribe channel for one event category.
// Handlers are invoked synchronously, in connection order, on the emitting goroutine.
type Signal[T any] struct {
	name     string
	mu       sync.RWMutex
	nextID   uint64
	handlers []entry[T]
}

// NewSignal creates a named signal. The name only shows up in logs.
func NewSignal[T any](name string) *Signal[T] {
	return &Signal[T]{name: name}
}

// Connect registers a handler and returns its subscription
func (s *Signal[T]) Connect(h Handler[T]) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.handlers = append(s.handlers, entry[T]{id: s.nextID, handler: h})
	return Subscription{id: s.nextID, cancel: s.disconnect}
}

func (s *Signal[T]) disconnect(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.handlers {
		if e.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every connected handler in FIFO order.
// Handlers connected or disconnected during Emit take effect on the next Emit.
func (s *Signal[T]) Emit(payload T) {
	s.mu.RLock()
	handlers := make([]entry[T], len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, e := range handlers {
		e.handler(payload)
	}
}

// Len returns the number of connected handlers
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Subscribe returns a buffered channel fed by the signal, for consumers living
// on other goroutines. Delivery never blocks the emitter: when the buffer is
// full the payload is dropped for that subscriber.
func (s *Signal[T]) Subscribe(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	sub := s.Connect(func(payload T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- payload:
		default:
			log.Warn().Str("signal", s.name).Msg("subscriber buffer full, dropping payload")
		}
	})

	cancel := func() {
		sub.Disconnect()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
	return ch, cancel
}
