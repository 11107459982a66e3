package event

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/chatsync/internal/logging"
)

// Bus is an in-process Source. Emit delivers synchronously, one event at a
// time, in registration order; events emitted from different goroutines
// are serialized so handlers never interleave.
//
// Handlers must not call Emit on the same Bus.
type Bus struct {
	mu        sync.RWMutex
	listeners map[EventType][]*Listener
	closed    bool

	// dispatch serializes Emit calls.
	dispatch sync.Mutex

	log zerolog.Logger
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[EventType][]*Listener),
		log:       logging.Component("bus"),
	}
}

// On registers l for eventType. Registering the same listener twice adds
// two registrations; exactly-once is the caller's contract.
func (b *Bus) On(eventType EventType, l *Listener) {
	if b == nil || l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.listeners[eventType] = append(b.listeners[eventType], l)
}

// Off removes one registration of l for eventType, matched by pointer.
func (b *Bus) Off(eventType EventType, l *Listener) error {
	if b == nil {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	ls := b.listeners[eventType]
	for i, entry := range ls {
		if entry == l {
			// Copy so an in-flight Emit snapshot is not disturbed.
			next := make([]*Listener, 0, len(ls)-1)
			next = append(next, ls[:i]...)
			next = append(next, ls[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, eventType)
			} else {
				b.listeners[eventType] = next
			}
			return nil
		}
	}
	return fmt.Errorf("%s: %w", eventType, ErrNotRegistered)
}

// Emit delivers e to every listener registered for e.Type. A panicking
// listener is recovered so the remaining listeners still run.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	b.dispatch.Lock()
	defer b.dispatch.Unlock()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	ls := b.listeners[e.Type]
	b.mu.RUnlock()

	for _, l := range ls {
		b.deliver(l, e)
	}
}

func (b *Bus) deliver(l *Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("eventType", string(e.Type)).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	l.Handle(e)
}

// ListenerCount returns the number of registrations for eventType.
func (b *Bus) ListenerCount(eventType EventType) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventType])
}

// TotalListeners returns the number of registrations across all types.
func (b *Bus) TotalListeners() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, ls := range b.listeners {
		n += len(ls)
	}
	return n
}

// Has reports whether l is registered for eventType.
func (b *Bus) Has(eventType EventType, l *Listener) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, entry := range b.listeners[eventType] {
		if entry == l {
			return true
		}
	}
	return false
}

// Close drops every registration. Later On calls are ignored and Off
// returns ErrClosed.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.listeners = make(map[EventType][]*Listener)
	return nil
}
