package event

import (
	"errors"
	"sync/atomic"
)

// EventType represents the type of event.
type EventType string

const (
	SessionChanged    EventType = "session.changed"
	MessageAdded      EventType = "message.added"
	MessageStreaming  EventType = "message.streaming"
	MessageComplete   EventType = "message.complete"
	MessagesLoaded    EventType = "session.messages.loaded"
	MediaAdded        EventType = "media.added"
	SubsessionStarted EventType = "subsession.started"
	SubsessionEnded   EventType = "subsession.ended"
	MessageRemoved    EventType = "message.removed"
	MessageEdited     EventType = "message.edited"
	MediaUpdated      EventType = "media.updated"
)

// Known lists every event type in declaration order.
var Known = []EventType{
	SessionChanged,
	MessageAdded,
	MessageStreaming,
	MessageComplete,
	MessagesLoaded,
	MediaAdded,
	SubsessionStarted,
	SubsessionEnded,
	MessageRemoved,
	MessageEdited,
	MediaUpdated,
}

var (
	// ErrClosed is returned by a closed source.
	ErrClosed = errors.New("event source closed")
	// ErrNotRegistered is returned by Off when the listener is not registered.
	ErrNotRegistered = errors.New("listener not registered")
)

// Event represents an event delivered by a Source.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// HandlerFunc receives events.
type HandlerFunc func(Event)

// Listener is a handler with identity. Sources register and remove
// listeners by pointer, never by event name alone, so two owners of
// equivalent handlers never remove each other's registrations.
type Listener struct {
	fn       HandlerFunc
	disabled atomic.Bool
}

// NewListener wraps fn in a new Listener.
func NewListener(fn HandlerFunc) *Listener {
	return &Listener{fn: fn}
}

// Handle delivers e unless the listener has been disabled.
func (l *Listener) Handle(e Event) {
	if l == nil || l.fn == nil || l.disabled.Load() {
		return
	}
	l.fn(e)
}

// Disable makes every later Handle call a no-op.
func (l *Listener) Disable() {
	l.disabled.Store(true)
}

// Disabled reports whether Disable was called.
func (l *Listener) Disabled() bool {
	return l.disabled.Load()
}

// Source is anything that can register listeners per event type.
// Delivery is ordered within one event type; ordering across types is
// whatever the source provides.
type Source interface {
	On(eventType EventType, l *Listener)
	Off(eventType EventType, l *Listener) error
}

// Emitter accepts events for delivery.
type Emitter interface {
	Emit(e Event)
}
