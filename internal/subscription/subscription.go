// Package subscription binds a table of event handlers to an event source
// for exactly one owner, and tears the bindings down symmetrically.
package subscription

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
)

// Table maps event names to the handler the owner wants for them.
type Table map[event.EventType]event.HandlerFunc

// Names returns the table's event names in a stable order.
func (t Table) Names() []event.EventType {
	names := make([]event.EventType, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Set is the live registrations of one owner on one source.
type Set struct {
	id  string
	src event.Source
	log zerolog.Logger

	mu            sync.Mutex
	registrations map[event.EventType]*event.Listener
	detached      bool
}

// Option configures Attach.
type Option func(*Set)

// WithLogger sets the logger used for teardown failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Set) { s.log = l }
}

// WithID overrides the generated set id.
func WithID(id string) Option {
	return func(s *Set) { s.id = id }
}

// Attach registers one fresh listener per table entry on src. Each call
// produces an independent Set; nothing is shared between sets. A nil src,
// including a nil pointer of a concrete source type, yields an empty,
// inert set.
func Attach(src event.Source, table Table, opts ...Option) *Set {
	if isNil(src) {
		src = nil
	}
	s := &Set{
		id:            ulid.Make().String(),
		src:           src,
		log:           logging.Component("subscription"),
		registrations: make(map[event.EventType]*event.Listener, len(table)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if src == nil {
		s.log.Debug().Str("set", s.id).Msg("no event source, subscriptions inert")
		return s
	}

	for _, name := range table.Names() {
		fn := table[name]
		if fn == nil {
			continue
		}
		l := event.NewListener(fn)
		s.registrations[name] = l
		src.On(name, l)
	}

	s.log.Debug().
		Str("set", s.id).
		Int("registrations", len(s.registrations)).
		Msg("attached")
	return s
}

func isNil(src event.Source) bool {
	if src == nil {
		return true
	}
	v := reflect.ValueOf(src)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// ID returns the set's opaque identity.
func (s *Set) ID() string {
	return s.id
}

// Len returns the number of live registrations.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registrations)
}

// Listener returns the listener registered for name, or nil.
func (s *Set) Listener(name event.EventType) *event.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrations[name]
}

// Live reports whether Detach has not been called yet.
func (s *Set) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.detached
}

// Detach removes every registration from the source using the exact
// listener passed to On. It is idempotent and best-effort: a failing or
// panicking Off is logged and the remaining registrations are still removed.
func (s *Set) Detach() {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	regs := s.registrations
	s.registrations = make(map[event.EventType]*event.Listener)
	s.mu.Unlock()

	names := make([]event.EventType, 0, len(regs))
	for name, l := range regs {
		// Drop anything already in flight for this owner.
		l.Disable()
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	failed := 0
	for _, name := range names {
		if err := s.off(name, regs[name]); err != nil {
			failed++
			s.log.Debug().
				Err(err).
				Str("set", s.id).
				Str("eventType", string(name)).
				Msg("off failed, continuing teardown")
		}
	}

	s.log.Debug().
		Str("set", s.id).
		Int("removed", len(regs)-failed).
		Int("failed", failed).
		Msg("detached")
}

func (s *Set) off(name event.EventType, l *event.Listener) (err error) {
	if s.src == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("off panicked: %v", r)
		}
	}()
	return s.src.Off(name, l)
}
