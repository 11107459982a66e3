// Package engine keeps a local, session-scoped view of a chat synchronized
// with an event source. An Engine owns one subscription set and one store,
// clears the store atomically when the session changes and drops events
// that belong to any other session.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/chatsync/internal/chat"
	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/logging"
	"github.com/opencode-ai/chatsync/internal/subscription"
	"github.com/opencode-ai/chatsync/pkg/types"
)

var (
	// ErrDisposed is returned by mutations on a disposed engine.
	ErrDisposed = errors.New("engine disposed")
	// ErrSessionMismatch is returned when a local add targets a session
	// other than the current one.
	ErrSessionMismatch = errors.New("session mismatch")
)

// Requester asks for a session's history. Implementations must not block
// and must deliver the result as a session.messages.loaded event from
// outside the calling handler.
type Requester interface {
	Request(sessionID string)
}

// ChangeFunc observes the engine after every effective mutation.
type ChangeFunc func(chat.Snapshot)

// Engine is the session switch coordinator.
type Engine struct {
	id      string
	log     zerolog.Logger
	store   *chat.Store
	set     *subscription.Set
	history Requester
	now     func() time.Time

	mu        sync.Mutex
	state     State
	disposed  bool
	observers map[uint64]ChangeFunc
	nextObs   uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithInitialSession starts the engine in Stable(id).
func WithInitialSession(id string) Option {
	return func(e *Engine) { e.state = stable(id) }
}

// WithHistory requests history for every session switched to.
func WithHistory(r Requester) Option {
	return func(e *Engine) { e.history = r }
}

// WithClock sets the time source for generated timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithID overrides the generated engine id.
func WithID(id string) Option {
	return func(e *Engine) { e.id = id }
}

// New creates an engine bound to src. A nil src, including a nil *event.Bus,
// yields an engine that never receives events. Such an engine still accepts
// local AddMessage calls once it has a current session, for example via
// WithInitialSession.
func New(src event.Source, opts ...Option) *Engine {
	e := &Engine{
		id:        ulid.Make().String(),
		log:       logging.Component("engine"),
		now:       time.Now,
		state:     stable(""),
		observers: make(map[uint64]ChangeFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("engine", e.id).Logger()

	e.store = chat.NewStore(chat.WithClock(e.now))
	e.store.Reset(e.state.SessionID)

	e.set = subscription.Attach(src, e.handlers(),
		subscription.WithID(e.id),
		subscription.WithLogger(e.log))

	e.log.Debug().Str("session", e.state.SessionID).Msg("engine started")
	return e
}

// ID returns the engine's opaque identity.
func (e *Engine) ID() string {
	return e.id
}

// SessionID returns the current session id.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.SessionID
}

// State returns the coordinator state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Items returns the current session's items in order.
func (e *Engine) Items() types.Items {
	return e.store.Items()
}

// Snapshot returns the items with the session and version they were read at.
func (e *Engine) Snapshot() chat.Snapshot {
	return e.store.Snapshot()
}

// ByRole returns the current messages authored by role.
func (e *Engine) ByRole(role types.Role) []*types.Message {
	return chat.ByRole(e.store.Items(), role)
}

// Search returns the current messages containing text, case-insensitively.
func (e *Engine) Search(text string) []*types.Message {
	return chat.Search(e.store.Items(), text)
}

// UploadedMediaIDs returns the ids of current media whose upload completed.
func (e *Engine) UploadedMediaIDs() []string {
	return chat.UploadedMediaIDs(e.store.Items())
}

// AddMessage adds a locally authored message to the current session. An
// empty ID gets a generated one, an empty SessionID is stamped with the
// current session and a zero Timestamp with the current time. It returns
// the stored copy. Local messages are accepted even when the engine has no
// event source.
func (e *Engine) AddMessage(msg *types.Message) (*types.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message: %w", chat.ErrInvalidMutation)
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil, ErrDisposed
	}

	current := e.state.SessionID
	if current == "" {
		e.mu.Unlock()
		return nil, fmt.Errorf("no current session: %w", ErrSessionMismatch)
	}

	m := msg.Clone()
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.SessionID == "" {
		m.SessionID = current
	}
	if m.SessionID != current {
		e.mu.Unlock()
		return nil, fmt.Errorf("message %s is for session %s, current is %s: %w",
			m.ID, m.SessionID, current, ErrSessionMismatch)
	}
	if m.Timestamp == 0 {
		m.Timestamp = e.now().UnixMilli()
	}

	added, err := e.store.AddMessage(m)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	stored, _ := e.store.Get(m.ID)
	snap, obs := e.changedLocked(added)
	e.mu.Unlock()

	e.notify(obs, snap)
	return stored.(*types.Message), nil
}

// OnChange registers fn to be called after every effective mutation. The
// returned function removes it and is safe to call more than once.
func (e *Engine) OnChange(fn ChangeFunc) func() {
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return func() {}
	}
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	}
}

// Dispose detaches every subscription and drops all observers. After it
// returns no handler mutates the store. Calling it again is a no-op.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.observers = make(map[uint64]ChangeFunc)
	e.mu.Unlock()

	e.set.Detach()
	e.log.Debug().Msg("engine disposed")
}

// Disposed reports whether Dispose was called.
func (e *Engine) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

func (e *Engine) changedLocked(changed bool) (chat.Snapshot, []ChangeFunc) {
	if !changed || len(e.observers) == 0 {
		return chat.Snapshot{}, nil
	}
	obs := make([]ChangeFunc, 0, len(e.observers))
	for i := uint64(0); i < e.nextObs; i++ {
		if fn, ok := e.observers[i]; ok {
			obs = append(obs, fn)
		}
	}
	return e.store.Snapshot(), obs
}

func (e *Engine) notify(obs []ChangeFunc, snap chat.Snapshot) {
	for _, fn := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("change observer panicked")
				}
			}()
			fn(snap)
		}()
	}
}
