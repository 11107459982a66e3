// Package chat holds the ordered chat items of the current session and the
// read projections derived from them.
package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencode-ai/chatsync/pkg/types"
)

var (
	// ErrInvalidMutation is returned when a mutation is called with a bad shape.
	ErrInvalidMutation = errors.New("invalid store mutation")
	// ErrNotFound is returned when a mutation targets an unknown id.
	ErrNotFound = errors.New("item not found")
)

// Metadata keys stamped by EditMessage.
const (
	MetaEdited   = "edited"
	MetaEditedAt = "editedAt"
	MetaEditDiff = "editDiff"
	MetaError    = "error"
)

// Store is the ordered item list of one session with an id index for
// O(1) dedup. Items are copy-on-write: a mutation replaces the stored
// pointer, so slices returned by Items never change underneath a reader.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	items     []types.ChatItem
	index     map[string]int
	version   uint64
	now       func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the time source used for edit stamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store with no session.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		index: make(map[string]int),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the session the store currently holds.
func (s *Store) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Reset clears the store and scopes it to sessionID.
func (s *Store) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.sessionID = sessionID
}

// Clear empties the items and the id index unconditionally.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Store) clearLocked() {
	s.items = nil
	s.index = make(map[string]int)
	s.version++
}

// Add appends item unless an item with the same id is already present.
// It returns false for a dropped duplicate.
func (s *Store) Add(item types.ChatItem) (bool, error) {
	if item == nil {
		return false, fmt.Errorf("nil item: %w", ErrInvalidMutation)
	}
	if err := item.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(item)
}

// AddMessage is Add for messages.
func (s *Store) AddMessage(m *types.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("nil message: %w", ErrInvalidMutation)
	}
	return s.Add(m)
}

func (s *Store) addLocked(item types.ChatItem) (bool, error) {
	if s.sessionID != "" && item.ItemSessionID() != s.sessionID {
		return false, fmt.Errorf("item %s belongs to session %s, store holds %s: %w",
			item.ItemID(), item.ItemSessionID(), s.sessionID, ErrInvalidMutation)
	}

	id := item.ItemID()
	if id != "" {
		if _, ok := s.index[id]; ok {
			return false, nil
		}
	}

	s.items = append(s.items, cloneItem(item))
	if id != "" {
		s.index[id] = len(s.items) - 1
	}
	s.version++
	return true, nil
}

// Replace clears the store and adds items in order using the dedup rule.
// Items that fail validation are skipped and reported in the returned error.
func (s *Store) Replace(items []types.ChatItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	var errs []error
	added := 0
	for _, item := range items {
		if item == nil {
			errs = append(errs, fmt.Errorf("nil item: %w", ErrInvalidMutation))
			continue
		}
		if err := item.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		ok, err := s.addLocked(item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			added++
		}
	}
	return added, errors.Join(errs...)
}

// ApplyStreamingDelta appends delta to message id, creating it in the
// streaming state when unknown. Deltas are applied in call order.
func (s *Store) ApplyStreamingDelta(sessionID, id string, delta types.Content, role types.Role) (*types.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("streaming delta without id: %w", ErrInvalidMutation)
	}
	if role == "" {
		role = types.RoleAssistant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.messageLocked(id)
	if errors.Is(err, ErrNotFound) {
		m := &types.Message{
			ID:        id,
			SessionID: sessionID,
			Role:      role,
			Content:   types.Content{}.Append(delta),
			Status:    types.StatusStreaming,
			Timestamp: s.now().UnixMilli(),
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, err := s.addLocked(m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	next := existing.Clone()
	next.Content = existing.Content.Append(delta)
	next.Status = types.StatusStreaming
	s.replaceLocked(next)
	return next, nil
}

// CompleteMessage marks message id complete. A non-nil final replaces the
// accumulated content; otherwise the streamed content is kept. An unknown
// id is created directly in the complete state.
func (s *Store) CompleteMessage(sessionID, id string, final *types.Content, role types.Role) (*types.Message, error) {
	return s.finish(sessionID, id, final, role, types.StatusComplete, "")
}

// FailMessage marks message id as errored and records reason in metadata.
func (s *Store) FailMessage(sessionID, id, reason string, role types.Role) (*types.Message, error) {
	return s.finish(sessionID, id, nil, role, types.StatusError, reason)
}

func (s *Store) finish(sessionID, id string, final *types.Content, role types.Role, status types.Status, reason string) (*types.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("completion without id: %w", ErrInvalidMutation)
	}
	if role == "" {
		role = types.RoleAssistant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.messageLocked(id)
	if errors.Is(err, ErrNotFound) {
		m := &types.Message{
			ID:        id,
			SessionID: sessionID,
			Role:      role,
			Status:    status,
			Timestamp: s.now().UnixMilli(),
		}
		if final != nil {
			m.Content = *final
		}
		if reason != "" {
			m.Metadata = map[string]any{MetaError: reason}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, err := s.addLocked(m); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	next := existing.Clone()
	if final != nil {
		next.Content = *final
	}
	next.Status = status
	if reason != "" {
		if next.Metadata == nil {
			next.Metadata = map[string]any{}
		}
		next.Metadata[MetaError] = reason
	}
	s.replaceLocked(next)
	return next, nil
}

// RemoveMessage deletes the item with id. It reports whether anything was removed.
func (s *Store) RemoveMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return false
	}

	items := make([]types.ChatItem, 0, len(s.items)-1)
	items = append(items, s.items[:pos]...)
	items = append(items, s.items[pos+1:]...)
	s.items = items

	delete(s.index, id)
	for i := pos; i < len(s.items); i++ {
		if itemID := s.items[i].ItemID(); itemID != "" {
			s.index[itemID] = i
		}
	}
	s.version++
	return true
}

// EditMessage replaces the content of message id and stamps the edit
// metadata: edited, editedAt (unix ms) and editDiff.
func (s *Store) EditMessage(id string, content types.Content) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.messageLocked(id)
	if err != nil {
		return nil, err
	}

	next := existing.Clone()
	next.Content = content
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	next.Metadata[MetaEdited] = true
	next.Metadata[MetaEditedAt] = s.now().UnixMilli()
	next.Metadata[MetaEditDiff] = diffText(existing.Content.PlainText(), content.PlainText())
	s.replaceLocked(next)
	return next, nil
}

// SetMediaStatus updates the upload state of media item id.
func (s *Store) SetMediaStatus(id string, status types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return fmt.Errorf("media %s: %w", id, ErrNotFound)
	}
	media, ok := s.items[pos].(*types.MediaItem)
	if !ok {
		return fmt.Errorf("item %s is not media: %w", id, ErrInvalidMutation)
	}

	next := *media
	next.Status = status
	if err := next.Validate(); err != nil {
		return err
	}
	s.items[pos] = &next
	s.version++
	return nil
}

func (s *Store) messageLocked(id string) (*types.Message, error) {
	pos, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	m, ok := s.items[pos].(*types.Message)
	if !ok {
		return nil, fmt.Errorf("item %s is not a message: %w", id, ErrInvalidMutation)
	}
	return m, nil
}

// replaceLocked swaps the stored pointer for an item that already exists.
func (s *Store) replaceLocked(item types.ChatItem) {
	s.items[s.index[item.ItemID()]] = item
	s.version++
}

// Get returns the item with id.
func (s *Store) Get(id string) (types.ChatItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.items[pos], true
}

// Has reports whether an item with id is present.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Len returns the number of items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Items returns the current items in insertion order. The returned slice
// is owned by the caller.
func (s *Store) Items() types.Items {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(types.Items, len(s.items))
	copy(out, s.items)
	return out
}

// Snapshot returns the items together with the session and version they
// were read at.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make(types.Items, len(s.items))
	copy(items, s.items)
	return Snapshot{SessionID: s.sessionID, Version: s.version, Items: items}
}

func cloneItem(item types.ChatItem) types.ChatItem {
	switch v := item.(type) {
	case *types.Message:
		m := v.Clone()
		if m.Status == "" {
			m.Status = types.StatusComplete
		}
		return m
	case *types.MediaItem:
		c := *v
		return &c
	case *types.Divider:
		c := *v
		return &c
	default:
		return item
	}
}
