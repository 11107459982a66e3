package engine

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/chatsync/internal/chat"
	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/internal/subscription"
	"github.com/opencode-ai/chatsync/pkg/types"
)

// handlers returns the engine's subscription table. Each handler runs under
// the engine mutex and reports whether the store changed.
func (e *Engine) handlers() subscription.Table {
	return subscription.Table{
		event.SessionChanged:    e.guard(e.onSessionChanged),
		event.MessagesLoaded:    e.guard(e.onMessagesLoaded),
		event.MessageAdded:      e.guard(e.onMessageAdded),
		event.MessageStreaming:  e.guard(e.onMessageStreaming),
		event.MessageComplete:   e.guard(e.onMessageComplete),
		event.MediaAdded:        e.guard(e.onMediaAdded),
		event.MediaUpdated:      e.guard(e.onMediaUpdated),
		event.SubsessionStarted: e.guard(e.onSubsession(types.DividerStart)),
		event.SubsessionEnded:   e.guard(e.onSubsession(types.DividerEnd)),
		event.MessageRemoved:    e.guard(e.onMessageRemoved),
		event.MessageEdited:     e.guard(e.onMessageEdited),
	}
}

func (e *Engine) guard(fn func(event.Event) bool) event.HandlerFunc {
	return func(ev event.Event) {
		e.mu.Lock()
		if e.disposed {
			e.mu.Unlock()
			return
		}
		changed := fn(ev)
		snap, obs := e.changedLocked(changed)
		e.mu.Unlock()

		e.notify(obs, snap)
	}
}

// payload extracts a T from e.Data, accepting both T and *T.
func payload[T any](e event.Event) (T, bool) {
	switch d := e.Data.(type) {
	case T:
		return d, true
	case *T:
		if d != nil {
			return *d, true
		}
	}
	var zero T
	return zero, false
}

func (e *Engine) malformed(ev event.Event) bool {
	e.log.Warn().
		Str("eventType", string(ev.Type)).
		Str("data", typeName(ev.Data)).
		Msg("dropping event with unexpected payload")
	return false
}

// stale reports whether ev belongs to a session other than the current
// one, logging the drop when it does. The session is read from the
// payload's Scoped implementation; payloads without one are stale.
func (e *Engine) stale(ev event.Event) bool {
	var sessionID string
	if s, ok := ev.Data.(event.Scoped); ok {
		sessionID = s.EventSessionID()
	}
	if e.state.SessionID != "" && sessionID == e.state.SessionID {
		return false
	}
	e.log.Debug().
		Str("eventType", string(ev.Type)).
		Str("eventSession", sessionID).
		Str("session", e.state.SessionID).
		Msg("dropping stale event")
	return true
}

func (e *Engine) onSessionChanged(ev event.Event) bool {
	d, ok := payload[event.SessionChangedData](ev)
	if !ok {
		return e.malformed(ev)
	}

	to := d.ToSessionID
	if to == e.state.SessionID {
		return false
	}

	from := e.state.SessionID
	e.store.Reset(to)
	if to == "" {
		e.state = stable("")
		e.log.Info().Str("from", from).Msg("left session")
		return true
	}

	e.state = switching(from, to)
	e.log.Info().Str("from", from).Str("to", to).Msg("session switched")

	if e.history != nil {
		e.history.Request(to)
	}
	return true
}

func (e *Engine) onMessagesLoaded(ev event.Event) bool {
	d, ok := payload[event.MessagesLoadedData](ev)
	if !ok {
		return e.malformed(ev)
	}
	if e.stale(ev) {
		return false
	}

	batch := []types.ChatItem(d.Messages)
	err := d.Err
	if err == nil {
		err = validateBatch(d.SessionID, batch)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("session", d.SessionID).Msg("invalid history batch, treating as empty")
		batch = nil
	}

	// Items that arrived while waiting for history are kept after it.
	var received types.Items
	if e.state.Phase == PhaseSwitching {
		received = e.store.Items()
	}

	n, err := e.store.Replace(batch)
	if err != nil {
		e.log.Warn().Err(err).Str("session", d.SessionID).Msg("history replace failed")
	}
	carried := 0
	for _, item := range received {
		if ok, _ := e.store.Add(item); ok {
			carried++
		}
	}

	e.state = stable(d.SessionID)
	e.log.Debug().
		Str("session", d.SessionID).
		Int("loaded", n).
		Int("carried", carried).
		Msg("history applied")
	return true
}

func (e *Engine) onMessageAdded(ev event.Event) bool {
	d, ok := payload[event.MessageAddedData](ev)
	if !ok || d.Message == nil {
		return e.malformed(ev)
	}

	m := d.Message
	sessionID := d.EventSessionID()
	if e.stale(ev) {
		return false
	}
	if m.SessionID == "" {
		m = m.Clone()
		m.SessionID = sessionID
	}
	return e.add(ev, m)
}

func (e *Engine) onMediaAdded(ev event.Event) bool {
	d, ok := payload[event.MediaAddedData](ev)
	if !ok || d.Media == nil {
		return e.malformed(ev)
	}

	media := d.Media
	sessionID := d.EventSessionID()
	if e.stale(ev) {
		return false
	}
	if media.SessionID == "" {
		c := *media
		c.SessionID = sessionID
		media = &c
	}
	return e.add(ev, media)
}

func (e *Engine) add(ev event.Event, item types.ChatItem) bool {
	added, err := e.store.Add(item)
	if err != nil {
		e.log.Warn().Err(err).Str("eventType", string(ev.Type)).Msg("dropping invalid item")
		return false
	}
	if !added {
		e.log.Debug().Str("id", item.ItemID()).Msg("duplicate item dropped")
	}
	return added
}

func (e *Engine) onMessageStreaming(ev event.Event) bool {
	d, ok := payload[event.MessageStreamingData](ev)
	if !ok {
		return e.malformed(ev)
	}
	if e.stale(ev) {
		return false
	}

	if _, err := e.store.ApplyStreamingDelta(d.SessionID, d.ID, d.Delta, d.Role); err != nil {
		e.log.Warn().Err(err).Str("id", d.ID).Msg("dropping streaming delta")
		return false
	}
	return true
}

func (e *Engine) onMessageComplete(ev event.Event) bool {
	d, ok := payload[event.MessageCompleteData](ev)
	if !ok {
		return e.malformed(ev)
	}
	if e.stale(ev) {
		return false
	}

	var err error
	if d.Error != "" {
		_, err = e.store.FailMessage(d.SessionID, d.ID, d.Error, d.Role)
	} else {
		_, err = e.store.CompleteMessage(d.SessionID, d.ID, d.FinalContent, d.Role)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("id", d.ID).Msg("dropping completion")
		return false
	}
	return true
}

func (e *Engine) onMediaUpdated(ev event.Event) bool {
	d, ok := payload[event.MediaUpdatedData](ev)
	if !ok {
		return e.malformed(ev)
	}
	if e.stale(ev) {
		return false
	}

	if err := e.store.SetMediaStatus(d.MediaID, d.Status); err != nil {
		e.log.Debug().Err(err).Str("id", d.MediaID).Msg("dropping media update")
		return false
	}
	return true
}

func (e *Engine) onSubsession(kind types.DividerType) func(event.Event) bool {
	return func(ev event.Event) bool {
		d, ok := payload[event.SubsessionData](ev)
		if !ok {
			return e.malformed(ev)
		}
		// Markers without a session belong to the current one.
		if d.SessionID == "" {
			d.SessionID = e.state.SessionID
			ev.Data = d
		}
		if e.stale(ev) {
			return false
		}

		return e.add(ev, &types.Divider{
			ID:             ulid.Make().String(),
			SessionID:      d.SessionID,
			DividerType:    kind,
			SubSessionType: d.SubSessionType,
			PrimeAgentKey:  d.PrimeAgentKey,
			SubAgentKey:    d.SubAgentKey,
			Timestamp:      e.now().UnixMilli(),
		})
	}
}

func (e *Engine) onMessageRemoved(ev event.Event) bool {
	d, ok := payload[event.MessageRemovedData](ev)
	if !ok {
		return e.malformed(ev)
	}
	if e.stale(ev) {
		return false
	}
	return e.store.RemoveMessage(d.MessageID)
}

func (e *Engine) onMessageEdited(ev event.Event) bool {
	d, ok := payload[event.MessageEditedData](ev)
	if !ok {
		return e.malformed(ev)
	}
	if e.stale(ev) {
		return false
	}

	if _, err := e.store.EditMessage(d.MessageID, d.Content); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			e.log.Debug().Str("id", d.MessageID).Msg("edit for unknown message dropped")
		} else {
			e.log.Warn().Err(err).Str("id", d.MessageID).Msg("dropping edit")
		}
		return false
	}
	return true
}

// validateBatch rejects the whole batch when any item is malformed or
// belongs to another session.
func validateBatch(sessionID string, items []types.ChatItem) error {
	for i, item := range items {
		if item == nil {
			return fmt.Errorf("item %d is nil: %w", i, types.ErrInvalidItem)
		}
		if err := item.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		if item.ItemSessionID() != sessionID {
			return fmt.Errorf("item %d belongs to session %s: %w", i, item.ItemSessionID(), ErrSessionMismatch)
		}
	}
	return nil
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
