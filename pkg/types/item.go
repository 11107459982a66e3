// Package types provides the core data types for chatsync.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidItem is returned when a chat item fails validation.
var ErrInvalidItem = errors.New("invalid chat item")

// ItemKind discriminates the ChatItem union.
type ItemKind string

const (
	KindMessage ItemKind = "message"
	KindMedia   ItemKind = "media"
	KindDivider ItemKind = "divider"
)

// ChatItem is one entry of a session's ordered item list.
type ChatItem interface {
	ItemKind() ItemKind
	ItemID() string
	ItemSessionID() string
	ItemTimestamp() int64
	Validate() error
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Status is the lifecycle state of a message or an upload.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusComplete, StatusError:
		return true
	}
	return false
}

// DividerType marks the boundary of a sub-session.
type DividerType string

const (
	DividerStart DividerType = "start"
	DividerEnd   DividerType = "end"
)

// Message is a chat message from the user, the assistant, or the system.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Role      Role           `json:"role"`
	Content   Content        `json:"content"`
	Status    Status         `json:"status"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (m *Message) ItemKind() ItemKind    { return KindMessage }
func (m *Message) ItemID() string        { return m.ID }
func (m *Message) ItemSessionID() string { return m.SessionID }
func (m *Message) ItemTimestamp() int64  { return m.Timestamp }

// Validate checks the message shape. An empty status is accepted and
// treated as complete by the store.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("nil message: %w", ErrInvalidItem)
	}
	if m.ID == "" {
		return fmt.Errorf("message has no id: %w", ErrInvalidItem)
	}
	if m.SessionID == "" {
		return fmt.Errorf("message %s has no session id: %w", m.ID, ErrInvalidItem)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("message %s has unknown role %q: %w", m.ID, m.Role, ErrInvalidItem)
	}
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("message %s has unknown status %q: %w", m.ID, m.Status, ErrInvalidItem)
	}
	return nil
}

// Clone returns a copy whose metadata and blocks can be mutated freely.
func (m *Message) Clone() *Message {
	out := *m
	out.Content = m.Content.clone()
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// MediaItem is an uploaded or generated media attachment.
type MediaItem struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionID"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	// Status is the upload state; empty means complete.
	Status Status `json:"status,omitempty"`
}

func (m *MediaItem) ItemKind() ItemKind    { return KindMedia }
func (m *MediaItem) ItemID() string        { return m.ID }
func (m *MediaItem) ItemSessionID() string { return m.SessionID }
func (m *MediaItem) ItemTimestamp() int64  { return m.Timestamp }

// Validate checks the media item shape.
func (m *MediaItem) Validate() error {
	if m == nil {
		return fmt.Errorf("nil media item: %w", ErrInvalidItem)
	}
	if m.ID == "" {
		return fmt.Errorf("media item has no id: %w", ErrInvalidItem)
	}
	if m.SessionID == "" {
		return fmt.Errorf("media item %s has no session id: %w", m.ID, ErrInvalidItem)
	}
	if m.Status != "" && m.Status != StatusPending && m.Status != StatusComplete && m.Status != StatusError {
		return fmt.Errorf("media item %s has unknown upload status %q: %w", m.ID, m.Status, ErrInvalidItem)
	}
	return nil
}

// UploadStatus returns the effective upload state.
func (m *MediaItem) UploadStatus() Status {
	if m.Status == "" {
		return StatusComplete
	}
	return m.Status
}

// Divider marks the start or end of a nested sub-conversation.
type Divider struct {
	ID             string      `json:"id,omitempty"`
	SessionID      string      `json:"sessionID"`
	DividerType    DividerType `json:"dividerType"`
	SubSessionType string      `json:"subSessionType,omitempty"`
	PrimeAgentKey  string      `json:"primeAgentKey,omitempty"`
	SubAgentKey    string      `json:"subAgentKey,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

func (d *Divider) ItemKind() ItemKind    { return KindDivider }
func (d *Divider) ItemID() string        { return d.ID }
func (d *Divider) ItemSessionID() string { return d.SessionID }
func (d *Divider) ItemTimestamp() int64  { return d.Timestamp }

// Validate checks the divider shape. Dividers may lack an id.
func (d *Divider) Validate() error {
	if d == nil {
		return fmt.Errorf("nil divider: %w", ErrInvalidItem)
	}
	if d.SessionID == "" {
		return fmt.Errorf("divider has no session id: %w", ErrInvalidItem)
	}
	if d.DividerType != DividerStart && d.DividerType != DividerEnd {
		return fmt.Errorf("divider has unknown type %q: %w", d.DividerType, ErrInvalidItem)
	}
	return nil
}

// rawItem is used to read the kind discriminator.
type rawItem struct {
	Kind ItemKind `json:"kind"`
}

// UnmarshalItem decodes a kind-discriminated JSON chat item. Objects
// without a kind are read as messages.
func UnmarshalItem(data []byte) (ChatItem, error) {
	var raw rawItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Kind {
	case KindMessage, "":
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindMedia:
		var m MediaItem
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindDivider:
		var d Divider
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return &d, nil
	default:
		return nil, fmt.Errorf("unknown item kind %q: %w", raw.Kind, ErrInvalidItem)
	}
}

// MarshalItem encodes a chat item with its kind discriminator.
func MarshalItem(item ChatItem) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(item.ItemKind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// Items is an ordered list of chat items that encodes each entry with its kind.
type Items []ChatItem

// MarshalJSON implements json.Marshaler.
func (items Items) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := MarshalItem(item)
		if err != nil {
			return nil, err
		}
		raws = append(raws, data)
	}
	return json.Marshal(raws)
}

// UnmarshalJSON implements json.Unmarshaler.
func (items *Items) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Items, 0, len(raws))
	for i, raw := range raws {
		item, err := UnmarshalItem(raw)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, item)
	}
	*items = out
	return nil
}
