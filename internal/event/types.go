package event

import "github.com/opencode-ai/chatsync/pkg/types"

// Scoped is implemented by payloads that belong to a session. Consumers
// drop a Scoped event whose session is not the one they track.
type Scoped interface {
	EventSessionID() string
}

// SessionChangedData is the data for session.changed events.
type SessionChangedData struct {
	ToSessionID   string `json:"toSessionID"`
	FromSessionID string `json:"fromSessionID,omitempty"`
}

// MessageAddedData is the data for message.added events.
type MessageAddedData struct {
	SessionID string         `json:"sessionID"`
	Message   *types.Message `json:"message"`
}

// MessageStreamingData is the data for message.streaming events.
// Deltas for one ID must arrive in order; they are applied as received.
type MessageStreamingData struct {
	SessionID string        `json:"sessionID"`
	ID        string        `json:"id"`
	Delta     types.Content `json:"delta"`
	Role      types.Role    `json:"role,omitempty"` // defaults to assistant
}

// MessageCompleteData is the data for message.complete events.
type MessageCompleteData struct {
	SessionID    string         `json:"sessionID"`
	ID           string         `json:"id"`
	FinalContent *types.Content `json:"finalContent,omitempty"`
	Role         types.Role     `json:"role,omitempty"`
	// Error marks the message as failed instead of complete.
	Error string `json:"error,omitempty"`
}

// MessagesLoadedData is the data for session.messages.loaded events.
type MessagesLoadedData struct {
	SessionID string      `json:"sessionID"`
	Messages  types.Items `json:"messages"`
	// Err is set by Decode when the batch could not be parsed. The
	// coordinator treats such a batch as empty.
	Err error `json:"-"`
}

// MediaAddedData is the data for media.added events.
type MediaAddedData struct {
	SessionID string           `json:"sessionID"`
	Media     *types.MediaItem `json:"media"`
}

// MediaUpdatedData is the data for media.updated events.
type MediaUpdatedData struct {
	SessionID string       `json:"sessionID"`
	MediaID   string       `json:"mediaID"`
	Status    types.Status `json:"status"`
}

// SubsessionData is the data for subsession.started and subsession.ended
// events. SessionID is optional; when empty the current session is used.
type SubsessionData struct {
	SessionID      string `json:"sessionID,omitempty"`
	SubSessionType string `json:"subSessionType"`
	PrimeAgentKey  string `json:"primeAgentKey"`
	SubAgentKey    string `json:"subAgentKey"`
}

// MessageRemovedData is the data for message.removed events.
type MessageRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// MessageEditedData is the data for message.edited events.
type MessageEditedData struct {
	SessionID string        `json:"sessionID"`
	MessageID string        `json:"messageID"`
	Content   types.Content `json:"content"`
}

// EventSessionID returns the envelope session, or the message's own when
// the envelope omits it.
func (d MessageAddedData) EventSessionID() string {
	if d.SessionID == "" && d.Message != nil {
		return d.Message.SessionID
	}
	return d.SessionID
}

// EventSessionID returns the envelope session, or the media item's own when
// the envelope omits it.
func (d MediaAddedData) EventSessionID() string {
	if d.SessionID == "" && d.Media != nil {
		return d.Media.SessionID
	}
	return d.SessionID
}

func (d MessageStreamingData) EventSessionID() string { return d.SessionID }
func (d MessageCompleteData) EventSessionID() string { return d.SessionID }
func (d MessagesLoadedData) EventSessionID() string { return d.SessionID }
func (d MediaUpdatedData) EventSessionID() string { return d.SessionID }
func (d SubsessionData) EventSessionID() string { return d.SessionID }
func (d MessageRemovedData) EventSessionID() string { return d.SessionID }
func (d MessageEditedData) EventSessionID() string { return d.SessionID }
