package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/opencode-ai/chatsync/pkg/types"
)

// ErrUnknownEvent is returned when an envelope names an unknown event type.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is the wire form of an event: {"type": "...", "properties": {...}}.
type Envelope struct {
	Type       EventType       `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// aliases maps alternative spellings to canonical event types.
var aliases = map[string]EventType{
	"session-identity-changed": SessionChanged,
	"message-added":            MessageAdded,
	"message-streaming":        MessageStreaming,
	"message-complete":         MessageComplete,
	"session-messages-loaded":  MessagesLoaded,
	"media-added":              MediaAdded,
	"media-updated":            MediaUpdated,
	"subsession-started":       SubsessionStarted,
	"subsession-ended":         SubsessionEnded,
	"message-removed":          MessageRemoved,
	"message-edited":           MessageEdited,
}

// Lookup resolves an event type name or alias. Unknown names produce an
// error that suggests the closest known name.
func Lookup(name string) (EventType, error) {
	name = strings.TrimSpace(name)
	for _, t := range Known {
		if string(t) == name {
			return t, nil
		}
	}
	if t, ok := aliases[name]; ok {
		return t, nil
	}
	if s := suggest(name); s != "" {
		return "", fmt.Errorf("%q (did you mean %q?): %w", name, s, ErrUnknownEvent)
	}
	return "", fmt.Errorf("%q: %w", name, ErrUnknownEvent)
}

// suggest returns the closest known name within a small edit distance.
func suggest(name string) string {
	candidates := make([]string, 0, len(Known)+len(aliases))
	for _, t := range Known {
		candidates = append(candidates, string(t))
	}
	for a := range aliases {
		candidates = append(candidates, a)
	}
	sort.Strings(candidates)

	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(name, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist < 0 || bestDist > len(name)/3+1 {
		return ""
	}
	return best
}

// Decode parses a wire envelope into a typed Event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope converts an already parsed envelope into a typed Event.
func DecodeEnvelope(env Envelope) (Event, error) {
	t, err := Lookup(string(env.Type))
	if err != nil {
		return Event{}, err
	}

	props := env.Properties
	if len(props) == 0 {
		props = json.RawMessage("{}")
	}

	var data any
	switch t {
	case SessionChanged:
		data, err = decodeAs[SessionChangedData](props)
	case MessageAdded:
		data, err = decodeAs[MessageAddedData](props)
	case MessageStreaming:
		data, err = decodeAs[MessageStreamingData](props)
	case MessageComplete:
		data, err = decodeAs[MessageCompleteData](props)
	case MessagesLoaded:
		data, err = decodeBatch(props)
	case MediaAdded:
		data, err = decodeAs[MediaAddedData](props)
	case MediaUpdated:
		data, err = decodeAs[MediaUpdatedData](props)
	case SubsessionStarted, SubsessionEnded:
		data, err = decodeAs[SubsessionData](props)
	case MessageRemoved:
		data, err = decodeAs[MessageRemovedData](props)
	case MessageEdited:
		data, err = decodeAs[MessageEditedData](props)
	default:
		return Event{}, fmt.Errorf("%s: %w", t, ErrUnknownEvent)
	}
	if err != nil {
		return Event{}, fmt.Errorf("failed to parse %s properties: %w", t, err)
	}
	return Event{Type: t, Data: data}, nil
}

func decodeAs[T any](props json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(props, &v)
	return v, err
}

// decodeBatch never fails on bad items: the batch is returned with Err set
// so the coordinator can log it and treat the batch as empty.
func decodeBatch(props json.RawMessage) (MessagesLoadedData, error) {
	var raw struct {
		SessionID string            `json:"sessionID"`
		Messages  []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(props, &raw); err != nil {
		return MessagesLoadedData{}, err
	}

	out := MessagesLoadedData{SessionID: raw.SessionID, Messages: types.Items{}}
	for i, m := range raw.Messages {
		item, err := types.UnmarshalItem(m)
		if err != nil {
			out.Messages = nil
			out.Err = fmt.Errorf("message %d: %w", i, err)
			return out, nil
		}
		out.Messages = append(out.Messages, item)
	}
	return out, nil
}

// Encode converts e into its wire envelope.
func Encode(e Event) ([]byte, error) {
	var props json.RawMessage
	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s properties: %w", e.Type, err)
		}
		props = data
	}
	return json.Marshal(Envelope{Type: e.Type, Properties: props})
}
