package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/chatsync/internal/chat"
	"github.com/opencode-ai/chatsync/internal/engine"
	"github.com/opencode-ai/chatsync/internal/event"
	"github.com/opencode-ai/chatsync/pkg/types"
)

const maxBodySize = 4 * 1024 * 1024

// StateResponse is returned by GET /state.
type StateResponse struct {
	EngineID string       `json:"engineID"`
	State    engine.State `json:"state"`
	Version  uint64       `json:"version"`
	Items    int          `json:"items"`
	Disposed bool         `json:"disposed"`
}

// EventsResponse is returned by POST /events.
type EventsResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, StateResponse{
		EngineID: s.engine.ID(),
		State:    s.engine.State(),
		Version:  snap.Version,
		Items:    len(snap.Items),
		Disposed: s.engine.Disposed(),
	})
}

func (s *Server) getItems(w http.ResponseWriter, r *http.Request) {
	role := types.Role(r.URL.Query().Get("role"))
	if role == "" {
		writeJSON(w, http.StatusOK, s.engine.Items())
		return
	}
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, fmt.Sprintf("unknown role %q", role))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.engine.ByRole(role)))
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "query parameter q is required")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.engine.Search(q)))
}

func (s *Server) uploadedMedia(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.UploadedMediaIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// postEvents accepts one envelope or an array of envelopes. Every envelope
// is decoded before any is emitted, so a bad batch emits nothing.
func (s *Server) postEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "failed to read body")
		return
	}

	var envelopes []event.Envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &envelopes)
	} else {
		var env event.Envelope
		err = json.Unmarshal(trimmed, &env)
		envelopes = []event.Envelope{env}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	events := make([]event.Event, 0, len(envelopes))
	for i, env := range envelopes {
		e, err := event.DecodeEnvelope(env)
		if err != nil {
			code := ErrCodeInvalidRequest
			if errors.Is(err, event.ErrUnknownEvent) {
				code = ErrCodeUnknownEvent
			}
			writeErrorWithDetails(w, http.StatusBadRequest, code, err.Error(), map[string]any{"index": i})
			return
		}
		events = append(events, e)
	}

	for _, e := range events {
		s.bus.Emit(e)
	}
	writeJSON(w, http.StatusAccepted, EventsResponse{Accepted: len(events)})
}

// postMessage adds a locally authored message to the current session.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg types.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	stored, err := s.engine.AddMessage(&msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, stored)
	case errors.Is(err, engine.ErrSessionMismatch):
		writeError(w, http.StatusConflict, ErrCodeSessionMismatch, err.Error())
	case errors.Is(err, engine.ErrDisposed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, types.ErrInvalidItem), errors.Is(err, chat.ErrInvalidMutation):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

func (s *Server) listCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Sessions())
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	s.cache.Clear()
	writeSuccess(w)
}

func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.cache.Invalidate(sessionID) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("session %s is not cached", sessionID))
		return
	}
	writeSuccess(w)
}

func nonNil(ms []*types.Message) []*types.Message {
	if ms == nil {
		return []*types.Message{}
	}
	return ms
}
