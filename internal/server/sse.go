package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/chatsync/internal/chat"
)

// SSEHeartbeatInterval is the interval for SSE heartbeats.
const SSEHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// changeEvents streams a snapshot on connect and after every change.
// Snapshots that arrive faster than the client reads are coalesced: only
// the latest one is sent.
func (s *Server) changeEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse := newSSEWriter(w)
	w.WriteHeader(http.StatusOK)

	latest := make(chan chat.Snapshot, 1)
	cancel := s.engine.OnChange(func(snap chat.Snapshot) {
		for {
			select {
			case latest <- snap:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	})
	defer cancel()

	if err := sse.writeEvent("snapshot", s.engine.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-latest:
			if err := sse.writeEvent("snapshot", snap); err != nil {
				s.log.Debug().Err(err).Msg("snapshot stream closed")
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
