package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stakpak/agentd/pkg/protocol"
)

// keepaliveInterval paces SSE comment frames so proxies keep the stream open.
const keepaliveInterval = 15 * time.Second

// handleEvents is the SSE endpoint. Honors Last-Event-ID: resident events
// replay, evicted history yields a gap_detected control frame first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.storage.Get(r.Context(), sessionID); err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, protocol.CodeInternalError, "streaming unsupported")
		return
	}

	var lastEventID uint64
	if header := r.Header.Get("Last-Event-ID"); header != "" {
		if parsed, err := strconv.ParseUint(header, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.events.Subscribe(sessionID, lastEventID)
	defer sub.Close()

	if sub.Gap != nil {
		payload, _ := json.Marshal(protocol.GapPayload{
			RequestedAfterID:  sub.Gap.RequestedAfterID,
			OldestAvailableID: sub.Gap.OldestAvailableID,
			ResumeHint:        protocol.ResumeHintRefresh,
		})
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", protocol.EventGapDetected, payload)
	}
	for _, env := range sub.Replay {
		writeSSE(w, env)
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case env, ok := <-sub.Live:
			if !ok {
				// Dropped as a lagged consumer; the client resumes with its
				// Last-Event-ID and sees the gap.
				return
			}
			writeSSE(w, env)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, env protocol.EventEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.ID, env.Event.Type, data)
}
