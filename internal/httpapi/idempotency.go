package httpapi

import (
	"bytes"
	"io"
	"net/http"

	"github.com/stakpak/agentd/internal/idempotency"
	"github.com/stakpak/agentd/pkg/protocol"
)

// idempotencyMiddleware replays or rejects requests carrying an
// Idempotency-Key before the handler can take any side effect.
func (s *Server) idempotencyMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		req := idempotency.Request{Method: r.Method, Path: r.URL.Path, Key: key, Body: body}
		switch outcome, stored := s.idem.Lookup(req); outcome {
		case idempotency.Replay:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(stored.StatusCode)
			w.Write(stored.Body)
			return
		case idempotency.Conflict:
			s.writeError(w, r, http.StatusConflict, protocol.CodeIdempotencyKeyReused,
				"Idempotency-Key reused with a different payload")
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		// Only successful responses are worth replaying.
		if rec.status < 500 {
			s.idem.Save(req, idempotency.Response{StatusCode: rec.status, Body: rec.buf.Bytes()})
		}
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}
