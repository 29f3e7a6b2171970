// Package httpapi is the HTTP/SSE surface: thin request handlers translating
// between the wire and the session-execution core.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stakpak/agentd/internal/actor"
	"github.com/stakpak/agentd/internal/checkpoint"
	"github.com/stakpak/agentd/internal/config"
	"github.com/stakpak/agentd/internal/eventlog"
	"github.com/stakpak/agentd/internal/idempotency"
	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/internal/runmgr"
	"github.com/stakpak/agentd/internal/store"
	"github.com/stakpak/agentd/internal/tools"
	"github.com/stakpak/agentd/pkg/protocol"
)

// Version is stamped at build time.
var Version = "dev"

// Server wires the core subsystems behind the HTTP surface.
type Server struct {
	cfg     atomic.Pointer[config.Config]
	storage store.SessionStorage
	events  *eventlog.Log
	runs    *runmgr.Manager
	cps     *checkpoint.Store
	idem    *idempotency.Store
	client  llm.Client
	tools   *tools.Registry

	autopilot config.Autopilot
	started   time.Time

	mu     sync.Mutex
	actors map[string]*actor.Actor // sessionID → active run's actor
}

// NewServer assembles the surface.
func NewServer(cfg *config.Config, storage store.SessionStorage, events *eventlog.Log,
	runs *runmgr.Manager, cps *checkpoint.Store, client llm.Client, registry *tools.Registry,
	autopilot config.Autopilot) *Server {
	s := &Server{
		storage:   storage,
		events:    events,
		runs:      runs,
		cps:       cps,
		idem:      idempotency.New(idempotency.DefaultTTL),
		client:    client,
		tools:     registry,
		autopilot: autopilot,
		started:   time.Now(),
		actors:    make(map[string]*actor.Actor),
	}
	s.cfg.Store(cfg)
	return s
}

// Config returns the current configuration snapshot.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// Accessors for embedding clients (the interactive driver shares the core).

func (s *Server) Storage() store.SessionStorage { return s.storage }
func (s *Server) Runs() *runmgr.Manager         { return s.runs }
func (s *Server) Events() *eventlog.Log         { return s.events }

// SetConfig swaps the configuration (config file hot reload).
func (s *Server) SetConfig(cfg *config.Config) { s.cfg.Store(cfg) }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public routes.
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/openapi.json", s.handleOpenAPI)

	// Authenticated routes.
	auth := func(h http.HandlerFunc) http.HandlerFunc { return s.authMiddleware(h) }
	mutating := func(h http.HandlerFunc) http.HandlerFunc { return s.authMiddleware(s.idempotencyMiddleware(h)) }

	mux.HandleFunc("GET /v1/sessions", auth(s.handleListSessions))
	mux.HandleFunc("POST /v1/sessions", mutating(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions/{id}", auth(s.handleGetSession))
	mux.HandleFunc("PATCH /v1/sessions/{id}", mutating(s.handlePatchSession))
	mux.HandleFunc("DELETE /v1/sessions/{id}", mutating(s.handleDeleteSession))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", mutating(s.handlePostMessage))
	mux.HandleFunc("GET /v1/sessions/{id}/messages", auth(s.handleGetMessages))
	mux.HandleFunc("GET /v1/sessions/{id}/events", auth(s.handleEvents))
	mux.HandleFunc("GET /v1/sessions/{id}/tools/pending", auth(s.handlePendingTools))
	mux.HandleFunc("POST /v1/sessions/{id}/tools/{tool_call_id}/decision", mutating(s.handleToolDecision))
	mux.HandleFunc("POST /v1/sessions/{id}/tools/decisions", mutating(s.handleToolDecisions))
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", mutating(s.handleCancel))
	mux.HandleFunc("POST /v1/sessions/{id}/model", mutating(s.handleSwitchModel))
	mux.HandleFunc("GET /v1/models", auth(s.handleModels))
	mux.HandleFunc("GET /v1/config", auth(s.handleConfig))

	return s.requestIDMiddleware(mux)
}

// Shutdown cancels all runs and releases background resources.
func (s *Server) Shutdown() {
	s.runs.CancelAll()
}

// SweepLoop expires idempotency entries until ctx ends.
func (s *Server) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.idem.Sweep()
		}
	}
}

// middleware

type ctxKey int

const requestIDKey ctxKey = 0

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := s.Config()
		if cfg.NoAuth {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AuthToken)) != 1 {
			s.writeError(w, r, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Debug("response encode failed", "error", err)
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, protocol.ErrorDTO{Error: message, Code: code, RequestID: requestID(r)})
}

// writeCoreError maps core errors onto the HTTP taxonomy.
func (s *Server) writeCoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, protocol.CodeNotFound, err.Error())
	case errors.Is(err, runmgr.ErrRunMismatch):
		s.writeError(w, r, http.StatusConflict, protocol.CodeRunMismatch, err.Error())
	case errors.Is(err, runmgr.ErrSessionAlreadyRunning), errors.Is(err, runmgr.ErrSessionStarting):
		s.writeError(w, r, http.StatusConflict, protocol.CodeSessionAlreadyRunning, err.Error())
	case errors.Is(err, runmgr.ErrSessionNotRunning), errors.Is(err, runmgr.ErrMailboxFull):
		s.writeError(w, r, http.StatusConflict, protocol.CodeSessionNotRunning, err.Error())
	case errors.Is(err, runmgr.ErrActorStartupFailed):
		s.writeError(w, r, http.StatusInternalServerError, protocol.CodeActorStartupFailed, err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, protocol.CodeInternalError, err.Error())
	}
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func sessionDTO(sess store.Session) protocol.SessionDTO {
	return protocol.SessionDTO{
		ID:         sess.ID,
		Title:      sess.Title,
		Cwd:        sess.Cwd,
		Visibility: sess.Visibility,
		Status:     sess.Status,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
	}
}
