package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stakpak/agentd/internal/store"
	"github.com/stakpak/agentd/pkg/protocol"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	sessions, total, err := s.storage.List(r.Context(), opts)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	dtos := make([]protocol.SessionDTO, 0, len(sessions))
	for _, sess := range sessions {
		dtos = append(dtos, sessionDTO(sess))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": dtos,
		"total":    total,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
		Cwd   string `json:"cwd"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Title == "" {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "title is required")
		return
	}

	now := time.Now().UTC()
	sess := store.Session{
		ID:         uuid.NewString(),
		Title:      body.Title,
		Cwd:        body.Cwd,
		Visibility: protocol.VisibilityPrivate,
		Status:     protocol.SessionStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.storage.Create(r.Context(), sess); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sessionDTO(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.storage.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	cfg := s.Config()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session":       sessionDTO(sess),
		"default_model": cfg.DefaultModel,
		"approval_mode": cfg.Approval.Mode,
		"active_run_id": s.runs.ActiveRunID(sess.ID),
	})
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title      *string `json:"title"`
		Visibility *string `json:"visibility"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}

	sess, err := s.storage.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	if body.Title != nil {
		sess.Title = *body.Title
	}
	if body.Visibility != nil {
		if *body.Visibility != protocol.VisibilityPrivate && *body.Visibility != protocol.VisibilityPublic {
			s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "visibility must be private or public")
			return
		}
		sess.Visibility = *body.Visibility
	}
	if err := s.storage.Update(r.Context(), sess); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	updated, err := s.storage.Get(r.Context(), sess.ID)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionDTO(updated))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.storage.Get(r.Context(), id); err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	// An active run dies before the session does.
	if runID := s.runs.ActiveRunID(id); runID != "" {
		s.runs.CancelRun(id, runID)
	}
	if err := s.storage.SoftDelete(r.Context(), id); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.events.Drop(id)
	if err := s.cps.Delete(id); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
