package httpapi

import (
	"net/http"

	"github.com/stakpak/agentd/internal/actor"
	"github.com/stakpak/agentd/pkg/protocol"
)

func (s *Server) handlePendingTools(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.storage.Get(r.Context(), sessionID); err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	s.mu.Lock()
	a := s.actors[sessionID]
	s.mu.Unlock()

	runID := s.runs.ActiveRunID(sessionID)
	var calls []protocol.ProposedToolCall
	if a != nil {
		calls = a.Pending()
	}
	if calls == nil {
		calls = []protocol.ProposedToolCall{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     runID,
		"tool_calls": calls,
	})
}

type decisionBody struct {
	RunID   string `json:"run_id"`
	Action  string `json:"action"`
	Content string `json:"content"`
}

func validAction(action string) bool {
	switch action {
	case protocol.DecisionAccept, protocol.DecisionReject, protocol.DecisionCustomResult:
		return true
	}
	return false
}

func (s *Server) handleToolDecision(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	callID := r.PathValue("tool_call_id")

	var body decisionBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if !validAction(body.Action) {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "unknown action "+body.Action)
		return
	}

	cmd := actor.ResolveTool{
		ID:       callID,
		Decision: actor.Decision{Action: body.Action, Content: body.Content},
	}
	if err := s.runs.SendCommand(sessionID, body.RunID, cmd); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

type batchDecisionBody struct {
	RunID     string `json:"run_id"`
	Decisions []struct {
		ToolCallID string `json:"tool_call_id"`
		Action     string `json:"action"`
		Content    string `json:"content"`
	} `json:"decisions"`
}

func (s *Server) handleToolDecisions(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var body batchDecisionBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(body.Decisions) == 0 {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "decisions is required")
		return
	}

	decisions := make(map[string]actor.Decision, len(body.Decisions))
	for _, d := range body.Decisions {
		if !validAction(d.Action) {
			s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "unknown action "+d.Action)
			return
		}
		decisions[d.ToolCallID] = actor.Decision{Action: d.Action, Content: d.Content}
	}

	if err := s.runs.SendCommand(sessionID, body.RunID, actor.ResolveTools{Decisions: decisions}); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var body struct {
		RunID string `json:"run_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.runs.CancelRun(sessionID, body.RunID); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleSwitchModel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var body struct {
		RunID string `json:"run_id"`
		Model string `json:"model"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if !s.Config().HasModel(body.Model) {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidModel, "unknown model "+body.Model)
		return
	}
	if err := s.runs.SendCommand(sessionID, body.RunID, actor.SwitchModel{Model: body.Model}); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"model": body.Model})
}
