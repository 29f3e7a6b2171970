package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/stakpak/agentd/internal/actor"
	"github.com/stakpak/agentd/internal/checkpoint"
	"github.com/stakpak/agentd/internal/config"
	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/internal/runmgr"
	"github.com/stakpak/agentd/pkg/protocol"
)

type messageBody struct {
	Message json.RawMessage `json:"message"`
	Type    string          `json:"type"`
	RunID   string          `json:"run_id"`
	Model   string          `json:"model"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.storage.Get(r.Context(), sessionID); err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	var body messageBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Type == "" {
		body.Type = protocol.MessageTypeMessage
	}

	switch body.Type {
	case protocol.MessageTypeMessage:
		s.postUserMessage(w, r, sessionID, body)
	case protocol.MessageTypeSteering, protocol.MessageTypeFollowUp:
		s.postRunMessage(w, r, sessionID, body)
	default:
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "unknown message type "+body.Type)
	}
}

func (s *Server) postUserMessage(w http.ResponseWriter, r *http.Request, sessionID string, body messageBody) {
	var msg llm.Message
	if err := json.Unmarshal(body.Message, &msg); err != nil {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid message: "+err.Error())
		return
	}
	if msg.Role != "user" {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidMessageRole, "message role must be user")
		return
	}

	cfg := s.Config()
	model := body.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	if !cfg.HasModel(model) {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidModel, "unknown model "+model)
		return
	}

	if activeID := s.runs.ActiveRunID(sessionID); activeID != "" {
		if body.RunID != "" && body.RunID != activeID {
			s.writeError(w, r, http.StatusConflict, protocol.CodeRunMismatch, "another run is active")
			return
		}
		if err := s.runs.SendCommand(sessionID, activeID, actor.UserMessage{Message: msg}); err != nil {
			s.writeCoreError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"run_id": activeID})
		return
	}

	runID, err := s.StartRun(sessionID, model)
	if err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	if err := s.runs.SendCommand(sessionID, runID, actor.UserMessage{Message: msg}); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID})
}

func (s *Server) postRunMessage(w http.ResponseWriter, r *http.Request, sessionID string, body messageBody) {
	activeID := s.runs.ActiveRunID(sessionID)
	if activeID == "" {
		s.writeError(w, r, http.StatusConflict, protocol.CodeSessionNotRunning, "no active run")
		return
	}
	if body.RunID == "" || body.RunID != activeID {
		s.writeError(w, r, http.StatusConflict, protocol.CodeRunMismatch, "run_id does not match the active run")
		return
	}

	var text string
	if len(body.Message) > 0 {
		var msg llm.Message
		if err := json.Unmarshal(body.Message, &msg); err == nil && msg.Content != "" {
			text = msg.Content
		} else {
			// Plain string form.
			_ = json.Unmarshal(body.Message, &text)
		}
	}
	if text == "" {
		s.writeError(w, r, http.StatusBadRequest, protocol.CodeInvalidRequest, "message text is required")
		return
	}

	var cmd runmgr.Command
	if body.Type == protocol.MessageTypeSteering {
		cmd = actor.Steering{Text: text}
	} else {
		cmd = actor.FollowUp{Text: text}
	}
	if err := s.runs.SendCommand(sessionID, activeID, cmd); err != nil {
		s.writeCoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run_id": activeID})
}

// StartRun loads the session's history and spawns an actor through the run
// manager. Shared by the message handler and the interactive driver.
func (s *Server) StartRun(sessionID, model string) (string, error) {
	cfg := s.Config()
	history := s.loadHistory(sessionID)

	return s.runs.StartRun(sessionID, func(runID string) (*runmgr.Handle, error) {
		runCtx, cancel := context.WithCancel(context.Background())

		a := actor.New(actor.Config{
			SessionID:   sessionID,
			RunID:       runID,
			Model:       model,
			Client:      s.client,
			Tools:       s.tools,
			Events:      s.events,
			Checkpoints: s.cps,
			SaveCanonical: func(ctx context.Context, data []byte) error {
				return s.storage.SaveCheckpoint(ctx, sessionID, data)
			},
			Approval:   approvalPolicy(cfg),
			Compaction: actor.CompactionConfig(cfg.Compaction),
			History:    history,
			Finish: func(runErr error) {
				s.mu.Lock()
				delete(s.actors, sessionID)
				s.mu.Unlock()
				s.runs.MarkRunFinished(sessionID, runID, runErr)
				cancel()

				ctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer tcancel()
				if err := s.storage.Touch(ctx, sessionID, time.Now().UTC()); err != nil {
					slog.Debug("session touch failed", "session", sessionID, "error", err)
				}
			},
		})

		s.mu.Lock()
		s.actors[sessionID] = a
		s.mu.Unlock()

		go a.Run(runCtx)

		return &runmgr.Handle{Commands: a.Mailbox(), Cancel: cancel}, nil
	})
}

// loadHistory prefers the checkpoint file; the session store's canonical
// checkpoint is the fallback when the file is missing or unreadable.
func (s *Server) loadHistory(sessionID string) []llm.Message {
	env, err := s.cps.LoadLatest(sessionID)
	if err == nil && env != nil {
		return env.Messages
	}
	if err != nil {
		slog.Warn("checkpoint file unreadable, falling back to store", "session", sessionID, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, serr := s.storage.LoadCheckpoint(ctx, sessionID)
	if serr != nil {
		return nil
	}
	var fallback checkpoint.Envelope
	if json.Unmarshal(data, &fallback) != nil {
		return nil
	}
	return fallback.Messages
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.storage.Get(r.Context(), sessionID); err != nil {
		s.writeCoreError(w, r, err)
		return
	}

	env, err := s.cps.LoadLatest(sessionID)
	if err != nil {
		// Corrupt file: fall back to the canonical checkpoint before
		// surfacing a read failure.
		data, serr := s.storage.LoadCheckpoint(r.Context(), sessionID)
		if serr != nil {
			s.writeError(w, r, http.StatusInternalServerError, protocol.CodeCheckpointReadFailed, err.Error())
			return
		}
		var fallback checkpoint.Envelope
		if json.Unmarshal(data, &fallback) != nil {
			s.writeError(w, r, http.StatusInternalServerError, protocol.CodeCheckpointReadFailed, err.Error())
			return
		}
		env = &fallback
	}

	var messages []llm.Message
	if env != nil {
		messages = env.Messages
	}
	total := len(messages)

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages[offset:end],
		"total":    total,
	})
}

// approvalPolicy translates the config's approval section.
func approvalPolicy(cfg *config.Config) actor.ApprovalPolicy {
	switch cfg.Approval.Mode {
	case "all":
		return actor.ApprovalPolicy{Mode: actor.ApprovalAll}
	case "custom":
		rules := make(map[string]actor.RuleOutcome, len(cfg.Approval.Rules))
		for name, outcome := range cfg.Approval.Rules {
			rules[name] = actor.RuleOutcome(outcome)
		}
		return actor.ApprovalPolicy{
			Mode:    actor.ApprovalCustom,
			Rules:   rules,
			Default: actor.RuleOutcome(cfg.Approval.Default),
		}
	default:
		return actor.ApprovalPolicy{Mode: actor.ApprovalNone}
	}
}
