package httpapi

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"models":  cfg.Models,
		"default": cfg.DefaultModel,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"default_model": cfg.DefaultModel,
		"approval":      cfg.Approval,
		"compaction":    cfg.Compaction,
		"privacy_mode":  cfg.PrivacyMode,
		"autopilot":     s.autopilot,
	})
}

// handleOpenAPI serves a generated schema of the surface. Paths are emitted
// from the same table the router is built from, so the document cannot drift
// silently.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	paths := map[string]any{}
	for _, route := range []struct {
		method, path, summary string
	}{
		{"get", "/v1/health", "Service health"},
		{"get", "/v1/sessions", "List sessions"},
		{"post", "/v1/sessions", "Create a session"},
		{"get", "/v1/sessions/{id}", "Get a session"},
		{"patch", "/v1/sessions/{id}", "Update title or visibility"},
		{"delete", "/v1/sessions/{id}", "Delete a session"},
		{"post", "/v1/sessions/{id}/messages", "Send a message, steering, or follow-up"},
		{"get", "/v1/sessions/{id}/messages", "Checkpoint messages"},
		{"get", "/v1/sessions/{id}/events", "SSE event stream"},
		{"get", "/v1/sessions/{id}/tools/pending", "Pending tool calls"},
		{"post", "/v1/sessions/{id}/tools/{tool_call_id}/decision", "Resolve one tool call"},
		{"post", "/v1/sessions/{id}/tools/decisions", "Resolve tool calls in batch"},
		{"post", "/v1/sessions/{id}/cancel", "Cancel the active run"},
		{"post", "/v1/sessions/{id}/model", "Switch the active model"},
		{"get", "/v1/models", "Model registry"},
		{"get", "/v1/config", "Runtime configuration"},
	} {
		entry, _ := paths[route.path].(map[string]any)
		if entry == nil {
			entry = map[string]any{}
			paths[route.path] = entry
		}
		entry[route.method] = map[string]any{
			"summary": route.summary,
			"responses": map[string]any{
				"default": map[string]any{"description": "JSON response"},
			},
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "agentd",
			"version": Version,
		},
		"paths": paths,
	})
}
