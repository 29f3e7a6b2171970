package protocol

import (
	"encoding/json"
	"time"
)

// ProposedToolCall is a tool invocation emitted by the model during a turn,
// pending a decision before execution.
type ProposedToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Tool decision actions accepted on the decision endpoints.
const (
	DecisionAccept       = "accept"
	DecisionReject       = "reject"
	DecisionCustomResult = "custom_result"
)

// Tool execution statuses reported in tool_execution_completed events and
// tool-result messages.
const (
	ToolStatusSuccess   = "success"
	ToolStatusError     = "error"
	ToolStatusCancelled = "cancelled"
)

// ToolRejectedText is the tool-result body appended when a proposal is rejected.
const ToolRejectedText = "TOOL_CALL_REJECTED"

// ToolInterruptedText is the tool-result body appended when a run is cancelled
// mid-dispatch.
const ToolInterruptedText = "Interrupted by user"

// Message types accepted by POST /v1/sessions/{id}/messages.
const (
	MessageTypeMessage  = "message"
	MessageTypeSteering = "steering"
	MessageTypeFollowUp = "follow_up"
)

// Error code strings surfaced in error bodies.
const (
	CodeNotFound              = "not_found"
	CodeInvalidRequest        = "invalid_request"
	CodeInvalidMessageRole    = "invalid_message_role"
	CodeInvalidModel          = "invalid_model"
	CodeUnauthorized          = "unauthorized"
	CodeConflict              = "conflict"
	CodeSessionAlreadyRunning = "session_already_running"
	CodeSessionNotRunning     = "session_not_running"
	CodeRunMismatch           = "run_mismatch"
	CodeIdempotencyKeyReused  = "idempotency_key_reused"
	CodeRateLimited           = "rate_limited"
	CodeConnectionError       = "connection_error"
	CodeInternalError         = "internal_error"
	CodeActorStartupFailed    = "actor_startup_failed"
	CodeCheckpointReadFailed  = "checkpoint_read_failed"
	CodeTaskNotFound          = "task_not_found"
	CodeInvalidPath           = "invalid_path"
)

// Session visibility values.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// Session status values.
const (
	SessionStatusActive  = "active"
	SessionStatusDeleted = "deleted"
)

// SessionDTO is the wire shape for a session.
type SessionDTO struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Cwd        string    `json:"cwd,omitempty"`
	Visibility string    `json:"visibility"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ErrorDTO is the uniform error body for the HTTP surface.
type ErrorDTO struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}
