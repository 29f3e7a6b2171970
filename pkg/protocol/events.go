package protocol

import (
	"time"
)

// Agent event names pushed to SSE subscribers. These double as the SSE
// `event:` field and as the `type` discriminator inside the JSON envelope.
const (
	EventRunStarted             = "run_started"
	EventTurnStarted            = "turn_started"
	EventTurnCompleted          = "turn_completed"
	EventRunCompleted           = "run_completed"
	EventRunError               = "run_error"
	EventTextDelta              = "text_delta"
	EventThinkingDelta          = "thinking_delta"
	EventTextComplete           = "text_complete"
	EventToolCallsProposed      = "tool_calls_proposed"
	EventWaitingForToolApproval = "waiting_for_tool_approval"
	EventToolExecutionStarted   = "tool_execution_started"
	EventToolExecutionProgress  = "tool_execution_progress"
	EventToolExecutionCompleted = "tool_execution_completed"
	EventToolRejected           = "tool_rejected"
	EventRetryAttempt           = "retry_attempt"
	EventCompactionStarted      = "compaction_started"
	EventCompactionCompleted    = "compaction_completed"
	EventUsageReport            = "usage_report"

	// EventGapDetected is a control event, not part of the agent stream proper.
	// It tells an SSE client that resumed past the ring's horizon to refetch
	// the checkpoint snapshot before consuming the live tail.
	EventGapDetected = "gap_detected"
)

// AgentEvent is one event in a session's ordered stream.
type AgentEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EventEnvelope stamps an AgentEvent with its per-session id and origin.
type EventEnvelope struct {
	ID        uint64     `json:"id"`
	SessionID string     `json:"session_id"`
	RunID     string     `json:"run_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Event     AgentEvent `json:"event"`
}

// Event payload shapes. Events without a dedicated struct carry no payload.

type TurnPayload struct {
	Turn int `json:"turn"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type DeltaPayload struct {
	Delta string `json:"delta"`
}

type TextCompletePayload struct {
	Text string `json:"text"`
}

type ToolCallsProposedPayload struct {
	Calls []ProposedToolCall `json:"calls"`
}

type ToolExecutionPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Message    string `json:"message,omitempty"`
	Status     string `json:"status,omitempty"`
}

type RetryAttemptPayload struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

type UsageReportPayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GapPayload is the body of an EventGapDetected control frame.
type GapPayload struct {
	RequestedAfterID  uint64 `json:"requested_after_id"`
	OldestAvailableID uint64 `json:"oldest_available_id"`
	ResumeHint        string `json:"resume_hint"`
}

// ResumeHintRefresh instructs the client to refetch the checkpoint snapshot
// and then resume the SSE stream from its new position.
const ResumeHintRefresh = "refresh_snapshot_then_resume"
