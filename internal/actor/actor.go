// Package actor implements the per-run agent loop: stream a turn from the
// LLM, accumulate tool calls, gate them through the approval policy, execute,
// feed results back, repeat. One actor goroutine owns its run's message
// history; everything external arrives through the command mailbox.
package actor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/stakpak/agentd/internal/checkpoint"
	"github.com/stakpak/agentd/internal/eventlog"
	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/internal/tools"
	"github.com/stakpak/agentd/pkg/protocol"
)

// Commands delivered through the mailbox.

type UserMessage struct{ Message llm.Message }

type FollowUp struct{ Text string }

type Steering struct{ Text string }

type Decision struct {
	Action  string // protocol.DecisionAccept / DecisionReject / DecisionCustomResult
	Content string // custom result text
}

type ResolveTool struct {
	ID       string
	Decision Decision
}

type ResolveTools struct{ Decisions map[string]Decision }

type SwitchModel struct{ Model string }

// Approval policy.

type RuleOutcome string

const (
	OutcomeApprove RuleOutcome = "approve"
	OutcomeReject  RuleOutcome = "reject"
	OutcomeAsk     RuleOutcome = "ask"
)

type ApprovalMode int

const (
	// ApprovalNone runs without gating: every tool call is approved.
	ApprovalNone ApprovalMode = iota
	// ApprovalAll auto-approves everything (explicit --auto-approve-all).
	ApprovalAll
	// ApprovalCustom consults per-tool rules with a default outcome.
	ApprovalCustom
)

type ApprovalPolicy struct {
	Mode    ApprovalMode
	Rules   map[string]RuleOutcome
	Default RuleOutcome
}

// Decide returns the outcome for a tool name.
func (p ApprovalPolicy) Decide(toolName string) RuleOutcome {
	if p.Mode != ApprovalCustom {
		return OutcomeApprove
	}
	if outcome, ok := p.Rules[toolName]; ok {
		return outcome
	}
	if p.Default != "" {
		return p.Default
	}
	return OutcomeAsk
}

// CompactionConfig controls context summarization. Both the trigger and the
// prompt are configuration; the source system leaves them open.
type CompactionConfig struct {
	TriggerTokens int    // 0 disables compaction
	KeepRecent    int    // messages preserved verbatim at the tail
	Model         string // empty = the run's active model
	Prompt        string // empty = DefaultCompactionPrompt
}

// DefaultCompactionPrompt summarizes the head of a long conversation.
const DefaultCompactionPrompt = "Summarize the conversation so far in a compact form that preserves decisions, open questions, file paths, and command results. Reply with the summary only."

// Config assembles an actor.
type Config struct {
	SessionID string
	RunID     string
	Model     string

	Client      llm.Client
	Tools       *tools.Registry
	Events      *eventlog.Log
	Checkpoints *checkpoint.Store
	// SaveCanonical mirrors the checkpoint into the session store; optional.
	SaveCanonical func(ctx context.Context, data []byte) error

	Approval   ApprovalPolicy
	Compaction CompactionConfig

	// History is the conversation loaded from the latest checkpoint.
	History []llm.Message

	// Finish is invoked exactly once when the run exits.
	Finish func(runErr error)

	MailboxSize int
	MaxTurns    int
}

// Actor is one run's agent loop.
type Actor struct {
	cfg     Config
	mailbox chan any

	mu      sync.Mutex
	model   string
	pending []protocol.ProposedToolCall

	messages   []llm.Message
	turn       int
	usage      llm.Usage
	lastPrompt int // prompt tokens of the most recent LLM call

	// commands seen mid-wait that must be replayed by the main loop
	deferred []any
	// ranChain flips after the first completed turn chain; from then on an
	// empty mailbox ends the run.
	ranChain bool
}

// New creates an actor ready to Run.
func New(cfg Config) *Actor {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	return &Actor{
		cfg:      cfg,
		mailbox:  make(chan any, cfg.MailboxSize),
		model:    cfg.Model,
		messages: append([]llm.Message(nil), cfg.History...),
	}
}

// Mailbox is the command channel handed to the run manager.
func (a *Actor) Mailbox() chan any { return a.mailbox }

// Pending returns the tool calls awaiting a decision.
func (a *Actor) Pending() []protocol.ProposedToolCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.ProposedToolCall(nil), a.pending...)
}

// ActiveModel returns the model for the next turn.
func (a *Actor) ActiveModel() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

func (a *Actor) setPending(calls []protocol.ProposedToolCall) {
	a.mu.Lock()
	a.pending = calls
	a.mu.Unlock()
}

func (a *Actor) publish(event protocol.AgentEvent) {
	a.cfg.Events.Publish(a.cfg.SessionID, a.cfg.RunID, event)
}

// Run drives the agent loop until the mailbox drains after a completed turn
// chain, the context is cancelled, or a fatal error occurs.
func (a *Actor) Run(ctx context.Context) {
	var runErr error
	defer func() {
		a.finalize(runErr)
	}()

	a.publish(protocol.AgentEvent{Type: protocol.EventRunStarted})

	for {
		cmd, ok := a.nextCommand(ctx)
		if !ok {
			return // cancelled or idle: finalize
		}

		switch c := cmd.(type) {
		case UserMessage:
			a.messages = append(a.messages, c.Message)
		case FollowUp:
			a.messages = append(a.messages, llm.Message{Role: "user", Content: c.Text})
		case Steering:
			a.messages = append(a.messages, llm.Message{Role: "system", Content: c.Text})
		case SwitchModel:
			a.mu.Lock()
			a.model = c.Model
			a.mu.Unlock()
			continue // no turn; the new model applies to the next one
		case ResolveTool, ResolveTools:
			// No proposals are outstanding here; stale decisions are dropped.
			slog.Debug("dropping stale tool decision", "session", a.cfg.SessionID)
			continue
		default:
			slog.Warn("unknown actor command", "session", a.cfg.SessionID, "command", cmd)
			continue
		}

		if err := a.runTurnChain(ctx); err != nil {
			if ctx.Err() != nil {
				return // cancellation is not an error
			}
			runErr = err
			return
		}
		a.ranChain = true
	}
}

// nextCommand returns the next mailbox command, replaying deferred ones
// first. It blocks for the run's initial command; once a turn chain has
// completed, an empty mailbox means the run is done and (nil, false) is
// returned.
func (a *Actor) nextCommand(ctx context.Context) (any, bool) {
	if len(a.deferred) > 0 {
		cmd := a.deferred[0]
		a.deferred = a.deferred[1:]
		return cmd, true
	}
	if !a.ranChain {
		select {
		case <-ctx.Done():
			return nil, false
		case cmd := <-a.mailbox:
			return cmd, true
		}
	}
	select {
	case <-ctx.Done():
		return nil, false
	case cmd := <-a.mailbox:
		return cmd, true
	default:
		return nil, false
	}
}

// finalize publishes the run terminal events, writes the final checkpoint,
// and reports to the run manager.
func (a *Actor) finalize(runErr error) {
	a.setPending(nil)

	if runErr != nil {
		a.publish(protocol.AgentEvent{
			Type:    protocol.EventRunError,
			Payload: protocol.ErrorPayload{Error: runErr.Error()},
		})
	}

	a.publish(protocol.AgentEvent{
		Type: protocol.EventUsageReport,
		Payload: protocol.UsageReportPayload{
			PromptTokens:     a.usage.PromptTokens,
			CompletionTokens: a.usage.CompletionTokens,
			TotalTokens:      a.usage.TotalTokens,
		},
	})
	a.publish(protocol.AgentEvent{Type: protocol.EventRunCompleted})

	a.saveCheckpoint()

	if a.cfg.Finish != nil {
		a.cfg.Finish(runErr)
	}
}

// saveCheckpoint writes the envelope to the checkpoint file and mirrors it to
// the canonical store. Failures are logged, never fatal to the run.
func (a *Actor) saveCheckpoint() {
	env := checkpoint.Envelope{
		Messages: a.messages,
		Metadata: map[string]any{checkpoint.MetadataActiveModel: a.ActiveModel()},
	}
	if err := a.cfg.Checkpoints.SaveLatest(a.cfg.SessionID, env); err != nil {
		slog.Warn("checkpoint save failed", "session", a.cfg.SessionID, "error", err)
	}
	if a.cfg.SaveCanonical != nil {
		data, err := json.Marshal(env)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.cfg.SaveCanonical(ctx, data); err != nil {
				slog.Warn("canonical checkpoint save failed", "session", a.cfg.SessionID, "error", err)
			}
		}
	}
}
