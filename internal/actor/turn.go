package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/internal/tracing"
	"github.com/stakpak/agentd/pkg/protocol"
)

// maxStreamRetries bounds retries of a turn whose stream came back malformed.
const maxStreamRetries = 2

// errSteeringInterrupt aborts a streaming turn when steering arrives.
var errSteeringInterrupt = errors.New("turn interrupted by steering")

// runTurnChain runs LLM turns until one produces no tool calls. Tool results
// loop back as the next turn's input.
func (a *Actor) runTurnChain(ctx context.Context) error {
	for chain := 0; chain < a.cfg.MaxTurns; chain++ {
		a.maybeCompact(ctx)

		proposals, err := a.runTurn(ctx)
		if errors.Is(err, errSteeringInterrupt) {
			// Steering appended a system message; restart the turn.
			continue
		}
		if err != nil {
			return err
		}
		if len(proposals) == 0 {
			return nil
		}

		interrupted, err := a.dispatchTools(ctx, proposals)
		if err != nil {
			return err
		}
		if interrupted {
			return nil
		}
	}
	return fmt.Errorf("turn chain exceeded %d turns", a.cfg.MaxTurns)
}

// runTurn streams one LLM call, publishing deltas and accumulating the
// assistant message. Returns the proposed tool calls, if any.
func (a *Actor) runTurn(ctx context.Context) (calls []protocol.ProposedToolCall, err error) {
	a.turn++
	ctx, span := tracing.Tracer().Start(ctx, "llm.turn")
	span.SetAttributes(
		attribute.String("session.id", a.cfg.SessionID),
		attribute.String("run.id", a.cfg.RunID),
		attribute.Int("turn", a.turn),
		attribute.String("model", a.ActiveModel()),
	)
	defer func() {
		if err != nil && !errors.Is(err, errSteeringInterrupt) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	a.publish(protocol.AgentEvent{Type: protocol.EventTurnStarted, Payload: protocol.TurnPayload{Turn: a.turn}})

	var proposals []protocol.ProposedToolCall
	var text string

	for attempt := 0; ; attempt++ {
		text, proposals, err = a.streamOnce(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, errSteeringInterrupt) || ctx.Err() != nil {
			return nil, err
		}
		if llm.IsInvalidStream(err) && attempt < maxStreamRetries {
			a.publish(protocol.AgentEvent{
				Type:    protocol.EventRetryAttempt,
				Payload: protocol.RetryAttemptPayload{Attempt: attempt + 1, Error: err.Error()},
			})
			continue
		}
		return nil, err
	}

	if text != "" {
		a.publish(protocol.AgentEvent{
			Type:    protocol.EventTextComplete,
			Payload: protocol.TextCompletePayload{Text: text},
		})
	}

	// The assistant message carries the text and any tool calls.
	msg := llm.Message{Role: "assistant", Content: text}
	for _, p := range proposals {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: p.ID, Name: p.Name, Arguments: p.Arguments})
	}
	a.messages = append(a.messages, msg)

	if len(proposals) > 0 {
		a.publish(protocol.AgentEvent{
			Type:    protocol.EventToolCallsProposed,
			Payload: protocol.ToolCallsProposedPayload{Calls: proposals},
		})
	}
	a.publish(protocol.AgentEvent{Type: protocol.EventTurnCompleted, Payload: protocol.TurnPayload{Turn: a.turn}})
	a.saveCheckpoint()

	return proposals, nil
}

// streamOnce performs a single streaming LLM call. Steering commands arriving
// mid-stream interrupt it; other commands are deferred to the main loop.
func (a *Actor) streamOnce(ctx context.Context) (string, []protocol.ProposedToolCall, error) {
	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	events, err := a.cfg.Client.Stream(turnCtx, llm.Request{
		Model:    a.ActiveModel(),
		Messages: a.messages,
		Tools:    a.cfg.Tools.Definitions(),
	})
	if err != nil {
		if isConnectionTrouble(err) {
			return "", nil, fmt.Errorf("%w: %v", llm.ErrInvalidResponseStream, err)
		}
		return "", nil, err
	}

	acc := llm.NewAccumulator()
	var text strings.Builder

	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()

		case cmd := <-a.mailbox:
			if steer, ok := cmd.(Steering); ok {
				a.messages = append(a.messages, llm.Message{Role: "system", Content: steer.Text})
				cancelTurn()
				// Drain the aborted stream before restarting.
				for range events {
				}
				return "", nil, errSteeringInterrupt
			}
			a.deferred = append(a.deferred, cmd)

		case ev, ok := <-events:
			if !ok {
				// Channel closed without Done: treat as a malformed stream.
				return "", nil, fmt.Errorf("%w: stream closed early", llm.ErrInvalidResponseStream)
			}
			switch ev.Type {
			case llm.EventTextDelta:
				text.WriteString(ev.Text)
				a.publish(protocol.AgentEvent{
					Type:    protocol.EventTextDelta,
					Payload: protocol.DeltaPayload{Delta: ev.Text},
				})
			case llm.EventThinkingDelta:
				a.publish(protocol.AgentEvent{
					Type:    protocol.EventThinkingDelta,
					Payload: protocol.DeltaPayload{Delta: ev.Text},
				})
			case llm.EventToolCallStart, llm.EventToolCallDelta, llm.EventToolCallEnd:
				acc.Feed(ev)
			case llm.EventUsage:
				if ev.Usage != nil {
					a.usage.Add(*ev.Usage)
					a.lastPrompt = ev.Usage.PromptTokens
				}
			case llm.EventError:
				return "", nil, ev.Err
			case llm.EventDone:
				return text.String(), acc.Proposals(), nil
			}
		}
	}
}

func isConnectionTrouble(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "EOF")
}
