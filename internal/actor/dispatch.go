package actor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/internal/tracing"
	"github.com/stakpak/agentd/pkg/protocol"
)

// dispatchTools executes the turn's proposals in emission order, gating each
// through the approval policy. Returns interrupted=true when the run was
// cancelled mid-dispatch; the cancelled call's result is already appended.
func (a *Actor) dispatchTools(ctx context.Context, proposals []protocol.ProposedToolCall) (bool, error) {
	a.setPending(proposals)
	defer a.setPending(nil)

	for i, call := range proposals {
		a.setPending(proposals[i:])

		outcome := a.cfg.Approval.Decide(call.Name)

		var custom *string
		if outcome == OutcomeAsk {
			decision, ok := a.awaitDecision(ctx, call.ID)
			if !ok {
				a.publish(protocol.AgentEvent{
					Type:    protocol.EventToolExecutionCompleted,
					Payload: protocol.ToolExecutionPayload{ToolCallID: call.ID, Status: protocol.ToolStatusCancelled},
				})
				a.appendToolResult(call, protocol.ToolInterruptedText, protocol.ToolStatusCancelled)
				return true, nil
			}
			switch decision.Action {
			case protocol.DecisionAccept:
				outcome = OutcomeApprove
			case protocol.DecisionCustomResult:
				outcome = OutcomeApprove
				content := decision.Content
				custom = &content
			default:
				outcome = OutcomeReject
			}
		}

		if outcome == OutcomeReject {
			a.publish(protocol.AgentEvent{
				Type:    protocol.EventToolRejected,
				Payload: protocol.ToolExecutionPayload{ToolCallID: call.ID},
			})
			a.appendToolResult(call, protocol.ToolRejectedText, protocol.ToolStatusCancelled)
			continue
		}

		if custom != nil {
			// The caller supplied the result; the tool itself never runs.
			a.publish(protocol.AgentEvent{
				Type:    protocol.EventToolExecutionCompleted,
				Payload: protocol.ToolExecutionPayload{ToolCallID: call.ID, Status: protocol.ToolStatusSuccess},
			})
			a.appendToolResult(call, *custom, protocol.ToolStatusSuccess)
			continue
		}

		a.publish(protocol.AgentEvent{
			Type:    protocol.EventToolExecutionStarted,
			Payload: protocol.ToolExecutionPayload{ToolCallID: call.ID},
		})

		toolCtx, span := tracing.Tracer().Start(ctx, "tool."+call.Name)
		span.SetAttributes(
			attribute.String("session.id", a.cfg.SessionID),
			attribute.String("tool.call_id", call.ID),
		)
		result := a.cfg.Tools.Execute(toolCtx, call.Name, call.Arguments, func(message string) {
			a.publish(protocol.AgentEvent{
				Type:    protocol.EventToolExecutionProgress,
				Payload: protocol.ToolExecutionPayload{ToolCallID: call.ID, Message: message},
			})
		})
		span.End()

		if ctx.Err() != nil {
			a.publish(protocol.AgentEvent{
				Type:    protocol.EventToolExecutionCompleted,
				Payload: protocol.ToolExecutionPayload{ToolCallID: call.ID, Status: protocol.ToolStatusCancelled},
			})
			a.appendToolResult(call, protocol.ToolInterruptedText, protocol.ToolStatusCancelled)
			return true, nil
		}

		status := protocol.ToolStatusSuccess
		if result.IsError {
			status = protocol.ToolStatusError
		}
		a.publish(protocol.AgentEvent{
			Type:    protocol.EventToolExecutionCompleted,
			Payload: protocol.ToolExecutionPayload{ToolCallID: call.ID, Status: status},
		})
		a.appendToolResult(call, result.ForLLM, status)
	}
	return false, nil
}

// appendToolResult records the result as a tool-role message and checkpoints.
func (a *Actor) appendToolResult(call protocol.ProposedToolCall, text, status string) {
	a.messages = append(a.messages, llm.Message{
		Role:       "tool",
		Content:    text,
		ToolCallID: call.ID,
		Status:     status,
	})
	a.saveCheckpoint()
}

// awaitDecision suspends the actor until a ResolveTool(s) command covers the
// call id. Steering is applied immediately; other commands are deferred.
// Returns ok=false on cancellation.
func (a *Actor) awaitDecision(ctx context.Context, callID string) (Decision, bool) {
	a.publish(protocol.AgentEvent{
		Type:    protocol.EventWaitingForToolApproval,
		Payload: protocol.ToolExecutionPayload{ToolCallID: callID},
	})

	// Decisions deferred while waiting on an earlier call may already cover
	// this one.
	for i, cmd := range a.deferred {
		switch c := cmd.(type) {
		case ResolveTool:
			if c.ID == callID {
				a.deferred = append(a.deferred[:i], a.deferred[i+1:]...)
				return c.Decision, true
			}
		case ResolveTools:
			if d, ok := c.Decisions[callID]; ok {
				delete(c.Decisions, callID)
				if len(c.Decisions) == 0 {
					a.deferred = append(a.deferred[:i], a.deferred[i+1:]...)
				}
				return d, true
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return Decision{}, false
		case cmd := <-a.mailbox:
			switch c := cmd.(type) {
			case ResolveTool:
				if c.ID == callID {
					return c.Decision, true
				}
				a.deferred = append(a.deferred, cmd)
			case ResolveTools:
				if d, ok := c.Decisions[callID]; ok {
					// Remaining decisions stay queued for later calls.
					rest := make(map[string]Decision, len(c.Decisions)-1)
					for id, dec := range c.Decisions {
						if id != callID {
							rest[id] = dec
						}
					}
					if len(rest) > 0 {
						a.deferred = append(a.deferred, ResolveTools{Decisions: rest})
					}
					return d, true
				}
				a.deferred = append(a.deferred, cmd)
			case Steering:
				a.messages = append(a.messages, llm.Message{Role: "system", Content: c.Text})
			default:
				a.deferred = append(a.deferred, cmd)
			}
		}
	}
}
