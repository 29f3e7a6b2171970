// Package interactive pairs a terminal event source with the session actor
// through the run manager. The TUI's rendering is elsewhere; this is the
// contract it drives and consumes.
package interactive

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/stakpak/agentd/internal/actor"
	"github.com/stakpak/agentd/internal/eventlog"
	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/internal/runmgr"
	"github.com/stakpak/agentd/pkg/protocol"
)

// TerminalEvent is one input event from the terminal layer.
type TerminalEvent struct {
	Kind TerminalEventKind

	Text string // Submit, Steer

	ToolCallID string // Decide
	Action     string // Decide: accept / reject / custom_result
	Content    string // Decide: custom result text

	Model string // SwitchModel
}

type TerminalEventKind int

const (
	EventSubmit TerminalEventKind = iota
	EventSteer
	EventDecide
	EventCancel
	EventSwitchModel
	EventQuit
)

// RunStarter starts a run for a session. The HTTP server satisfies this.
type RunStarter interface {
	StartRun(sessionID, model string) (string, error)
}

// Driver forwards terminal events into the core and mirrors the agent stream
// back to the display.
type Driver struct {
	SessionID string
	Model     string
	Starter   RunStarter
	Runs      *runmgr.Manager
	Events    *eventlog.Log

	// OnDisplay receives every agent event envelope for rendering.
	OnDisplay func(protocol.EventEnvelope)

	mu     sync.Mutex
	buffer strings.Builder // local copy of the streaming assistant text
}

// StreamingText returns the accumulated assistant text for the current turn.
func (d *Driver) StreamingText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffer.String()
}

// Run consumes terminal events until Quit or ctx cancellation.
func (d *Driver) Run(ctx context.Context, input <-chan TerminalEvent) error {
	sub := d.Events.Subscribe(d.SessionID, d.Events.LastID(d.SessionID))
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			d.cancelActive()
			return ctx.Err()

		case env, ok := <-sub.Live:
			if !ok {
				// Dropped as lagged; resume from the last seen id.
				sub = d.Events.Subscribe(d.SessionID, d.Events.LastID(d.SessionID))
				continue
			}
			d.observe(env)

		case ev, ok := <-input:
			if !ok {
				d.cancelActive()
				return nil
			}
			if ev.Kind == EventQuit {
				d.cancelActive()
				return nil
			}
			if err := d.handle(ev); err != nil {
				slog.Warn("interactive command failed", "session", d.SessionID, "error", err)
			}
		}
	}
}

func (d *Driver) observe(env protocol.EventEnvelope) {
	switch env.Event.Type {
	case protocol.EventTurnStarted:
		d.mu.Lock()
		d.buffer.Reset()
		d.mu.Unlock()
	case protocol.EventTextDelta:
		if payload, ok := env.Event.Payload.(protocol.DeltaPayload); ok {
			d.mu.Lock()
			d.buffer.WriteString(payload.Delta)
			d.mu.Unlock()
		}
	}
	if d.OnDisplay != nil {
		d.OnDisplay(env)
	}
}

func (d *Driver) handle(ev TerminalEvent) error {
	switch ev.Kind {
	case EventSubmit:
		return d.submit(ev.Text)

	case EventSteer:
		runID := d.Runs.ActiveRunID(d.SessionID)
		if runID == "" {
			return d.submit(ev.Text)
		}
		return d.Runs.SendCommand(d.SessionID, runID, actor.Steering{Text: ev.Text})

	case EventDecide:
		runID := d.Runs.ActiveRunID(d.SessionID)
		return d.Runs.SendCommand(d.SessionID, runID, actor.ResolveTool{
			ID:       ev.ToolCallID,
			Decision: actor.Decision{Action: ev.Action, Content: ev.Content},
		})

	case EventCancel:
		d.cancelActive()
		return nil

	case EventSwitchModel:
		d.mu.Lock()
		d.Model = ev.Model
		d.mu.Unlock()
		if runID := d.Runs.ActiveRunID(d.SessionID); runID != "" {
			return d.Runs.SendCommand(d.SessionID, runID, actor.SwitchModel{Model: ev.Model})
		}
		return nil
	}
	return nil
}

// submit routes text to the active run as a follow-up, or starts a new run.
func (d *Driver) submit(text string) error {
	if runID := d.Runs.ActiveRunID(d.SessionID); runID != "" {
		return d.Runs.SendCommand(d.SessionID, runID, actor.FollowUp{Text: text})
	}

	d.mu.Lock()
	model := d.Model
	d.mu.Unlock()

	runID, err := d.Starter.StartRun(d.SessionID, model)
	if err != nil {
		return err
	}
	return d.Runs.SendCommand(d.SessionID, runID, actor.UserMessage{
		Message: llm.Message{Role: "user", Content: text},
	})
}

func (d *Driver) cancelActive() {
	if runID := d.Runs.ActiveRunID(d.SessionID); runID != "" {
		if err := d.Runs.CancelRun(d.SessionID, runID); err != nil {
			slog.Debug("cancel failed", "session", d.SessionID, "error", err)
		}
	}
}
