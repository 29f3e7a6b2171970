package interactive

import (
	"context"
	"testing"
	"time"

	"github.com/stakpak/agentd/internal/actor"
	"github.com/stakpak/agentd/internal/eventlog"
	"github.com/stakpak/agentd/internal/runmgr"
	"github.com/stakpak/agentd/pkg/protocol"
)

// fakeStarter registers a handle with the run manager like the server would.
type fakeStarter struct {
	runs    *runmgr.Manager
	mailbox chan runmgr.Command
	started int
	model   string
}

func (f *fakeStarter) StartRun(sessionID, model string) (string, error) {
	f.started++
	f.model = model
	return f.runs.StartRun(sessionID, func(runID string) (*runmgr.Handle, error) {
		return &runmgr.Handle{Commands: f.mailbox, Cancel: func() {}}, nil
	})
}

func newDriver(t *testing.T) (*Driver, *fakeStarter, *eventlog.Log) {
	t.Helper()
	runs := runmgr.New(false)
	events := eventlog.New(64)
	starter := &fakeStarter{runs: runs, mailbox: make(chan runmgr.Command, 16)}
	d := &Driver{
		SessionID: "sess",
		Model:     "openai/gpt-5",
		Starter:   starter,
		Runs:      runs,
		Events:    events,
	}
	return d, starter, events
}

func runDriver(t *testing.T, d *Driver) (chan TerminalEvent, func()) {
	t.Helper()
	input := make(chan TerminalEvent)
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), input)
		close(done)
	}()
	return input, func() {
		close(input)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("driver did not stop")
		}
	}
}

func TestSubmitStartsRunAndSendsMessage(t *testing.T) {
	d, starter, _ := newDriver(t)
	input, stop := runDriver(t, d)
	defer stop()

	input <- TerminalEvent{Kind: EventSubmit, Text: "hello"}

	select {
	case cmd := <-starter.mailbox:
		um, ok := cmd.(actor.UserMessage)
		if !ok || um.Message.Content != "hello" {
			t.Errorf("command = %#v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no command delivered")
	}
	if starter.started != 1 || starter.model != "openai/gpt-5" {
		t.Errorf("starter = %+v", starter)
	}
}

func TestSubmitToActiveRunIsFollowUp(t *testing.T) {
	d, starter, _ := newDriver(t)
	input, stop := runDriver(t, d)
	defer stop()

	input <- TerminalEvent{Kind: EventSubmit, Text: "first"}
	<-starter.mailbox // UserMessage

	input <- TerminalEvent{Kind: EventSubmit, Text: "second"}
	select {
	case cmd := <-starter.mailbox:
		fu, ok := cmd.(actor.FollowUp)
		if !ok || fu.Text != "second" {
			t.Errorf("command = %#v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no follow-up delivered")
	}
	if starter.started != 1 {
		t.Errorf("started %d runs, want 1", starter.started)
	}
}

func TestDecisionForwarded(t *testing.T) {
	d, starter, _ := newDriver(t)
	input, stop := runDriver(t, d)
	defer stop()

	input <- TerminalEvent{Kind: EventSubmit, Text: "go"}
	<-starter.mailbox

	input <- TerminalEvent{Kind: EventDecide, ToolCallID: "tc1", Action: protocol.DecisionAccept}
	select {
	case cmd := <-starter.mailbox:
		rt, ok := cmd.(actor.ResolveTool)
		if !ok || rt.ID != "tc1" || rt.Decision.Action != protocol.DecisionAccept {
			t.Errorf("command = %#v", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no decision delivered")
	}
}

func TestStreamingTextAccumulates(t *testing.T) {
	d, _, events := newDriver(t)
	input, stop := runDriver(t, d)
	defer stop()
	_ = input

	events.Publish("sess", "r", protocol.AgentEvent{Type: protocol.EventTurnStarted, Payload: protocol.TurnPayload{Turn: 1}})
	events.Publish("sess", "r", protocol.AgentEvent{Type: protocol.EventTextDelta, Payload: protocol.DeltaPayload{Delta: "hel"}})
	events.Publish("sess", "r", protocol.AgentEvent{Type: protocol.EventTextDelta, Payload: protocol.DeltaPayload{Delta: "lo"}})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.StreamingText() == "hello" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("streaming text = %q, want hello", d.StreamingText())
}

func TestTurnStartResetsBuffer(t *testing.T) {
	d, _, events := newDriver(t)
	input, stop := runDriver(t, d)
	defer stop()
	_ = input

	events.Publish("sess", "r", protocol.AgentEvent{Type: protocol.EventTextDelta, Payload: protocol.DeltaPayload{Delta: "old"}})
	events.Publish("sess", "r", protocol.AgentEvent{Type: protocol.EventTurnStarted, Payload: protocol.TurnPayload{Turn: 2}})
	events.Publish("sess", "r", protocol.AgentEvent{Type: protocol.EventTextDelta, Payload: protocol.DeltaPayload{Delta: "new"}})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.StreamingText() == "new" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("streaming text = %q, want new", d.StreamingText())
}
