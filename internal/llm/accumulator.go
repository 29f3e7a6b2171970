package llm

import (
	"encoding/json"

	"github.com/stakpak/agentd/pkg/protocol"
)

// Accumulator rebuilds structured tool calls from a provider-diverse stream of
// start/delta/end events. Some providers stream argument fragments and repeat
// the full arguments on the end event; others send arguments only on end. The
// end event is authoritative for the name but its arguments are used only when
// no deltas arrived, so streamed arguments are never doubled.
type Accumulator struct {
	order []string
	calls map[string]*pendingCall
}

type pendingCall struct {
	id        string
	name      string
	args      []byte
	sawDelta  bool
	finalArgs string
}

// NewAccumulator returns an empty accumulator for one turn.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[string]*pendingCall)}
}

// Feed consumes one stream event. Non-tool events are ignored.
func (a *Accumulator) Feed(ev StreamEvent) {
	switch ev.Type {
	case EventToolCallStart:
		if _, ok := a.calls[ev.ToolCallID]; !ok {
			a.order = append(a.order, ev.ToolCallID)
			a.calls[ev.ToolCallID] = &pendingCall{id: ev.ToolCallID, name: ev.ToolCallName}
		} else if ev.ToolCallName != "" {
			a.calls[ev.ToolCallID].name = ev.ToolCallName
		}
	case EventToolCallDelta:
		c := a.call(ev.ToolCallID)
		c.args = append(c.args, ev.ArgsDelta...)
		c.sawDelta = true
	case EventToolCallEnd:
		c := a.call(ev.ToolCallID)
		if ev.ToolCallName != "" {
			c.name = ev.ToolCallName
		}
		c.finalArgs = ev.ArgsFinal
	}
}

func (a *Accumulator) call(id string) *pendingCall {
	c, ok := a.calls[id]
	if !ok {
		c = &pendingCall{id: id}
		a.order = append(a.order, id)
		a.calls[id] = c
	}
	return c
}

// Empty reports whether no tool calls were seen this turn.
func (a *Accumulator) Empty() bool { return len(a.order) == 0 }

// Proposals returns the accumulated calls in emission order. Arguments are
// parsed as JSON when valid; otherwise the raw string is wrapped as a JSON
// string so downstream consumers always get valid JSON.
func (a *Accumulator) Proposals() []protocol.ProposedToolCall {
	out := make([]protocol.ProposedToolCall, 0, len(a.order))
	for _, id := range a.order {
		c := a.calls[id]

		raw := string(c.args)
		if !c.sawDelta && c.finalArgs != "" {
			raw = c.finalArgs
		}
		if raw == "" {
			raw = "{}"
		}

		var args json.RawMessage
		if json.Valid([]byte(raw)) {
			args = json.RawMessage(raw)
		} else {
			quoted, _ := json.Marshal(raw)
			args = json.RawMessage(quoted)
		}

		out = append(out, protocol.ProposedToolCall{
			ID:        c.id,
			Name:      c.name,
			Arguments: args,
		})
	}
	return out
}
