package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stakpak/agentd/internal/checkpoint"
	"github.com/stakpak/agentd/internal/eventlog"
	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/internal/tools"
	"github.com/stakpak/agentd/pkg/protocol"
)

// scriptedClient replays canned event sequences, one per Stream call.
type scriptedClient struct {
	mu      sync.Mutex
	scripts [][]llm.StreamEvent
	calls   int
	// requests records every request for assertions.
	requests []llm.Request
}

func (c *scriptedClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	idx := c.calls
	c.calls++
	c.mu.Unlock()

	if idx >= len(c.scripts) {
		return nil, fmt.Errorf("unexpected LLM call %d", idx)
	}
	ch := make(chan llm.StreamEvent, len(c.scripts[idx])+1)
	for _, ev := range c.scripts[idx] {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func textScript(text string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.EventTextDelta, Text: text},
		{Type: llm.EventUsage, Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		{Type: llm.EventDone},
	}
}

func toolScript(id, name, args string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.EventToolCallStart, ToolCallID: id, ToolCallName: name},
		{Type: llm.EventToolCallDelta, ToolCallID: id, ArgsDelta: args},
		{Type: llm.EventToolCallEnd, ToolCallID: id, ToolCallName: name},
		{Type: llm.EventDone},
	}
}

// echoTool records invocations and echoes its arguments.
type echoTool struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (t *echoTool) Name() string                { return "echo" }
func (t *echoTool) Description() string         { return "echo arguments back" }
func (t *echoTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *tools.Result {
	t.mu.Lock()
	t.calls = append(t.calls, string(args))
	t.mu.Unlock()
	progress("echoing")
	if t.fail {
		return &tools.Result{ForLLM: "echo failed", IsError: true}
	}
	return &tools.Result{ForLLM: "echo: " + string(args)}
}

type fixture struct {
	actor  *Actor
	events *eventlog.Log
	cps    *checkpoint.Store
	tool   *echoTool
	done   chan error
}

func newFixture(t *testing.T, client llm.Client, mutate func(*Config)) *fixture {
	t.Helper()
	log := eventlog.New(1024)
	cps := checkpoint.NewStore(t.TempDir())
	reg := tools.NewRegistry()
	tool := &echoTool{}
	reg.Register(tool)

	done := make(chan error, 1)
	cfg := Config{
		SessionID:   "sess",
		RunID:       "run",
		Model:       "openai/test-model",
		Client:      client,
		Tools:       reg,
		Events:      log,
		Checkpoints: cps,
		Approval:    ApprovalPolicy{Mode: ApprovalNone},
		Finish:      func(err error) { done <- err },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{actor: New(cfg), events: log, cps: cps, tool: tool, done: done}
}

func (f *fixture) run(t *testing.T, ctx context.Context, cmds ...any) error {
	t.Helper()
	for _, cmd := range cmds {
		f.actor.Mailbox() <- cmd
	}
	go f.actor.Run(ctx)
	select {
	case err := <-f.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("actor did not finish")
		return nil
	}
}

func (f *fixture) eventTypes() []string {
	sub := f.events.Subscribe("sess", 0)
	defer sub.Close()
	var types []string
	for _, env := range sub.Replay {
		types = append(types, env.Event.Type)
	}
	return types
}

func contains(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestPlainTextRun(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{textScript("hello there")}}
	f := newFixture(t, client, nil)

	err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	types := f.eventTypes()
	want := []string{
		protocol.EventRunStarted,
		protocol.EventTurnStarted,
		protocol.EventTextDelta,
		protocol.EventTextComplete,
		protocol.EventTurnCompleted,
		protocol.EventUsageReport,
		protocol.EventRunCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}

	env, err := f.cps.LoadLatest("sess")
	if err != nil || env == nil {
		t.Fatalf("checkpoint: %v %v", env, err)
	}
	if env.Metadata[checkpoint.MetadataActiveModel] != "openai/test-model" {
		t.Errorf("active_model = %v", env.Metadata[checkpoint.MetadataActiveModel])
	}
	last := env.Messages[len(env.Messages)-1]
	if last.Role != "assistant" || last.Content != "hello there" {
		t.Errorf("last message = %+v", last)
	}
}

func TestToolFlowAutoApprove(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{
		toolScript("tc1", "echo", `{"x":1}`),
		textScript("done"),
	}}
	f := newFixture(t, client, nil)

	if err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "go"}}); err != nil {
		t.Fatalf("run error: %v", err)
	}

	if len(f.tool.calls) != 1 || f.tool.calls[0] != `{"x":1}` {
		t.Errorf("tool calls = %v", f.tool.calls)
	}

	types := f.eventTypes()
	for _, want := range []string{
		protocol.EventToolCallsProposed,
		protocol.EventToolExecutionStarted,
		protocol.EventToolExecutionProgress,
		protocol.EventToolExecutionCompleted,
	} {
		if !contains(types, want) {
			t.Errorf("missing event %s in %v", want, types)
		}
	}

	env, _ := f.cps.LoadLatest("sess")
	var toolMsg *llm.Message
	for i := range env.Messages {
		if env.Messages[i].Role == "tool" {
			toolMsg = &env.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool message in checkpoint")
	}
	if toolMsg.ToolCallID != "tc1" || toolMsg.Status != protocol.ToolStatusSuccess {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestAskThenReject(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{
		toolScript("tc1", "echo", `{}`),
		textScript("understood"),
	}}
	f := newFixture(t, client, func(cfg *Config) {
		cfg.Approval = ApprovalPolicy{Mode: ApprovalCustom, Default: OutcomeAsk}
	})

	go func() {
		// Wait for the approval gate, then reject.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if len(f.actor.Pending()) > 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		f.actor.Mailbox() <- ResolveTool{ID: "tc1", Decision: Decision{Action: protocol.DecisionReject}}
	}()

	if err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "go"}}); err != nil {
		t.Fatalf("run error: %v", err)
	}

	if len(f.tool.calls) != 0 {
		t.Errorf("rejected tool ran anyway: %v", f.tool.calls)
	}
	types := f.eventTypes()
	if !contains(types, protocol.EventWaitingForToolApproval) || !contains(types, protocol.EventToolRejected) {
		t.Errorf("events = %v", types)
	}

	env, _ := f.cps.LoadLatest("sess")
	found := false
	for _, m := range env.Messages {
		if m.Role == "tool" && m.Content == protocol.ToolRejectedText {
			found = true
		}
	}
	if !found {
		t.Error("TOOL_CALL_REJECTED not in checkpoint")
	}
}

func TestAskThenAccept(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{
		toolScript("tc1", "echo", `{"y":2}`),
		textScript("finished"),
	}}
	f := newFixture(t, client, func(cfg *Config) {
		cfg.Approval = ApprovalPolicy{Mode: ApprovalCustom, Rules: map[string]RuleOutcome{"echo": OutcomeAsk}}
	})

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && len(f.actor.Pending()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		f.actor.Mailbox() <- ResolveTool{ID: "tc1", Decision: Decision{Action: protocol.DecisionAccept}}
	}()

	if err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "go"}}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(f.tool.calls) != 1 {
		t.Errorf("tool calls = %v", f.tool.calls)
	}
}

func TestCustomResult(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{
		toolScript("tc1", "echo", `{}`),
		textScript("ok"),
	}}
	f := newFixture(t, client, func(cfg *Config) {
		cfg.Approval = ApprovalPolicy{Mode: ApprovalCustom, Default: OutcomeAsk}
	})

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) && len(f.actor.Pending()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		f.actor.Mailbox() <- ResolveTool{ID: "tc1", Decision: Decision{
			Action: protocol.DecisionCustomResult, Content: "operator says 42",
		}}
	}()

	if err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "go"}}); err != nil {
		t.Fatalf("run error: %v", err)
	}

	if len(f.tool.calls) != 0 {
		t.Error("tool ran despite custom result")
	}
	env, _ := f.cps.LoadLatest("sess")
	found := false
	for _, m := range env.Messages {
		if m.Role == "tool" && m.Content == "operator says 42" {
			found = true
		}
	}
	if !found {
		t.Error("custom result not in history")
	}
}

func TestRuleBasedAutoApprove(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{
		toolScript("tc1", "echo", `{}`),
		textScript("ok"),
	}}
	f := newFixture(t, client, func(cfg *Config) {
		cfg.Approval = ApprovalPolicy{
			Mode:    ApprovalCustom,
			Rules:   map[string]RuleOutcome{"echo": OutcomeApprove},
			Default: OutcomeAsk,
		}
	})
	if err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "go"}}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if len(f.tool.calls) != 1 {
		t.Errorf("approved tool did not run")
	}
	if contains(f.eventTypes(), protocol.EventWaitingForToolApproval) {
		t.Error("approval gate raised for an approve-rule tool")
	}
}

// invalidThenGoodClient fails with a malformed stream N times, then succeeds.
type invalidThenGoodClient struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (c *invalidThenGoodClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.mu.Unlock()

	ch := make(chan llm.StreamEvent, 4)
	if idx < c.failures {
		ch <- llm.StreamEvent{Type: llm.EventError, Err: fmt.Errorf("%w: truncated", llm.ErrInvalidResponseStream)}
	} else {
		ch <- llm.StreamEvent{Type: llm.EventTextDelta, Text: "recovered"}
		ch <- llm.StreamEvent{Type: llm.EventDone}
	}
	close(ch)
	return ch, nil
}

func TestRetryOnInvalidStream(t *testing.T) {
	client := &invalidThenGoodClient{failures: 2}
	f := newFixture(t, client, nil)

	if err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	types := f.eventTypes()
	retries := 0
	for _, tp := range types {
		if tp == protocol.EventRetryAttempt {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("retry events = %d, want 2", retries)
	}
	if !contains(types, protocol.EventRunCompleted) {
		t.Error("run did not complete after retries")
	}
}

func TestRetriesExhaustedPublishRunError(t *testing.T) {
	client := &invalidThenGoodClient{failures: 10}
	f := newFixture(t, client, nil)

	err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected run error")
	}
	types := f.eventTypes()
	if !contains(types, protocol.EventRunError) {
		t.Errorf("missing run_error in %v", types)
	}
	// run_completed still closes the stream for consumers.
	if !contains(types, protocol.EventRunCompleted) {
		t.Errorf("missing run_completed in %v", types)
	}
}

func TestSwitchModelRecordedInCheckpoint(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{textScript("ok")}}
	f := newFixture(t, client, nil)

	err := f.run(t, context.Background(),
		SwitchModel{Model: "anthropic/other-model"},
		UserMessage{Message: llm.Message{Role: "user", Content: "hi"}},
	)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	if got := client.requests[0].Model; got != "anthropic/other-model" {
		t.Errorf("request model = %q", got)
	}
	env, _ := f.cps.LoadLatest("sess")
	if env.Metadata[checkpoint.MetadataActiveModel] != "anthropic/other-model" {
		t.Errorf("active_model = %v", env.Metadata[checkpoint.MetadataActiveModel])
	}
}

// blockingTool blocks until its context is cancelled.
type blockingTool struct{ started chan struct{} }

func (t *blockingTool) Name() string               { return "echo" }
func (t *blockingTool) Description() string        { return "blocks" }
func (t *blockingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *blockingTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *tools.Result {
	close(t.started)
	<-ctx.Done()
	return &tools.Result{ForLLM: "never mind"}
}

func TestCancellationMidTool(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{toolScript("tc1", "echo", `{}`)}}
	f := newFixture(t, client, nil)
	blocker := &blockingTool{started: make(chan struct{})}
	f.actor.cfg.Tools.Register(blocker) // replaces echo

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-blocker.started
		cancel()
	}()

	if err := f.run(t, ctx, UserMessage{Message: llm.Message{Role: "user", Content: "go"}}); err != nil {
		t.Fatalf("cancellation surfaced as error: %v", err)
	}

	types := f.eventTypes()
	if contains(types, protocol.EventRunError) {
		t.Error("cancellation published run_error")
	}
	if !contains(types, protocol.EventRunCompleted) {
		t.Error("missing run_completed after cancel")
	}

	env, _ := f.cps.LoadLatest("sess")
	found := false
	for _, m := range env.Messages {
		if m.Role == "tool" && m.Content == protocol.ToolInterruptedText && m.Status == protocol.ToolStatusCancelled {
			found = true
		}
	}
	if !found {
		t.Error("interrupted tool result missing from checkpoint")
	}

	// No tool may start after cancellation resolved.
	idxCancelled := -1
	for i, tp := range types {
		if tp == protocol.EventToolExecutionCompleted {
			idxCancelled = i
		}
	}
	for i, tp := range types {
		if tp == protocol.EventToolExecutionStarted && i > idxCancelled {
			t.Error("tool started after cancellation")
		}
	}
}

func TestFollowUpRunsAnotherChain(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{
		textScript("first"),
		textScript("second"),
	}}
	f := newFixture(t, client, nil)

	err := f.run(t, context.Background(),
		UserMessage{Message: llm.Message{Role: "user", Content: "one"}},
		FollowUp{Text: "two"},
	)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("LLM calls = %d, want 2", client.calls)
	}
	env, _ := f.cps.LoadLatest("sess")
	var contents []string
	for _, m := range env.Messages {
		contents = append(contents, m.Role+":"+m.Content)
	}
	if len(env.Messages) != 4 {
		t.Errorf("messages = %v", contents)
	}
}

func TestMailboxOverflowReturnsError(t *testing.T) {
	// Not an actor behavior but the seam the run manager relies on: the
	// mailbox is bounded, sends past capacity would block, and SendCommand
	// uses a non-blocking send. Covered in runmgr tests; here we just pin
	// the default capacity.
	a := New(Config{})
	if cap(a.Mailbox()) != 64 {
		t.Errorf("default mailbox capacity = %d, want 64", cap(a.Mailbox()))
	}
}

func TestRunErrorOnProviderFailure(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{{
		{Type: llm.EventError, Err: errors.New("rate limited")},
	}}}
	f := newFixture(t, client, nil)

	err := f.run(t, context.Background(), UserMessage{Message: llm.Message{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !contains(f.eventTypes(), protocol.EventRunError) {
		t.Error("run_error not published")
	}
}
