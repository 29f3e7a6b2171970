package actor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/pkg/protocol"
)

// maybeCompact summarizes the head of the conversation when the last turn's
// token usage crossed the configured threshold.
func (a *Actor) maybeCompact(ctx context.Context) {
	cfg := a.cfg.Compaction
	if cfg.TriggerTokens <= 0 || a.lastPrompt < cfg.TriggerTokens {
		return
	}
	keep := cfg.KeepRecent
	if keep <= 0 {
		keep = 10
	}
	if len(a.messages) <= keep+2 {
		return
	}

	a.publish(protocol.AgentEvent{Type: protocol.EventCompactionStarted})

	head := a.messages[:len(a.messages)-keep]
	tail := a.messages[len(a.messages)-keep:]

	summary, err := a.summarize(ctx, head)
	if err != nil {
		slog.Warn("compaction failed", "session", a.cfg.SessionID, "error", err)
		a.publish(protocol.AgentEvent{Type: protocol.EventCompactionCompleted})
		return
	}

	compacted := make([]llm.Message, 0, keep+1)
	compacted = append(compacted, llm.Message{
		Role:    "system",
		Content: "[Conversation summary]\n" + summary,
	})
	compacted = append(compacted, tail...)
	a.messages = compacted

	// The next trigger measures the compacted context.
	a.lastPrompt = 0

	a.publish(protocol.AgentEvent{Type: protocol.EventCompactionCompleted})
	a.saveCheckpoint()
}

func (a *Actor) summarize(ctx context.Context, head []llm.Message) (string, error) {
	prompt := a.cfg.Compaction.Prompt
	if prompt == "" {
		prompt = DefaultCompactionPrompt
	}
	model := a.cfg.Compaction.Model
	if model == "" {
		model = a.ActiveModel()
	}

	req := llm.Request{
		Model:    model,
		Messages: append(append([]llm.Message(nil), head...), llm.Message{Role: "user", Content: prompt}),
	}
	events, err := a.cfg.Client.Stream(ctx, req)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
		case llm.EventUsage:
			if ev.Usage != nil {
				a.usage.Add(*ev.Usage)
			}
		case llm.EventError:
			return "", ev.Err
		}
	}
	return text.String(), nil
}
