package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stakpak/agentd/internal/config"
	"github.com/stakpak/agentd/internal/interactive"
	"github.com/stakpak/agentd/internal/store"
	"github.com/stakpak/agentd/pkg/protocol"
)

// chatCmd runs an in-process interactive session: a line-oriented front end
// for the same core the server exposes.
func chatCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			cfg.NoAuth = true
			if model != "" {
				cfg.DefaultModel = model
			}

			srv, cleanup, err := buildServer(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			cwd, _ := os.Getwd()
			now := time.Now().UTC()
			sess := store.Session{
				ID:         uuid.NewString(),
				Title:      "interactive " + now.Format("2006-01-02 15:04"),
				Cwd:        cwd,
				Visibility: protocol.VisibilityPrivate,
				Status:     protocol.SessionStatusActive,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := srv.Storage().Create(cmd.Context(), sess); err != nil {
				return err
			}

			driver := &interactive.Driver{
				SessionID: sess.ID,
				Model:     cfg.DefaultModel,
				Starter:   srv,
				Runs:      srv.Runs(),
				Events:    srv.Events(),
				OnDisplay: renderEvent,
			}

			input := make(chan interactive.TerminalEvent)
			go readTerminal(cmd.Context(), input)

			fmt.Printf("session %s (model %s) — /approve <id>, /reject <id>, /cancel, /model <id>, /quit\n", sess.ID, cfg.DefaultModel)
			err = driver.Run(cmd.Context(), input)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model id for this session")
	return cmd
}

func readTerminal(ctx context.Context, out chan<- interactive.TerminalEvent) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit" || line == "/exit":
			out <- interactive.TerminalEvent{Kind: interactive.EventQuit}
			return
		case line == "/cancel":
			out <- interactive.TerminalEvent{Kind: interactive.EventCancel}
		case strings.HasPrefix(line, "/approve "):
			out <- interactive.TerminalEvent{
				Kind:       interactive.EventDecide,
				ToolCallID: strings.TrimSpace(strings.TrimPrefix(line, "/approve ")),
				Action:     protocol.DecisionAccept,
			}
		case strings.HasPrefix(line, "/reject "):
			out <- interactive.TerminalEvent{
				Kind:       interactive.EventDecide,
				ToolCallID: strings.TrimSpace(strings.TrimPrefix(line, "/reject ")),
				Action:     protocol.DecisionReject,
			}
		case strings.HasPrefix(line, "/model "):
			out <- interactive.TerminalEvent{
				Kind:  interactive.EventSwitchModel,
				Model: strings.TrimSpace(strings.TrimPrefix(line, "/model ")),
			}
		case strings.HasPrefix(line, "/steer "):
			out <- interactive.TerminalEvent{
				Kind: interactive.EventSteer,
				Text: strings.TrimSpace(strings.TrimPrefix(line, "/steer ")),
			}
		default:
			out <- interactive.TerminalEvent{Kind: interactive.EventSubmit, Text: line}
		}
	}
}

func renderEvent(env protocol.EventEnvelope) {
	switch env.Event.Type {
	case protocol.EventTextDelta:
		if p, ok := env.Event.Payload.(protocol.DeltaPayload); ok {
			fmt.Print(p.Delta)
		}
	case protocol.EventTurnCompleted:
		fmt.Println()
	case protocol.EventToolCallsProposed:
		if p, ok := env.Event.Payload.(protocol.ToolCallsProposedPayload); ok {
			for _, call := range p.Calls {
				fmt.Printf("\n[tool %s] %s %s\n", call.ID, call.Name, call.Arguments)
			}
		}
	case protocol.EventWaitingForToolApproval:
		if p, ok := env.Event.Payload.(protocol.ToolExecutionPayload); ok {
			fmt.Printf("approve? /approve %s or /reject %s\n", p.ToolCallID, p.ToolCallID)
		}
	case protocol.EventToolExecutionProgress:
		if p, ok := env.Event.Payload.(protocol.ToolExecutionPayload); ok {
			fmt.Print(p.Message)
		}
	case protocol.EventToolExecutionCompleted:
		if p, ok := env.Event.Payload.(protocol.ToolExecutionPayload); ok {
			fmt.Printf("\n[tool %s: %s]\n", p.ToolCallID, p.Status)
		}
	case protocol.EventRunError:
		if p, ok := env.Event.Payload.(protocol.ErrorPayload); ok {
			fmt.Printf("\nrun error: %s\n", p.Error)
		}
	case protocol.EventRunCompleted:
		fmt.Println("—")
	}
}
