package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stakpak/agentd/internal/checkpoint"
	"github.com/stakpak/agentd/internal/config"
	"github.com/stakpak/agentd/internal/eventlog"
	"github.com/stakpak/agentd/internal/fileops"
	"github.com/stakpak/agentd/internal/httpapi"
	"github.com/stakpak/agentd/internal/llm"
	"github.com/stakpak/agentd/internal/runmgr"
	"github.com/stakpak/agentd/internal/shell"
	"github.com/stakpak/agentd/internal/store"
	"github.com/stakpak/agentd/internal/tasks"
	"github.com/stakpak/agentd/internal/tools"
	"github.com/stakpak/agentd/internal/tracing"
	"github.com/stakpak/agentd/internal/vault"
)

func serveCmd() *cobra.Command {
	var (
		bind           string
		noAuth         bool
		model          string
		showToken      bool
		autoApproveAll bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime HTTP/SSE server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.Bind = bind
			}
			if noAuth {
				cfg.NoAuth = true
			}
			if model != "" {
				cfg.DefaultModel = model
			}
			if autoApproveAll {
				cfg.Approval = config.ApprovalConfig{Mode: "all"}
			}
			if cfg.AuthToken == "" && !cfg.NoAuth {
				cfg.AuthToken = generateToken()
				if showToken {
					fmt.Printf("bearer token: %s\n", cfg.AuthToken)
				} else {
					slog.Info("generated bearer token; rerun with --show-token to print it")
				}
			} else if showToken && cfg.AuthToken != "" {
				fmt.Printf("bearer token: %s\n", cfg.AuthToken)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable bearer token auth")
	cmd.Flags().StringVar(&model, "model", "", "default model id")
	cmd.Flags().BoolVar(&showToken, "show-token", false, "print the bearer token on startup")
	cmd.Flags().BoolVar(&autoApproveAll, "auto-approve-all", false, "approve every tool call without asking")
	return cmd
}

func generateToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// buildServer assembles the core. Shared between serve and chat.
func buildServer(cfg *config.Config) (*httpapi.Server, func(), error) {
	for _, dir := range []string{cfg.RootDir, cfg.CheckpointDir(), cfg.BackupDir(), cfg.TaskDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	storage, err := store.OpenSQLite(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}

	v := vault.New(vault.NewRuleDetector())
	pool := shell.NewPool(v)
	taskMgr := tasks.NewManager(pool, cfg.TaskDir())
	files := fileops.New(v, cfg.BackupDir(), remoteRunner{pool})

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, pool, taskMgr, files, v)

	var opts []llm.Option
	if cfg.Provider.OAuth {
		opts = append(opts, llm.WithOAuth(func(ctx context.Context) (string, error) {
			token := os.Getenv("AGENTD_OAUTH_TOKEN")
			if token == "" {
				return "", errors.New("AGENTD_OAUTH_TOKEN is not set")
			}
			return token, nil
		}))
	}
	client := llm.NewHTTPClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, opts...)

	autopilot, err := config.LoadAutopilot(cfg.AutopilotPath(), cfg.RootDir)
	if err != nil {
		slog.Warn("autopilot config unreadable", "error", err)
	}

	srv := httpapi.NewServer(cfg, storage, eventlog.New(cfg.EventRingCapacity),
		runmgr.New(false), checkpoint.NewStore(cfg.CheckpointDir()), client, registry, autopilot)

	cleanup := func() {
		srv.Shutdown()
		pool.Close()
		storage.Close()
	}
	return srv, cleanup, nil
}

// remoteRunner adapts the shell pool to the fileops remote interface.
type remoteRunner struct{ pool *shell.Pool }

func (r remoteRunner) RunRemote(conn, command string) (string, error) {
	sessionID, err := r.pool.GetOrCreateDefaultRemote(conn, "", "")
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	result, err := r.pool.Execute(ctx, sessionID, command, 0)
	if err != nil {
		return result.Output, err
	}
	if result.ExitCode != nil && *result.ExitCode != 0 {
		return result.Output, fmt.Errorf("remote command exited with %d", *result.ExitCode)
	}
	return result.Output, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := tracing.Setup(ctx)
	if err != nil {
		slog.Warn("tracing setup failed", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	srv, cleanup, err := buildServer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Hot-reload the approval policy and model registry on config edits.
	if stop, err := config.Watch(resolveConfigPath(), func(next *config.Config) {
		next.AuthToken = cfg.AuthToken
		next.NoAuth = cfg.NoAuth
		srv.SetConfig(next)
	}); err == nil {
		defer stop()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Bind,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.SweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentd listening", "bind", cfg.Bind, "version", Version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
