package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stakpak/agentd/internal/config"
	"github.com/stakpak/agentd/internal/store"
)

// autopilotCmd manages the long-lived serve loop: a detached agentd serve
// process tracked by a pid file and a TOML runtime config.
func autopilotCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Manage the background agent service",
	}
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable output")

	cmd.AddCommand(
		autopilotSetup(&jsonOut),
		autopilotStart(&jsonOut),
		autopilotStop(&jsonOut),
		autopilotStatus(&jsonOut),
		autopilotLogs(),
		autopilotDoctor(&jsonOut),
	)
	return cmd
}

func loadAutopilot() (*config.Config, config.Autopilot, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, config.Autopilot{}, err
	}
	ap, err := config.LoadAutopilot(cfg.AutopilotPath(), cfg.RootDir)
	return cfg, ap, err
}

func emit(jsonOut bool, payload map[string]any, human string) {
	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(payload)
		return
	}
	fmt.Println(human)
}

func autopilotSetup(jsonOut *bool) *cobra.Command {
	var model string
	var bind string
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write the autopilot runtime config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ap, err := loadAutopilot()
			if err != nil {
				return err
			}
			ap.Enabled = true
			if model != "" {
				ap.Model = model
			}
			if bind != "" {
				ap.Bind = bind
			}
			ap.AutoApproveAll = autoApprove
			if err := config.SaveAutopilot(cfg.AutopilotPath(), ap); err != nil {
				return err
			}
			emit(*jsonOut, map[string]any{"ok": true, "path": cfg.AutopilotPath()},
				"autopilot configured at "+cfg.AutopilotPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "default model for the service")
	cmd.Flags().StringVar(&bind, "bind", "", "listen address for the service")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve-all", false, "approve every tool call")
	return cmd
}

func autopilotStart(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the background service",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ap, err := loadAutopilot()
			if err != nil {
				return err
			}
			if pid, running := autopilotPID(ap); running {
				emit(*jsonOut, map[string]any{"ok": true, "pid": pid, "already_running": true},
					fmt.Sprintf("already running (pid %d)", pid))
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return err
			}
			logFile, err := os.OpenFile(ap.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return err
			}
			defer logFile.Close()

			serveArgs := []string{"serve", "--bind", ap.Bind}
			if ap.Model != "" {
				serveArgs = append(serveArgs, "--model", ap.Model)
			}
			if ap.AutoApproveAll {
				serveArgs = append(serveArgs, "--auto-approve-all")
			}
			child := exec.Command(exe, serveArgs...)
			child.Stdout = logFile
			child.Stderr = logFile
			child.Stdin = nil
			if err := child.Start(); err != nil {
				return fmt.Errorf("start service: %w", err)
			}

			if err := os.WriteFile(ap.PIDFile, []byte(strconv.Itoa(child.Process.Pid)), 0o600); err != nil {
				return err
			}
			// The child outlives this process.
			child.Process.Release()

			emit(*jsonOut, map[string]any{"ok": true, "pid": child.Process.Pid, "bind": ap.Bind},
				fmt.Sprintf("started (pid %d) on %s", child.Process.Pid, ap.Bind))
			return nil
		},
	}
}

func autopilotStop(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background service",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ap, err := loadAutopilot()
			if err != nil {
				return err
			}
			pid, running := autopilotPID(ap)
			if !running {
				emit(*jsonOut, map[string]any{"ok": true, "running": false}, "not running")
				return nil
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("stop pid %d: %w", pid, err)
			}
			os.Remove(ap.PIDFile)
			emit(*jsonOut, map[string]any{"ok": true, "stopped_pid": pid}, fmt.Sprintf("stopped (pid %d)", pid))
			return nil
		},
	}
}

func autopilotStatus(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ap, err := loadAutopilot()
			if err != nil {
				return err
			}
			pid, running := autopilotPID(ap)
			health := "unreachable"
			if running {
				if body, err := fetchHealth(ap.Bind); err == nil {
					health = body
				}
			}
			emit(*jsonOut, map[string]any{
				"running": running,
				"pid":     pid,
				"bind":    ap.Bind,
				"health":  health,
			}, fmt.Sprintf("running=%v pid=%d bind=%s health=%s", running, pid, ap.Bind, health))
			return nil
		},
	}
}

func autopilotLogs() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, ap, err := loadAutopilot()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(ap.LogPath)
			if err != nil {
				return err
			}
			all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			if len(all) > lines {
				all = all[len(all)-lines:]
			}
			fmt.Println(strings.Join(all, "\n"))
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of trailing lines")
	return cmd
}

func autopilotDoctor(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the service environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks := map[string]string{}

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				checks["config"] = "error: " + err.Error()
			} else {
				checks["config"] = "ok"
				if s, err := store.OpenSQLite(cfg.DatabasePath()); err != nil {
					checks["database"] = "error: " + err.Error()
				} else {
					s.Close()
					checks["database"] = "ok"
				}
				if cfg.Provider.APIKey == "" && !cfg.Provider.OAuth {
					checks["credentials"] = "warning: AGENTD_API_KEY is not set"
				} else {
					checks["credentials"] = "ok"
				}
			}

			if *jsonOut {
				json.NewEncoder(os.Stdout).Encode(checks)
			} else {
				for name, result := range checks {
					fmt.Printf("%-12s %s\n", name, result)
				}
			}
			return nil
		},
	}
}

// autopilotPID reads the pid file and verifies the process is alive.
func autopilotPID(ap config.Autopilot) (int, bool) {
	data, err := os.ReadFile(ap.PIDFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return pid, false
	}
	return pid, true
}

func fetchHealth(bind string) (string, error) {
	host := bind
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + host + "/v1/health")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
