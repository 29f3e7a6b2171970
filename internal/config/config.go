// Package config loads the runtime configuration and the autopilot runtime
// file. The main config is JSON5 so hand-edited files may carry comments and
// trailing commas; secrets come from the environment only.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Model describes one selectable model.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Name     string `json:"name,omitempty"`
}

// ProviderConfig configures the LLM adapter endpoint.
// APIKey is never read from the file; env only.
type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"-"` // from AGENTD_API_KEY
	// OAuth switches the adapter to OAuth token auth; the token comes from
	// AGENTD_OAUTH_TOKEN.
	OAuth bool `json:"oauth,omitempty"`
}

// CompactionConfig exposes the summarization trigger and prompt.
type CompactionConfig struct {
	TriggerTokens int    `json:"trigger_tokens"`
	KeepRecent    int    `json:"keep_recent"`
	Model         string `json:"model,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
}

// ApprovalConfig configures the tool approval policy.
type ApprovalConfig struct {
	// Mode is "none", "all", or "custom".
	Mode string `json:"mode"`
	// Rules maps tool name → "approve" | "reject" | "ask" (custom mode).
	Rules map[string]string `json:"rules,omitempty"`
	// Default outcome for tools without a rule.
	Default string `json:"default,omitempty"`
}

// Config is the root runtime configuration.
type Config struct {
	Bind         string           `json:"bind"`
	AuthToken    string           `json:"-"` // from AGENTD_AUTH_TOKEN, or generated
	NoAuth       bool             `json:"no_auth,omitempty"`
	DefaultModel string           `json:"default_model"`
	Models       []Model          `json:"models,omitempty"`
	Provider     ProviderConfig   `json:"provider"`
	Approval     ApprovalConfig   `json:"approval"`
	Compaction   CompactionConfig `json:"compaction"`

	// EventRingCapacity bounds per-session SSE replay.
	EventRingCapacity int `json:"event_ring_capacity,omitempty"`
	// PrivacyMode extends secret redaction to private data (IPs, account ids).
	PrivacyMode bool `json:"privacy_mode,omitempty"`

	// RootDir anchors all persisted state; default ~/.stakpak.
	RootDir string `json:"root_dir,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bind:         "127.0.0.1:8321",
		DefaultModel: "openai/gpt-5",
		Models: []Model{
			{ID: "openai/gpt-5", Provider: "openai"},
			{ID: "openai/gpt-5-mini", Provider: "openai"},
			{ID: "anthropic/claude-sonnet-4-5", Provider: "anthropic"},
		},
		Provider: ProviderConfig{BaseURL: "https://apiv2.stakpak.dev/v1"},
		Approval: ApprovalConfig{Mode: "custom", Default: "ask", Rules: map[string]string{
			"view":          "approve",
			"get_all_tasks": "approve",
		}},
		Compaction:        CompactionConfig{TriggerTokens: 150_000, KeepRecent: 10},
		EventRingCapacity: 256,
	}
}

// Load reads the JSON5 config file, layering it over the defaults and then
// the environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("AGENTD_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("AGENTD_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("AGENTD_BIND"); v != "" {
		cfg.Bind = v
	}
	if cfg.RootDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.RootDir = filepath.Join(home, ".stakpak")
	}
	return cfg, nil
}

// HasModel reports whether id is in the registry.
func (c *Config) HasModel(id string) bool {
	for _, m := range c.Models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Paths derived from the root directory.

func (c *Config) CheckpointDir() string { return filepath.Join(c.RootDir, "checkpoints") }
func (c *Config) BackupDir() string     { return filepath.Join(c.RootDir, "session", "backups") }
func (c *Config) TaskDir() string       { return filepath.Join(c.RootDir, "session", "tasks") }
func (c *Config) DatabasePath() string  { return filepath.Join(c.RootDir, "agentd.db") }
func (c *Config) AutopilotPath() string { return filepath.Join(c.RootDir, "autopilot.toml") }
