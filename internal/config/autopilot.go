package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Autopilot is the runtime state of the managed serve loop, persisted as
// TOML at ~/.stakpak/autopilot.toml. Exposed read-only on /v1/config.
type Autopilot struct {
	Enabled        bool   `toml:"enabled" json:"enabled"`
	Bind           string `toml:"bind" json:"bind"`
	Model          string `toml:"model" json:"model"`
	AutoApproveAll bool   `toml:"auto_approve_all" json:"auto_approve_all"`
	LogPath        string `toml:"log_path" json:"log_path"`
	PIDFile        string `toml:"pid_file" json:"pid_file"`
}

// DefaultAutopilot mirrors the serve defaults.
func DefaultAutopilot(rootDir string) Autopilot {
	return Autopilot{
		Bind:    "127.0.0.1:8321",
		LogPath: filepath.Join(rootDir, "autopilot.log"),
		PIDFile: filepath.Join(rootDir, "autopilot.pid"),
	}
}

// LoadAutopilot reads the TOML file; a missing file yields the defaults.
func LoadAutopilot(path, rootDir string) (Autopilot, error) {
	ap := DefaultAutopilot(rootDir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ap, nil
	}
	if err != nil {
		return ap, fmt.Errorf("read autopilot config: %w", err)
	}
	if err := toml.Unmarshal(data, &ap); err != nil {
		return ap, fmt.Errorf("parse autopilot config: %w", err)
	}
	return ap, nil
}

// SaveAutopilot writes the TOML file, creating the directory if needed.
func SaveAutopilot(path string, ap Autopilot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "autopilot-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := toml.NewEncoder(f).Encode(ap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode autopilot config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
