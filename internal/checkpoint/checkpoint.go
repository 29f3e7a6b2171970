// Package checkpoint persists per-session message-history envelopes.
// One file per session, written atomically; the session store's canonical
// checkpoint is the fallback when the file is missing or corrupt.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/stakpak/agentd/internal/llm"
)

// MetadataActiveModel is the reserved metadata key recording the model
// selected at checkpoint time.
const MetadataActiveModel = "active_model"

// Envelope is the checkpoint payload: the full ordered message list plus
// free-form metadata.
type Envelope struct {
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Messages     []llm.Message  `json:"messages"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Store writes and reads checkpoint envelopes under a root directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir (e.g. ~/.stakpak/checkpoints).
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.root, sessionID, "latest.json")
}

// SaveLatest writes the envelope atomically via temp file + rename.
// A missing checkpoint id is assigned.
func (s *Store) SaveLatest(sessionID string, env Envelope) error {
	if env.CheckpointID == "" {
		env.CheckpointID = uuid.NewString()
	}

	dir := filepath.Dir(s.path(sessionID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path(sessionID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// LoadLatest reads the latest envelope for a session. Returns (nil, nil) when
// no checkpoint exists; corruption surfaces as an error so callers can fall
// back to the session store's canonical checkpoint.
func (s *Store) LoadLatest(sessionID string) (*Envelope, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &env, nil
}

// Delete removes a session's checkpoint directory. Used on session delete.
func (s *Store) Delete(sessionID string) error {
	return os.RemoveAll(filepath.Join(s.root, sessionID))
}
