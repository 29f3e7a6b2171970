package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stakpak/agentd/internal/llm"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	env := Envelope{
		Messages: []llm.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		Metadata: map[string]any{MetadataActiveModel: "openai/gpt-test"},
	}
	if err := s.SaveLatest("s1", env); err != nil {
		t.Fatalf("SaveLatest: %v", err)
	}

	loaded, err := s.LoadLatest("s1")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadLatest returned nil envelope")
	}
	if loaded.CheckpointID == "" {
		t.Error("checkpoint id not assigned")
	}
	if len(loaded.Messages) != 2 || loaded.Messages[1].Content != "hello" {
		t.Errorf("messages = %+v", loaded.Messages)
	}
	if loaded.Metadata[MetadataActiveModel] != "openai/gpt-test" {
		t.Errorf("active_model = %v", loaded.Metadata[MetadataActiveModel])
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := NewStore(t.TempDir())
	env, err := s.LoadLatest("nope")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if env != nil {
		t.Errorf("expected nil envelope, got %+v", env)
	}
}

func TestLoadCorruptReturnsError(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	dir := filepath.Join(root, "s1")
	os.MkdirAll(dir, 0o700)
	os.WriteFile(filepath.Join(dir, "latest.json"), []byte("{not json"), 0o600)

	if _, err := s.LoadLatest("s1"); err == nil {
		t.Error("expected decode error for corrupt checkpoint")
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	if err := s.SaveLatest("s1", Envelope{Messages: []llm.Message{{Role: "user", Content: "one"}}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveLatest("s1", Envelope{Messages: []llm.Message{{Role: "user", Content: "two"}}}); err != nil {
		t.Fatal(err)
	}

	env, err := s.LoadLatest("s1")
	if err != nil {
		t.Fatal(err)
	}
	if env.Messages[0].Content != "two" {
		t.Errorf("content = %q, want two", env.Messages[0].Content)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Join(root, "s1"))
	if len(entries) != 1 {
		t.Errorf("expected only latest.json, found %d entries", len(entries))
	}
}

func TestDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	s.SaveLatest("s1", Envelope{})
	if err := s.Delete("s1"); err != nil {
		t.Fatal(err)
	}
	env, err := s.LoadLatest("s1")
	if err != nil || env != nil {
		t.Errorf("after delete: env=%v err=%v", env, err)
	}
}
