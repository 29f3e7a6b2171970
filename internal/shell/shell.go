// Package shell owns persistent interactive shells, local and remote, and
// streams command output through the secret vault. One command runs per
// session at a time; concurrent submissions are serialized FIFO.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stakpak/agentd/internal/vault"
)

// StallMarker is the synthetic chunk emitted after 5 s without output.
// Informational only; the command keeps running.
const StallMarker = "__INTERACTIVE_STALL__"

// CommandErrorMarker prefixes output that could not be decoded or executed.
const CommandErrorMarker = "COMMAND_ERROR"

// stallAfter is how long a command may stay silent before a stall chunk.
const stallAfter = 5 * time.Second

// killGrace is the SIGTERM → SIGKILL escalation window.
const killGrace = 5 * time.Second

// Chunk is one streamed piece of command output.
type Chunk struct {
	Text    string
	IsFinal bool
}

// ExecResult is the final payload of one command.
type ExecResult struct {
	Output   string
	ExitCode *int
	TimedOut bool
}

// session is a live shell capable of running commands one at a time.
type session interface {
	run(ctx context.Context, command string, timeout time.Duration, onChunk func(string)) (ExecResult, error)
	close() error
}

// Join resolves with the final result of a streaming exec.
type Join struct {
	done   chan struct{}
	result ExecResult
	err    error
}

// Wait blocks until the command finishes and returns the final payload.
func (j *Join) Wait() (ExecResult, error) {
	<-j.done
	return j.result, j.err
}

type managedSession struct {
	execMu sync.Mutex // FIFO serialization: one command per session
	sess   session

	histMu  sync.Mutex
	history []string
}

const historyLimit = 100

func (m *managedSession) record(command string) {
	m.histMu.Lock()
	defer m.histMu.Unlock()
	m.history = append(m.history, command)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

// Pool owns all shell sessions in the process.
type Pool struct {
	vault *vault.Vault

	mu           sync.Mutex
	sessions     map[string]*managedSession
	remoteByConn map[string]string // connection tuple → session id
}

// NewPool creates a pool whose output is redacted through v.
func NewPool(v *vault.Vault) *Pool {
	return &Pool{
		vault:        v,
		sessions:     make(map[string]*managedSession),
		remoteByConn: make(map[string]string),
	}
}

// DefaultLocalID is the session id of the shared local shell.
const DefaultLocalID = "local-default"

// GetOrCreateDefaultLocal returns the shared local shell session, starting
// it on first use.
func (p *Pool) GetOrCreateDefaultLocal() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[DefaultLocalID]; ok {
		return DefaultLocalID, nil
	}
	sess, err := newLocalSession()
	if err != nil {
		return "", fmt.Errorf("start local shell: %w", err)
	}
	p.sessions[DefaultLocalID] = &managedSession{sess: sess}
	return DefaultLocalID, nil
}

// GetOrCreateDefaultRemote returns a session for the connection string,
// reusing an existing one for the same (user, host, port) tuple.
func (p *Pool) GetOrCreateDefaultRemote(conn, password, keyPath string) (string, error) {
	target, err := ParseConnection(conn)
	if err != nil {
		return "", err
	}
	tuple := target.tuple()

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.remoteByConn[tuple]; ok {
		if _, live := p.sessions[id]; live {
			return id, nil
		}
	}

	sess, err := newSSHSession(target, password, keyPath)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", tuple, err)
	}
	id := "remote-" + tuple
	p.sessions[id] = &managedSession{sess: sess}
	p.remoteByConn[tuple] = id
	return id, nil
}

func (p *Pool) lookup(sessionID string) (*managedSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("shell session %q not found", sessionID)
	}
	return m, nil
}

// ExecuteStreaming runs a command on the session, yielding redacted chunks
// as they arrive. The returned Join resolves with the final payload.
func (p *Pool) ExecuteStreaming(ctx context.Context, sessionID, command string, timeout time.Duration) (<-chan Chunk, *Join, error) {
	m, err := p.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}

	chunks := make(chan Chunk, 32)
	join := &Join{done: make(chan struct{})}

	go func() {
		defer close(join.done)
		defer close(chunks)

		m.execMu.Lock()
		defer m.execMu.Unlock()
		m.record(command)

		emit := func(text string) {
			redacted, _ := p.vault.Redact(text, "", false)
			select {
			case chunks <- Chunk{Text: redacted}:
			case <-ctx.Done():
			}
		}

		result, err := m.sess.run(ctx, command, timeout, emit)
		result.Output, _ = p.vault.Redact(result.Output, "", false)
		join.result = result
		join.err = err

		final := Chunk{IsFinal: true}
		if result.TimedOut {
			final.Text = fmt.Sprintf("%s: command timed out after %s", CommandErrorMarker, timeout)
		}
		select {
		case chunks <- final:
		default:
		}

		if err != nil {
			slog.Warn("shell exec failed", "session", sessionID, "error", err)
		}
	}()

	return chunks, join, nil
}

// Execute is the non-streaming variant.
func (p *Pool) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (ExecResult, error) {
	chunks, join, err := p.ExecuteStreaming(ctx, sessionID, command, timeout)
	if err != nil {
		return ExecResult{}, err
	}
	for range chunks {
	}
	return join.Wait()
}

// History returns the command history ring for a session.
func (p *Pool) History(sessionID string) []string {
	m, err := p.lookup(sessionID)
	if err != nil {
		return nil
	}
	m.histMu.Lock()
	defer m.histMu.Unlock()
	out := make([]string, len(m.history))
	copy(out, m.history)
	return out
}

// Close tears down every session.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, m := range p.sessions {
		if err := m.sess.close(); err != nil {
			slog.Debug("shell close", "session", id, "error", err)
		}
		delete(p.sessions, id)
	}
}
