// Package runmgr enforces at-most-one active run per session and routes
// commands to the run's actor through its mailbox.
package runmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrSessionAlreadyRunning = errors.New("session already has an active run")
	ErrSessionStarting       = errors.New("session run is starting")
	ErrSessionNotRunning     = errors.New("session has no active run")
	ErrRunMismatch           = errors.New("run id does not match the active run")
	ErrActorStartupFailed    = errors.New("actor startup failed")
	ErrMailboxFull           = errors.New("run mailbox is full")
)

// Command is an opaque actor command; the session actor defines the concrete
// types it understands.
type Command = any

// Handle is what a spawn function returns: the run's mailbox and cancel hook.
type Handle struct {
	Commands chan Command
	Cancel   context.CancelFunc
}

// SpawnFunc starts the actor for a new run and returns its handle.
// It must not block on the actor's work.
type SpawnFunc func(runID string) (*Handle, error)

// Phase of a session's runtime state.
type Phase int

const (
	Idle Phase = iota
	Starting
	Running
	Failed
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// State is a cheap snapshot of a session's runtime state.
type State struct {
	Phase Phase
	RunID string
	Err   error
}

type sessionState struct {
	mu     sync.Mutex
	phase  Phase
	runID  string
	handle *Handle
	err    error
}

// Manager tracks runtime state for all sessions in the process.
type Manager struct {
	// latchFailures keeps a failed run visible as Failed instead of
	// resetting to Idle; the next successful StartRun clears it.
	latchFailures bool

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a run manager.
func New(latchFailures bool) *Manager {
	return &Manager{
		latchFailures: latchFailures,
		sessions:      make(map[string]*sessionState),
	}
}

func (m *Manager) session(id string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &sessionState{phase: Idle}
		m.sessions[id] = s
	}
	return s
}

// StartRun transitions Idle → Starting → Running, spawning the actor in
// between. Returns the new run id.
func (m *Manager) StartRun(sessionID string, spawn SpawnFunc) (string, error) {
	s := m.session(sessionID)

	s.mu.Lock()
	switch s.phase {
	case Starting:
		s.mu.Unlock()
		return "", ErrSessionStarting
	case Running:
		s.mu.Unlock()
		return "", ErrSessionAlreadyRunning
	}
	runID := uuid.NewString()
	s.phase = Starting
	s.runID = runID
	s.err = nil
	s.mu.Unlock()

	handle, err := spawn(runID)
	if err != nil {
		s.mu.Lock()
		s.phase = Idle
		s.runID = ""
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrActorStartupFailed, err)
	}

	s.mu.Lock()
	s.phase = Running
	s.handle = handle
	s.mu.Unlock()

	slog.Debug("run started", "session", sessionID, "run", runID)
	return runID, nil
}

// SendCommand queues a command on the active run's mailbox. The runID must
// match the active run.
func (m *Manager) SendCommand(sessionID, runID string, cmd Command) error {
	s := m.session(sessionID)

	s.mu.Lock()
	if s.phase != Running && s.phase != Starting {
		s.mu.Unlock()
		return ErrSessionNotRunning
	}
	if runID != "" && runID != s.runID {
		s.mu.Unlock()
		return ErrRunMismatch
	}
	handle := s.handle
	s.mu.Unlock()

	if handle == nil {
		return ErrSessionNotRunning
	}
	select {
	case handle.Commands <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

// CancelRun fires the active run's cancel token. The actor observes it at
// its next suspension point.
func (m *Manager) CancelRun(sessionID, runID string) error {
	s := m.session(sessionID)

	s.mu.Lock()
	if s.phase != Running && s.phase != Starting {
		s.mu.Unlock()
		return ErrSessionNotRunning
	}
	if runID != "" && runID != s.runID {
		s.mu.Unlock()
		return ErrRunMismatch
	}
	handle := s.handle
	s.mu.Unlock()

	if handle != nil && handle.Cancel != nil {
		handle.Cancel()
	}
	slog.Debug("run cancelled", "session", sessionID, "run", runID)
	return nil
}

// CancelAll cancels every active run. Used on process shutdown and tested
// session deletion paths.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	sessions := make([]*sessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		handle := s.handle
		active := s.phase == Running || s.phase == Starting
		s.mu.Unlock()
		if active && handle != nil && handle.Cancel != nil {
			handle.Cancel()
		}
	}
}

// MarkRunFinished is called by the actor on exit. Resets to Idle, or latches
// Failed when configured and the run ended in error.
func (m *Manager) MarkRunFinished(sessionID, runID string, runErr error) {
	s := m.session(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID != runID {
		// A newer run owns the slot; nothing to do.
		return
	}
	s.handle = nil
	s.runID = ""
	if runErr != nil && m.latchFailures {
		s.phase = Failed
		s.err = runErr
	} else {
		s.phase = Idle
		s.err = nil
	}
}

// State returns a snapshot of the session's runtime state.
func (m *Manager) State(sessionID string) State {
	s := m.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Phase: s.phase, RunID: s.runID, Err: s.err}
}

// ActiveRunID returns the active run's id, or "" when idle.
func (m *Manager) ActiveRunID(sessionID string) string {
	st := m.State(sessionID)
	if st.Phase == Running || st.Phase == Starting {
		return st.RunID
	}
	return ""
}
