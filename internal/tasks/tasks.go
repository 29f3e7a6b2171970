// Package tasks runs detached background commands with lifecycle tracking.
// Tasks outlive the tool call that started them; callers poll by id or wait
// on a set of ids with periodic progress.
package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stakpak/agentd/internal/shell"
)

// Status of a background task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskTimeout is returned when WaitForTasks gives up.
var ErrTaskTimeout = errors.New("tasks did not finish before the timeout")

// bufferCap bounds the in-memory output buffer; surplus spills to disk.
const bufferCap = 64 * 1024

// retention keeps finished tasks visible before cleanup.
const retention = time.Hour

// TaskInfo is the externally visible task state.
type TaskInfo struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	StartTime  time.Time      `json:"start_time"`
	Status     Status         `json:"status"`
	Output     string         `json:"output,omitempty"`
	OutputFile string         `json:"output_file,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Duration   *time.Duration `json:"duration,omitempty"`
	Remote     string         `json:"remote,omitempty"`
}

// Progress is emitted once per second while waiting on tasks.
type Progress struct {
	Waiting  []string `json:"waiting"`
	Finished []string `json:"finished"`
}

type task struct {
	mu         sync.Mutex
	info       TaskInfo
	buf        bytes.Buffer
	spillPath  string
	spillFile  *os.File
	cancel     context.CancelFunc
	finishedAt time.Time
}

func (t *task) write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf.Len()+len(p) <= bufferCap {
		t.buf.Write(p)
		return
	}
	// Spill surplus to disk, keeping the buffered prefix in memory.
	if t.spillFile == nil {
		f, err := os.OpenFile(t.spillPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			slog.Warn("task output spill failed", "task", t.info.ID, "error", err)
			return
		}
		t.spillFile = f
		t.info.OutputFile = t.spillPath
	}
	room := bufferCap - t.buf.Len()
	if room > 0 {
		t.buf.Write(p[:room])
		p = p[room:]
	}
	if _, err := t.spillFile.Write(p); err != nil {
		slog.Warn("task output spill write failed", "task", t.info.ID, "error", err)
	}
}

// finish latches a terminal state. A task already terminal never moves again.
func (t *task) finish(status Status, exitCode *int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.info.Status.Terminal() {
		return
	}
	t.info.Status = status
	t.info.ExitCode = exitCode
	d := time.Since(t.info.StartTime)
	t.info.Duration = &d
	t.finishedAt = time.Now()
	if t.spillFile != nil {
		t.spillFile.Close()
		t.spillFile = nil
	}
}

func (t *task) snapshot(includeOutput bool) TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.info
	if includeOutput {
		info.Output = t.buf.String()
	}
	return info
}

// Manager owns all background tasks in the process.
type Manager struct {
	pool     *shell.Pool // remote execution
	spillDir string

	mu    sync.Mutex
	tasks map[string]*task
}

// NewManager creates a manager that spills oversized output under spillDir.
func NewManager(pool *shell.Pool, spillDir string) *Manager {
	return &Manager{
		pool:     pool,
		spillDir: spillDir,
		tasks:    make(map[string]*task),
	}
}

// StartTask spawns a detached executor for command and returns immediately.
// remote, when non-empty, is a `user@host[:port]` connection string.
func (m *Manager) StartTask(command string, timeout time.Duration, remote string) (TaskInfo, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.spillDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return TaskInfo{}, fmt.Errorf("create task dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		info: TaskInfo{
			ID:        id,
			Command:   command,
			StartTime: time.Now().UTC(),
			Status:    StatusPending,
			Remote:    remote,
		},
		spillPath: filepath.Join(dir, "command.output"),
		cancel:    cancel,
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	go m.execute(ctx, t, command, timeout, remote)

	slog.Info("background task started", "task", id, "remote", remote != "")
	return t.snapshot(false), nil
}

func (m *Manager) execute(ctx context.Context, t *task, command string, timeout time.Duration, remote string) {
	t.mu.Lock()
	t.info.Status = StatusRunning
	t.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if remote != "" {
		m.executeRemote(ctx, t, command, timeout, remote)
		return
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	cmd.Stdout = taskWriter{t}
	cmd.Stderr = taskWriter{t}

	err := cmd.Run()
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		t.finish(StatusTimedOut, nil)
	case ctx.Err() == context.Canceled:
		t.finish(StatusCancelled, nil)
	case err != nil:
		if cmd.ProcessState != nil {
			code := cmd.ProcessState.ExitCode()
			t.finish(StatusFailed, &code)
		} else {
			t.write([]byte(err.Error()))
			t.finish(StatusFailed, nil)
		}
	default:
		code := 0
		t.finish(StatusCompleted, &code)
	}
}

func (m *Manager) executeRemote(ctx context.Context, t *task, command string, timeout time.Duration, remote string) {
	sessionID, err := m.pool.GetOrCreateDefaultRemote(remote, "", "")
	if err != nil {
		t.write([]byte(err.Error()))
		t.finish(StatusFailed, nil)
		return
	}
	result, err := m.pool.Execute(ctx, sessionID, command, timeout)
	t.write([]byte(result.Output))
	switch {
	case result.TimedOut:
		t.finish(StatusTimedOut, result.ExitCode)
	case ctx.Err() == context.Canceled:
		t.finish(StatusCancelled, result.ExitCode)
	case err != nil:
		t.finish(StatusFailed, result.ExitCode)
	case result.ExitCode != nil && *result.ExitCode != 0:
		t.finish(StatusFailed, result.ExitCode)
	default:
		t.finish(StatusCompleted, result.ExitCode)
	}
}

type taskWriter struct{ t *task }

func (w taskWriter) Write(p []byte) (int, error) {
	w.t.write(p)
	return len(p), nil
}

func (m *Manager) get(id string) (*task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// GetAllTasks lists every known task without full output.
func (m *Manager) GetAllTasks() []TaskInfo {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot(false))
	}
	return out
}

// GetTaskDetails returns a task including its buffered output.
func (m *Manager) GetTaskDetails(id string) (TaskInfo, error) {
	t, ok := m.get(id)
	if !ok {
		return TaskInfo{}, ErrTaskNotFound
	}
	return t.snapshot(true), nil
}

// GetTaskStatus returns just the status.
func (m *Manager) GetTaskStatus(id string) (Status, error) {
	t, ok := m.get(id)
	if !ok {
		return "", ErrTaskNotFound
	}
	return t.snapshot(false).Status, nil
}

// CancelTask cancels a running task; terminal tasks are left untouched.
func (m *Manager) CancelTask(id string) (TaskInfo, error) {
	t, ok := m.get(id)
	if !ok {
		return TaskInfo{}, ErrTaskNotFound
	}
	t.cancel()
	t.finish(StatusCancelled, nil)
	return t.snapshot(true), nil
}

// WaitForTasks polls at 1 Hz until every id is terminal or the timeout
// elapses, emitting a progress envelope each tick.
func (m *Manager) WaitForTasks(ctx context.Context, ids []string, timeout time.Duration, onProgress func(Progress)) error {
	for _, id := range ids {
		if _, ok := m.get(id); !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var waiting, finished []string
		for _, id := range ids {
			status, err := m.GetTaskStatus(id)
			if err != nil || status.Terminal() {
				finished = append(finished, id)
			} else {
				waiting = append(waiting, id)
			}
		}
		if onProgress != nil {
			onProgress(Progress{Waiting: waiting, Finished: finished})
		}
		if len(waiting) == 0 {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrTaskTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cleanup drops tasks that have been terminal longer than the retention
// window, removing their spill files.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		t.mu.Lock()
		expired := t.info.Status.Terminal() && time.Since(t.finishedAt) > retention
		spill := t.spillPath
		t.mu.Unlock()
		if expired {
			delete(m.tasks, id)
			os.RemoveAll(filepath.Dir(spill))
			removed++
		}
	}
	return removed
}
