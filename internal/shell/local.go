package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// localSession is a persistent child shell with piped stdio. On unix it is
// upgraded to a PTY when one can be allocated, which keeps interactive tools
// (prompts, progress bars) behaving. The shell survives across commands so
// cwd and environment persist; cancellation tears it down and the next
// command respawns it.
type localSession struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.Writer
	output  chan string
	closers []io.Closer
	dead    bool
}

func newLocalSession() (*localSession, error) {
	s := &localSession{}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *localSession) start() error {
	cmd := exec.Command(shellBinary())
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")

	output := make(chan string, 64)

	if ptyFile, err := startWithPTY(cmd); err == nil {
		s.stdin = ptyFile
		s.closers = []io.Closer{ptyFile}
		go func() {
			pump(ptyFile, output)
			close(output)
		}()
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("stderr pipe: %w", err)
		}
		setProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start shell: %w", err)
		}
		s.stdin = stdin
		s.closers = []io.Closer{stdin}

		// Interleave stdout and stderr by arrival time.
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); pump(stdout, output) }()
		go func() { defer wg.Done(); pump(stderr, output) }()
		go func() { wg.Wait(); close(output) }()
	}

	s.cmd = cmd
	s.output = output
	s.dead = false
	return nil
}

func shellBinary() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// pump copies reader output into ch in small chunks. Invalid UTF-8 survives
// as-is; the consumer decides how to surface it.
func pump(r io.Reader, ch chan<- string) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			ch <- string(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

var exitMarkerRe = regexp.MustCompile(`__AGENTD_EXIT_([0-9a-f]{8})_(\d+)__`)

func (s *localSession) run(ctx context.Context, command string, timeout time.Duration, onChunk func(string)) (ExecResult, error) {
	s.mu.Lock()
	if s.dead {
		if err := s.start(); err != nil {
			s.mu.Unlock()
			return ExecResult{}, fmt.Errorf("respawn shell: %w", err)
		}
	}
	stdin := s.stdin
	output := s.output
	s.mu.Unlock()

	marker := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	// The trailing printf publishes the exit status on its own line so the
	// reader can find the command boundary in the merged stream.
	script := fmt.Sprintf("%s\nprintf '\\n__AGENTD_EXIT_%s_%%d__\\n' $?\n", command, marker)
	if _, err := io.WriteString(stdin, script); err != nil {
		s.markDead()
		return ExecResult{}, fmt.Errorf("write command: %w", err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	stall := time.NewTimer(stallAfter)
	defer stall.Stop()

	var collected strings.Builder
	for {
		select {
		case text, ok := <-output:
			if !ok {
				s.markDead()
				return ExecResult{Output: collected.String()},
					fmt.Errorf("%s: shell exited unexpectedly", CommandErrorMarker)
			}
			stall.Reset(stallAfter)

			collected.WriteString(text)
			full := collected.String()
			if m := exitMarkerRe.FindStringSubmatch(full); m != nil && m[1] == marker {
				idx := exitMarkerRe.FindStringIndex(full)
				out := strings.TrimSuffix(full[:idx[0]], "\n")
				code, _ := strconv.Atoi(m[2])
				return ExecResult{Output: out, ExitCode: &code}, nil
			}
			onChunk(text)

		case <-stall.C:
			onChunk(StallMarker)
			stall.Reset(stallAfter)

		case <-timeoutCh:
			s.kill()
			return ExecResult{Output: collected.String(), TimedOut: true}, nil

		case <-ctx.Done():
			s.kill()
			return ExecResult{Output: collected.String()}, ctx.Err()
		}
	}
}

func (s *localSession) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// kill terminates the shell: SIGTERM first, SIGKILL after the grace window.
// The session respawns on the next run.
func (s *localSession) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.dead = true
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	terminate(cmd)
	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(killGrace):
		killHard(cmd)
	}
}

func (s *localSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.closers {
		c.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		killHard(s.cmd)
	}
	s.dead = true
	return nil
}
