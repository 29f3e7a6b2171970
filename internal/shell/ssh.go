package shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Target identifies a remote host.
type Target struct {
	User string
	Host string
	Port string
}

func (t Target) tuple() string {
	return fmt.Sprintf("%s@%s:%s", t.User, t.Host, t.Port)
}

var connRe = regexp.MustCompile(`^(?:ssh://)?([^@]+)@([^:/]+)(?::(\d+))?$`)

// ParseConnection accepts `user@host[:port]` and `ssh://user@host[:port]`.
func ParseConnection(conn string) (Target, error) {
	conn = strings.TrimSpace(conn)
	m := connRe.FindStringSubmatch(conn)
	if m == nil {
		return Target{}, fmt.Errorf("invalid connection string %q", conn)
	}
	port := m[3]
	if port == "" {
		port = "22"
	}
	return Target{User: m[1], Host: m[2], Port: port}, nil
}

// sshSession wraps a shared SSH client; each command runs on its own exec
// channel. Losing the connection degrades to one-shot dials per command.
type sshSession struct {
	target   Target
	password string
	keyPath  string

	mu     sync.Mutex
	client *ssh.Client
}

func newSSHSession(target Target, password, keyPath string) (*sshSession, error) {
	s := &sshSession{target: target, password: password, keyPath: keyPath}
	client, err := s.dial()
	if err != nil {
		// Persistent connection failed; keep the session and dial per
		// command instead.
		return s, nil
	}
	s.client = client
	return s, nil
}

func (s *sshSession) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if s.password != "" {
		methods = append(methods, ssh.Password(s.password))
	}

	keyPaths := []string{s.keyPath}
	if s.keyPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			keyPaths = []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
			}
		}
	}
	for _, path := range keyPaths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	return methods
}

func (s *sshSession) dial() (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            s.target.User,
		Auth:            s.authMethods(),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}
	return ssh.Dial("tcp", net.JoinHostPort(s.target.Host, s.target.Port), cfg)
}

func (s *sshSession) getClient() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, err := s.dial()
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

func (s *sshSession) dropClient(client *ssh.Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
	client.Close()
}

func (s *sshSession) run(ctx context.Context, command string, timeout time.Duration, onChunk func(string)) (ExecResult, error) {
	client, err := s.getClient()
	if err != nil {
		return ExecResult{}, fmt.Errorf("ssh connect: %w", err)
	}

	sess, err := client.NewSession()
	if err != nil {
		s.dropClient(client)
		return ExecResult{}, fmt.Errorf("ssh session: %w", err)
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return ExecResult{}, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return ExecResult{}, err
	}

	output := make(chan string, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pump(stdout, output) }()
	go func() { defer wg.Done(); pump(stderr, output) }()
	go func() { wg.Wait(); close(output) }()

	if err := sess.Start(command); err != nil {
		return ExecResult{}, fmt.Errorf("ssh start: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Wait() }()

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
				// Output drained; wait for the exit status.
				err := <-runErr
				return finishRemote(collected.String(), err)
			}
			stall.Reset(stallAfter)
			collected.WriteString(text)
			onChunk(text)

		case <-stall.C:
			onChunk(StallMarker)
			stall.Reset(stallAfter)

		case <-timeoutCh:
			sess.Signal(ssh.SIGTERM)
			time.AfterFunc(killGrace, func() { sess.Signal(ssh.SIGKILL) })
			return ExecResult{Output: collected.String(), TimedOut: true}, nil

		case <-ctx.Done():
			sess.Signal(ssh.SIGTERM)
			time.AfterFunc(killGrace, func() { sess.Signal(ssh.SIGKILL) })
			return ExecResult{Output: collected.String()}, ctx.Err()
		}
	}
}

func finishRemote(output string, err error) (ExecResult, error) {
	if err == nil {
		zero := 0
		return ExecResult{Output: output, ExitCode: &zero}, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitStatus()
		return ExecResult{Output: output, ExitCode: &code}, nil
	}
	return ExecResult{Output: output}, fmt.Errorf("%s: %v", CommandErrorMarker, err)
}

func (s *sshSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
