// Package fileops implements file view/create/replace/remove for local and
// remote paths. Inputs pass through the vault's restore before touching a
// filesystem; outputs are redacted on the way back. Remove never deletes:
// targets move into a per-session backup directory.
package fileops

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stakpak/agentd/internal/vault"
)

// ErrInvalidPath is returned for malformed or relative remote paths.
var ErrInvalidPath = errors.New("invalid path")

// MaxViewLines caps how many numbered lines view returns.
const MaxViewLines = 300

// Ops is the file-operations service.
type Ops struct {
	vault      *vault.Vault
	backupRoot string
	remote     RemoteRunner
}

// RemoteRunner executes a command on a remote host and returns its output.
// The shell pool satisfies this.
type RemoteRunner interface {
	RunRemote(conn, command string) (string, error)
}

// New creates the service. backupRoot is where removed files land
// (e.g. ~/.stakpak/session/backups).
func New(v *vault.Vault, backupRoot string, remote RemoteRunner) *Ops {
	return &Ops{vault: v, backupRoot: backupRoot, remote: remote}
}

// Location is a parsed path: local, or remote with its connection string.
type Location struct {
	Conn string // empty for local paths
	Path string
}

// Remote reports whether the location is on another host.
func (l Location) Remote() bool { return l.Conn != "" }

// ParsePath accepts plain local paths, `user@host[:port]:/abs/path`, and
// `ssh://user@host[:port]/abs/path`. Remote paths must be absolute.
func ParsePath(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	if after, ok := strings.CutPrefix(raw, "ssh://"); ok {
		slash := strings.Index(after, "/")
		if slash < 0 {
			return Location{}, fmt.Errorf("%w: %q has no path component", ErrInvalidPath, raw)
		}
		conn, path := after[:slash], after[slash:]
		if !strings.Contains(conn, "@") {
			return Location{}, fmt.Errorf("%w: %q missing user", ErrInvalidPath, raw)
		}
		return Location{Conn: conn, Path: path}, nil
	}

	// user@host[:port]:/abs/path — the last colon before a slash splits
	// connection from path.
	if at := strings.Index(raw, "@"); at > 0 && !strings.ContainsAny(raw[:at], "/ ") {
		rest := raw[at+1:]
		if colon := strings.LastIndex(rest, ":"); colon > 0 {
			path := rest[colon+1:]
			conn := raw[:at+1+colon]
			// `user@host:22:/path` keeps the port on the conn side.
			if !strings.HasPrefix(path, "/") {
				return Location{}, fmt.Errorf("%w: remote path %q must be absolute", ErrInvalidPath, raw)
			}
			return Location{Conn: conn, Path: path}, nil
		}
		return Location{}, fmt.Errorf("%w: %q has no path component", ErrInvalidPath, raw)
	}

	return Location{Path: raw}, nil
}

// redactOut runs text through the vault before returning it to callers.
func (o *Ops) redactOut(text string) string {
	redacted, _ := o.vault.Redact(text, "", false)
	return redacted
}

// shellQuote wraps s in single quotes for safe remote interpolation.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
