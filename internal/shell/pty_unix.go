//go:build unix

package shell

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startWithPTY starts cmd attached to a pseudo-terminal.
func startWithPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
}
