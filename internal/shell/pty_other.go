//go:build !unix

package shell

import (
	"errors"
	"os"
	"os/exec"
)

// startWithPTY is unavailable here; callers fall back to piped stdio.
func startWithPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("pty not supported on this platform")
}
