//go:build !unix

package clitest

import (
	"errors"
	"os"
	"os/exec"
)

func isolate(*exec.Cmd) {}

// signalGroup kills the process; there is no graceful signal here.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
