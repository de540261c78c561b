//go:build unix

package clitest

import (
	"errors"
	"os/exec"
	"syscall"
)

// isolate puts the child in a new process group so that signals reach
// everything it spawns.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM, or SIGKILL when forcibly is set, to the process
// group led by cmd.
func signalGroup(cmd *exec.Cmd, forcibly bool) error {
	sig := syscall.SIGTERM
	if forcibly {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
