//go:build unix

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in a new process group so that signals
// reach everything the shell spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

// groupAlive reports whether any member of the process group remains.
func groupAlive(p *os.Process) bool {
	return p != nil && syscall.Kill(-p.Pid, 0) == nil
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
