//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func groupAlive(*os.Process) bool { return false }
