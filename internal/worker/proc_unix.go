//go:build !windows

package worker

import (
	"os"
	"os/exec"
)

func hideWindow(*exec.Cmd) {}

func interrupt(p *os.Process) error { return p.Signal(os.Interrupt) }
