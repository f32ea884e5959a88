//go:build windows

package worker

import (
	"os"
	"os/exec"
	"syscall"
)

func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: 0x08000000}
}

// interrupt cannot deliver SIGINT to a console-less child on Windows.
func interrupt(p *os.Process) error { return p.Kill() }
