//go:build windows

package installer

import (
	"os"
	"os/exec"
	"syscall"
)

const createNoWindow = 0x08000000

// hideWindow keeps child interpreters from flashing a console window.
func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: createNoWindow}
}

func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
