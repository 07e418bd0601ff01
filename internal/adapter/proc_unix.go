//go:build !windows

package adapter

import (
	"os/exec"
	"syscall"
)

// setProcessGroup runs cmd in its own process group and, for commands
// created with a context, makes cancellation SIGKILL the whole group so
// children of the CLI cannot keep its pipes open.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if cmd.Cancel == nil {
		return
	}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
