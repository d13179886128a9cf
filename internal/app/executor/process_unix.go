//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// isolate puts the child in its own process group and makes context
// cancellation kill the whole group, so driver helpers spawned by the
// command do not outlive it.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
