//go:build unix

// ABOUTME: Process group handling for unix platforms
// ABOUTME: Commands run in their own group so a kill reaches every descendant

package executor

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// negative pid signals the whole group
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
