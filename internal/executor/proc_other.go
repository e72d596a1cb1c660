//go:build !unix

// ABOUTME: Process handling for platforms without process groups
// ABOUTME: Falls back to killing only the shell process

package executor

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
