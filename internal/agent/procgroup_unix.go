//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcGroup configures cmd to run in its own process group and sets up
// Cancel/WaitDelay so that context cancellation terminates the entire group
// (including grandchildren like test runners and git) rather than only the
// direct child. SIGTERM goes out first; WaitDelay bounds the grace window
// before Go force-kills the process.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Signal the entire process group (negative PID).
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	cmd.WaitDelay = 5 * time.Second
}
