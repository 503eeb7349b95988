//go:build windows

package agent

import (
	"os/exec"
	"time"
)

// setProcGroup is a no-op for process groups on Windows; the default Cancel
// (Process.Kill) terminates the direct child only. WaitDelay still bounds
// how long Wait blocks on inherited pipe handles.
func setProcGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 5 * time.Second
}
