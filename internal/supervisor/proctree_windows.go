//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"time"
)

// processTree returns just the root pid; descendant discovery relies on
// procfs and is unix-only.
func processTree(pid int) []int {
	if pid <= 0 {
		return nil
	}
	return []int{pid}
}

// terminateTree force-kills the pids; Windows has no graceful signal.
func terminateTree(pids []int, grace time.Duration) {
	_ = grace
	for _, pid := range pids {
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Kill()
		}
	}
}

func detachProc(cmd *exec.Cmd) {}
