//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// processTree returns pid plus all its descendants. It walks /proc when
// available and falls back to pgrep.
func processTree(pid int) []int {
	if pid <= 0 {
		return nil
	}
	children := procChildren()
	if children == nil {
		return pgrepTree(pid)
	}

	tree := []int{pid}
	for i := 0; i < len(tree); i++ {
		tree = append(tree, children[tree[i]]...)
	}
	return tree
}

// procChildren builds a parent-to-children map from /proc/<pid>/stat.
// Returns nil when /proc is unreadable.
func procChildren() map[int][]int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	children := make(map[int][]int)
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		raw, err := os.ReadFile("/proc/" + e.Name() + "/stat")
		if err != nil {
			continue
		}
		// The comm field is parenthesized and may contain spaces; the ppid
		// is the second field after the closing paren.
		s := string(raw)
		end := strings.LastIndexByte(s, ')')
		if end < 0 {
			continue
		}
		fields := strings.Fields(s[end+1:])
		if len(fields) < 2 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}
	return children
}

// pgrepTree collects descendants with pgrep -P, breadth first.
func pgrepTree(pid int) []int {
	tree := []int{pid}
	for i := 0; i < len(tree); i++ {
		out, err := exec.Command("pgrep", "-P", strconv.Itoa(tree[i])).Output()
		if err != nil {
			continue
		}
		for _, line := range strings.Fields(string(out)) {
			if child, err := strconv.Atoi(line); err == nil {
				tree = append(tree, child)
			}
		}
	}
	return tree
}

// terminateTree sends SIGTERM to every pid, waits out the grace period, and
// SIGKILLs whatever is still alive.
func terminateTree(pids []int, grace time.Duration) {
	for _, pid := range pids {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(pids) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, pid := range pids {
		if alive(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if alive(pid) {
			return true
		}
	}
	return false
}

// alive probes a pid with signal 0.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// detachProc puts the resumed pipeline in its own session.
func detachProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
