//go:build windows

package cli

import (
	"os"
	"os/exec"
)

// setSysProcAttr is a no-op on Windows. For production deployments, use a
// Windows service wrapper such as NSSM and run serve in the foreground.
func setSysProcAttr(cmd *exec.Cmd) {}

// isProcessRunning reports whether a process with the given PID exists.
// FindProcess opens a handle on Windows and fails for unknown PIDs.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}

// stopProcess kills the process on Windows (no graceful SIGTERM support).
// Statistics not yet flushed stay in the TTL store and are merged by the
// next flush.
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
