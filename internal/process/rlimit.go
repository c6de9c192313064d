package process

import (
	"log/slog"
	"runtime"

	"golang.org/x/sys/unix"
)

// applyRlimit enforces max_memory_mb via RLIMIT_AS on the child's address
// space, mirroring the teacher's sandbox post-start rlimit application
// (sandbox.PostStart in internal/egg/server.go). POSIX rlimits are assumed
// per spec.md §1; on non-Linux platforms this is advisory-only (logged,
// not enforced), per DESIGN NOTES open-question decision 4.
func applyRlimit(pid int, maxMemoryMB int, logger *slog.Logger) {
	if maxMemoryMB <= 0 {
		return
	}
	if runtime.GOOS != "linux" {
		if logger != nil {
			logger.Debug("process: max_memory_mb is advisory-only on this platform", "goos", runtime.GOOS, "pid", pid)
		}
		return
	}
	bytes := uint64(maxMemoryMB) * 1024 * 1024
	rlimit := unix.Rlimit{Cur: bytes, Max: bytes}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rlimit, nil); err != nil {
		if logger != nil {
			logger.Warn("process: failed to apply RLIMIT_AS", "pid", pid, "error", err)
		}
	}
}
