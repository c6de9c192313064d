package terminal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// foregroundProcess reads the session's current foreground process group
// via the PTY's controlling-terminal ioctl, then resolves its executable
// path through /proc — the same best-effort OS-introspection style as the
// teacher's startupWatchdog diagnostics (ps/pgrep/lsof shell-outs),
// narrowed here to the single ioctl+/proc lookup the program guard needs.
// ok is false when the foreground process cannot be determined.
func foregroundProcess(sess *Session) (fg ForegroundProcess, ok bool) {
	sess.mu.Lock()
	ptmx := sess.ptmx
	sessionPID := sess.PID
	sess.mu.Unlock()
	if ptmx == nil {
		return ForegroundProcess{}, false
	}

	pgid, err := unix.IoctlGetInt(int(ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil {
		return ForegroundProcess{}, false
	}

	exePath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pgid))
	if err != nil {
		// /proc unavailable (non-Linux) or process already gone.
		return ForegroundProcess{}, false
	}

	return ForegroundProcess{
		PID:             pgid,
		ExecutablePath:  exePath,
		IsSessionLeader: pgid == sessionPID,
	}, true
}

// evaluateGuard implements the send_to guard expressions of spec.md §4.8:
// "*" (any), "pid:<n>" (exact PID), "sessionleader:" (must be the session
// leader), a basename (process name match), or an absolute path
// (executable path match). When the foreground process cannot be
// determined, only "*" passes.
func evaluateGuard(expr string, fg ForegroundProcess, ok bool) (bool, error) {
	if expr == "*" {
		return true, nil
	}
	if !ok {
		return false, fmt.Errorf("terminal: program guard: foreground process could not be determined")
	}
	switch {
	case strings.HasPrefix(expr, "pid:"):
		n, err := strconv.Atoi(strings.TrimPrefix(expr, "pid:"))
		if err != nil {
			return false, fmt.Errorf("terminal: invalid guard expression %q: %w", expr, err)
		}
		return fg.PID == n, nil
	case expr == "sessionleader:":
		return fg.IsSessionLeader, nil
	case filepath.IsAbs(expr):
		return fg.ExecutablePath == expr, nil
	default:
		return filepath.Base(fg.ExecutablePath) == expr, nil
	}
}
