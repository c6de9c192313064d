// Package terminal implements the Terminal Manager (spec.md §4.8, C8): PTY
// session lifecycle, a bounded output buffer, control-code/raw-byte input
// decoding, and the program-guard process-identity check.
package terminal

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// ShellKind is a requested shell binary (spec.md §3 "Terminal Session").
type ShellKind string

const (
	ShellBash       ShellKind = "bash"
	ShellZsh        ShellKind = "zsh"
	ShellFish       ShellKind = "fish"
	ShellSh         ShellKind = "sh"
	ShellPowerShell ShellKind = "powershell"
	ShellCmd        ShellKind = "cmd"
)

// State is a Terminal Session's lifecycle state.
type State string

const (
	StateActive State = "active"
	StateIdle   State = "idle"
	StateClosed State = "closed"
)

// ForegroundProcess is the advisory, best-effort descriptor of a session's
// current foreground process (spec.md §3).
type ForegroundProcess struct {
	PID             int
	ExecutablePath  string
	IsSessionLeader bool
}

// Session is the Terminal Session of spec.md §3. All mutable fields are
// guarded by mu; callers only ever see Snapshot copies.
type Session struct {
	mu sync.Mutex

	ID           string
	Shell        ShellKind
	Cols, Rows   int
	PID          int
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	ClosedAt     time.Time

	history []string

	// lastReadOffset is the cursor into the ring's monotonic line count as
	// of the last successful Get (DESIGN NOTES open-question 1): "unread"
	// is counted from here, and a partial read still advances it to what
	// was actually returned.
	lastReadOffset int

	ptmx *os.File
	ring *outputRing
	cmd  *exec.Cmd

	// transcriptOutputID, once set, is the Output Store id under which the
	// session's full transcript was registered at Close (spec.md §4.8
	// session teardown).
	transcriptOutputID string
}

// Snapshot is the read-only view of a Session handed to callers.
type Snapshot struct {
	ID                 string
	Shell              ShellKind
	Cols, Rows         int
	PID                int
	State              State
	CreatedAt          time.Time
	LastActivity       time.Time
	HistoryTail        []string
	TranscriptOutputID string
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]string, len(s.history))
	copy(hist, s.history)
	return Snapshot{
		ID: s.ID, Shell: s.Shell, Cols: s.Cols, Rows: s.Rows, PID: s.PID,
		State: s.State, CreatedAt: s.CreatedAt, LastActivity: s.LastActivity,
		HistoryTail: hist, TranscriptOutputID: s.transcriptOutputID,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	if s.State == StateIdle {
		s.State = StateActive
	}
	s.mu.Unlock()
}
