// Package process implements the Process Manager (spec.md §4.7, C7): the
// execution state machine driving child processes through foreground,
// adaptive, background, and detached modes.
package process

import "time"

// Mode is one of the four execution modes (spec.md §3 "Execution Record").
type Mode string

const (
	ModeForeground Mode = "foreground"
	ModeAdaptive   Mode = "adaptive"
	ModeBackground Mode = "background"
	ModeDetached   Mode = "detached"
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// TransitionReason explains why an adaptive execution crossed into
// background.
type TransitionReason string

const (
	TransitionForegroundTimeout TransitionReason = "foreground_timeout"
	TransitionOutputSizeLimit   TransitionReason = "output_size_limit"
)

// Record is the Execution Record of spec.md §3. Status transitions are
// owned exclusively by the Manager; once in {completed, failed, timeout} a
// Record is never reopened.
type Record struct {
	ExecutionID      string
	Command          string
	Mode             Mode
	Status           Status
	ExitCode         *int
	WorkingDirectory string
	Environment      map[string]string
	StdoutSnippet    string
	StderrSnippet    string
	OutputTruncated  bool
	OutputID         string
	TerminalID       string
	TransitionReason TransitionReason
	CreatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	ElapsedTime      time.Duration
	PID              int
}

// Snapshot returns a shallow copy safe to hand to callers outside the
// manager's lock (DESIGN NOTES §9: callers never get a live pointer into
// manager-owned state).
func (r *Record) Snapshot() Record {
	cp := *r
	cp.Environment = make(map[string]string, len(r.Environment))
	for k, v := range r.Environment {
		cp.Environment[k] = v
	}
	return cp
}

// ExecuteRequest is what the dispatcher hands the manager after safety
// admission.
type ExecuteRequest struct {
	Command          string
	Mode             Mode
	WorkingDirectory string // empty uses the configured default
	Environment      map[string]string
	TimeoutSeconds   int  // 0 uses the configured default
	ReturnPartialOnTimeout bool
	InputOutputID    string // references a prior Output Store entry, streamed as stdin
	InputData        string // literal stdin content, used when InputOutputID is empty

	// Per-request overrides of manager-wide defaults (spec.md §6
	// shell_execute arguments foreground_timeout_seconds / max_output_size).
	// Zero means "use the manager's configured default".
	ForegroundTimeoutSeconds int
	MaxOutputSize            int64

	// CaptureStderr controls whether the child's stderr is captured into
	// StderrSnippet/the persisted output. True by default; set false for
	// commands whose caller only wants stdout (spec.md §6 shell_execute
	// argument capture_stderr).
	CaptureStderr bool
}

// inheritedEnvWhitelist is the small set of variables merged from the
// manager's own environment into every child (spec.md §4.7).
var inheritedEnvWhitelist = []string{"PATH", "HOME", "USER", "SHELL", "TERM", "LANG", "TZ"}
