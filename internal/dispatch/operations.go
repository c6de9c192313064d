package dispatch

// Operation names, authoritative per spec.md §4.9/§6.
const (
	OpShellExecute            = "shell_execute"
	OpProcessGetExecution     = "process_get_execution"
	OpProcessList             = "process_list"
	OpProcessTerminate        = "process_terminate"
	OpShellSetDefaultWorkdir  = "shell_set_default_workdir"
	OpTerminalOperate         = "terminal_operate"
	OpTerminalList            = "terminal_list"
	OpTerminalGetInfo         = "terminal_get_info"
	OpListExecutionOutputs    = "list_execution_outputs"
	OpReadExecutionOutput     = "read_execution_output"
	OpDeleteExecutionOutputs  = "delete_execution_outputs"
	OpSecuritySetRestrictions = "security_set_restrictions"
)

// allOperations is the full operation surface. Nothing reads it: Dispatch
// routes by its own switch and MCP_DISABLED_TOOLS entries are not checked
// against it.
var allOperations = []string{
	OpShellExecute, OpProcessGetExecution, OpProcessList, OpProcessTerminate,
	OpShellSetDefaultWorkdir, OpTerminalOperate, OpTerminalList, OpTerminalGetInfo,
	OpListExecutionOutputs, OpReadExecutionOutput, OpDeleteExecutionOutputs,
	OpSecuritySetRestrictions,
}

// Dimensions is the wire shape for terminal/window sizes.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// --- shell_execute ---

type shellExecuteArgs struct {
	Command                  string            `json:"command"`
	ExecutionMode            string            `json:"execution_mode"`
	WorkingDirectory         string            `json:"working_directory"`
	EnvironmentVariables     map[string]string `json:"environment_variables"`
	InputData                string            `json:"input_data"`
	InputOutputID            string            `json:"input_output_id"`
	TimeoutSeconds           int               `json:"timeout_seconds"`
	ForegroundTimeoutSeconds int               `json:"foreground_timeout_seconds"`
	MaxOutputSize            int64             `json:"max_output_size"`
	CaptureStderr            *bool             `json:"capture_stderr"`
	ReturnPartialOnTimeout   *bool             `json:"return_partial_on_timeout"`
	CreateTerminal           bool              `json:"create_terminal"`
	TerminalShell            string            `json:"terminal_shell"`
	TerminalDimensions       *Dimensions        `json:"terminal_dimensions"`
	Comment                  string            `json:"comment"`
}

// executionResult is the wire shape of an Execution Record (spec.md §3).
type executionResult struct {
	ExecutionID      string            `json:"execution_id"`
	Command          string            `json:"command"`
	ExecutionMode    string            `json:"execution_mode"`
	Status           string            `json:"status"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	WorkingDirectory string            `json:"working_directory"`
	Environment      map[string]string `json:"environment_variables,omitempty"`
	Stdout           string            `json:"stdout"`
	Stderr           string            `json:"stderr"`
	OutputTruncated  bool              `json:"output_truncated"`
	OutputID         string            `json:"output_id,omitempty"`
	TerminalID       string            `json:"terminal_id,omitempty"`
	TransitionReason string            `json:"transition_reason,omitempty"`
	CreatedAt        string            `json:"created_at"`
	ExecutionTimeMS  int64             `json:"execution_time_ms"`
}

// --- process_get_execution / process_list / process_terminate ---

type processGetExecutionArgs struct {
	ExecutionID string `json:"execution_id"`
}

type processListArgs struct {
	StatusFilter   string `json:"status_filter"`
	CommandPattern string `json:"command_pattern"`
	// SessionID filters to executions whose shell_execute call attached a
	// terminal (Record.TerminalID), i.e. the originating PTY session.
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

type processListResult struct {
	Executions []executionResult `json:"executions"`
	TotalCount int                `json:"total_count"`
}

type processTerminateArgs struct {
	ProcessID string `json:"process_id"`
	Signal    string `json:"signal"`
	Force     bool   `json:"force"`
}

type processTerminateResult struct {
	Success    bool   `json:"success"`
	SignalSent string `json:"signal_sent"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Message    string `json:"message"`
}

// --- shell_set_default_workdir ---

type shellSetDefaultWorkdirArgs struct {
	WorkingDirectory string `json:"working_directory"`
}

type shellSetDefaultWorkdirResult struct {
	Success  bool   `json:"success"`
	Previous string `json:"previous"`
	New      string `json:"new"`
	Changed  bool   `json:"changed"`
}

// --- terminal_operate ---

type terminalOperateArgs struct {
	Operation            string            `json:"operation"`
	TerminalID           string            `json:"terminal_id"`
	ShellType            string            `json:"shell_type"`
	Dimensions           *Dimensions       `json:"dimensions"`
	WorkingDirectory     string            `json:"working_directory"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
	Input                string            `json:"input"`
	Execute              bool              `json:"execute"`
	ControlCodes         bool              `json:"control_codes"`
	RawBytes             bool              `json:"raw_bytes"`
	SendTo               string            `json:"send_to"`
	ForceInput           bool              `json:"force_input"`
	StartLine            int               `json:"start_line"`
	LineCount            int               `json:"line_count"`
	IncludeANSI          bool              `json:"include_ansi"`
	IncludeForegroundProcess bool          `json:"include_foreground_process"`
	SaveHistory          bool              `json:"save_history"`
}

type foregroundProcessResult struct {
	PID             int    `json:"pid"`
	ExecutablePath  string `json:"executable_path"`
	IsSessionLeader bool   `json:"is_session_leader"`
}

type terminalSnapshotResult struct {
	TerminalID         string   `json:"terminal_id"`
	Shell              string   `json:"shell"`
	Dimensions         Dimensions `json:"dimensions"`
	PID                int      `json:"pid"`
	State              string   `json:"state"`
	CreatedAt          string   `json:"created_at"`
	LastActivity       string   `json:"last_activity"`
	HistoryTail        []string `json:"history_tail,omitempty"`
	TranscriptOutputID string   `json:"transcript_output_id,omitempty"`
}

type terminalOperateResult struct {
	TerminalID        string                   `json:"terminal_id,omitempty"`
	GuardPassed       bool                     `json:"guard_passed,omitempty"`
	ForegroundProcess *foregroundProcessResult `json:"foreground_process,omitempty"`
	Lines             []string                 `json:"lines,omitempty"`
	NextOffset        int                      `json:"next_offset,omitempty"`
	Success           bool                     `json:"success,omitempty"`
	Snapshot          *terminalSnapshotResult  `json:"snapshot,omitempty"`
}

type terminalListArgs struct{}

type terminalListResult struct {
	Terminals []terminalSnapshotResult `json:"terminals"`
}

type terminalGetInfoArgs struct {
	TerminalID string `json:"terminal_id"`
}

// --- output operations ---

type listExecutionOutputsArgs struct {
	OutputType  string `json:"output_type"`
	ExecutionID string `json:"execution_id"`
	NamePattern string `json:"name_pattern"`
	Limit       int    `json:"limit"`
}

type outputFileResult struct {
	OutputID    string `json:"output_id"`
	Type        string `json:"output_type"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	CreatedAt   string `json:"created_at"`
	ExecutionID string `json:"execution_id,omitempty"`
}

type listExecutionOutputsResult struct {
	Files      []outputFileResult `json:"files"`
	TotalCount int                `json:"total_count"`
}

type readExecutionOutputArgs struct {
	OutputID string `json:"output_id"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding"`
}

type readExecutionOutputResult struct {
	OutputID    string `json:"output_id"`
	Content     string `json:"content"`
	Size        int    `json:"size"`
	TotalSize   int64  `json:"total_size"`
	IsTruncated bool   `json:"is_truncated"`
	Encoding    string `json:"encoding"`
}

type deleteExecutionOutputsArgs struct {
	OutputIDs []string `json:"output_ids"`
	Confirm   bool     `json:"confirm"`
}

type deleteExecutionOutputsResult struct {
	Deleted      []string          `json:"deleted"`
	Failed       map[string]string `json:"failed,omitempty"`
	TotalDeleted int               `json:"total_deleted"`
}

// --- security_set_restrictions ---

type securitySetRestrictionsArgs struct {
	SecurityMode      string   `json:"security_mode"`
	AllowedCommands   []string `json:"allowed_commands"`
	BlockedCommands   []string `json:"blocked_commands"`
	AllowedDirectories []string `json:"allowed_directories"`
	MaxExecutionTime  int      `json:"max_execution_time"`
	MaxMemoryMB       int      `json:"max_memory_mb"`
	EnableNetwork     *bool    `json:"enable_network"`
}

type securitySetRestrictionsResult struct {
	SecurityMode       string   `json:"security_mode"`
	AllowedCommands    []string `json:"allowed_commands,omitempty"`
	BlockedCommands    []string `json:"blocked_commands,omitempty"`
	AllowedDirectories []string `json:"allowed_directories,omitempty"`
	MaxExecutionTime   int      `json:"max_execution_time"`
	MaxMemoryMB        int      `json:"max_memory_mb"`
	EnableNetwork      bool     `json:"enable_network"`
}
