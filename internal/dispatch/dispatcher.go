// Package dispatch implements the Request Dispatcher (spec.md §4.9, C9): the
// operation table routing wire requests to the Pattern Scanner through
// Terminal Manager components, strict unknown-field argument validation,
// and the error-taxonomy boundary of spec.md §7. It is adapted from the
// teacher's internal/transport/server.go route table (HTTP handlers here
// become entries in a name → handler map) and internal/ws/protocol.go's
// Envelope{Type} discriminator (generalized to this transport's four line
// kinds in envelope.go).
package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/outputstore"
	"github.com/shellmcp/shellmcp/internal/process"
	"github.com/shellmcp/shellmcp/internal/safety"
	"github.com/shellmcp/shellmcp/internal/terminal"
)

// Server holds the constructed C1/C6/C7/C8 components and the mutable
// runtime configuration the security/workdir operations adjust. Every
// dependency is passed in at construction (DESIGN NOTES §9): Server never
// reaches back into a global or mutates a collaborator's internals.
type Server struct {
	restrictions *config.RestrictionsStore
	outputs      *outputstore.Store
	safetyEval   *safety.Evaluator
	proc         *process.Manager
	term         *terminal.Manager

	mu             sync.Mutex
	defaultWorkdir string
	disabledTools  map[string]bool
}

// NewServer builds the dispatcher over its already-constructed collaborators.
func NewServer(restrictions *config.RestrictionsStore, outputs *outputstore.Store, safetyEval *safety.Evaluator, proc *process.Manager, term *terminal.Manager, defaultWorkdir string, disabledTools map[string]bool) *Server {
	if disabledTools == nil {
		disabledTools = make(map[string]bool)
	}
	return &Server{
		restrictions:   restrictions,
		outputs:        outputs,
		safetyEval:     safetyEval,
		proc:           proc,
		term:           term,
		defaultWorkdir: defaultWorkdir,
		disabledTools:  disabledTools,
	}
}

// Dispatch routes one operation to its handler, decoding rawArgs with
// strict unknown-field rejection (spec.md §4.9: "unknown fields are
// rejected with an invalid-argument error").
func (s *Server) Dispatch(ctx context.Context, operation string, rawArgs json.RawMessage) (any, *Error) {
	if s.disabledTools[operation] {
		return nil, newError(KindInvalidArgument, "operation %q is disabled", operation)
	}

	switch operation {
	case OpShellExecute:
		return s.handleShellExecute(ctx, rawArgs)
	case OpProcessGetExecution:
		return s.handleProcessGetExecution(rawArgs)
	case OpProcessList:
		return s.handleProcessList(rawArgs)
	case OpProcessTerminate:
		return s.handleProcessTerminate(rawArgs)
	case OpShellSetDefaultWorkdir:
		return s.handleShellSetDefaultWorkdir(rawArgs)
	case OpTerminalOperate:
		return s.handleTerminalOperate(rawArgs)
	case OpTerminalList:
		return s.handleTerminalList(rawArgs)
	case OpTerminalGetInfo:
		return s.handleTerminalGetInfo(rawArgs)
	case OpListExecutionOutputs:
		return s.handleListExecutionOutputs(rawArgs)
	case OpReadExecutionOutput:
		return s.handleReadExecutionOutput(rawArgs)
	case OpDeleteExecutionOutputs:
		return s.handleDeleteExecutionOutputs(rawArgs)
	case OpSecuritySetRestrictions:
		return s.handleSecuritySetRestrictions(rawArgs)
	default:
		return nil, newError(KindInvalidArgument, "unknown operation %q", operation)
	}
}

// decodeStrict unmarshals raw into dst, rejecting unrecognized fields
// (spec.md §4.9).
func decodeStrict(raw json.RawMessage, dst any) *Error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return newError(KindInvalidArgument, "malformed arguments: %v", err)
	}
	return nil
}

// --- shell_execute ---

func (s *Server) handleShellExecute(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var args shellExecuteArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	if args.Command == "" {
		return nil, newError(KindInvalidArgument, "command is required")
	}

	mode := args.ExecutionMode
	if mode == "" {
		mode = string(process.ModeAdaptive)
	}

	workdir := args.WorkingDirectory
	if workdir == "" {
		s.mu.Lock()
		workdir = s.defaultWorkdir
		s.mu.Unlock()
	}

	correlationID := newCorrelationID()
	verdict := s.safetyEval.Evaluate(ctx, safety.Request{
		CorrelationID:    correlationID,
		Command:          args.Command,
		WorkingDirectory: workdir,
		OptionalComment:  args.Comment,
	})
	defer s.safetyEval.ForgetCorrelation(correlationID)

	switch verdict.Outcome {
	case safety.OutcomeRefuse:
		return nil, withDetails(newError(KindSafetyRefusal, "%s", verdict.Reasoning), map[string]any{
			"detected_patterns":    verdict.DetectedPatterns,
			"suggested_alternatives": verdict.SuggestedAlts,
		})
	case safety.OutcomeAssistantConfirm:
		return nil, withDetails(newError(KindSafetyRefusal, "%s", verdict.Reasoning), map[string]any{
			"required_context": verdict.RequiredContext,
		})
	}

	req := process.ExecuteRequest{
		Command:                  args.Command,
		Mode:                     process.Mode(mode),
		WorkingDirectory:         workdir,
		Environment:              args.EnvironmentVariables,
		TimeoutSeconds:           intOr(args.TimeoutSeconds, 30),
		ForegroundTimeoutSeconds: args.ForegroundTimeoutSeconds,
		MaxOutputSize:            args.MaxOutputSize,
		InputOutputID:            args.InputOutputID,
		InputData:                args.InputData,
		ReturnPartialOnTimeout:   boolOr(args.ReturnPartialOnTimeout, true),
		CaptureStderr:            boolOr(args.CaptureStderr, true),
	}

	rec, runErr := s.proc.Execute(ctx, req)
	if runErr != nil {
		switch runErr {
		case process.ErrConcurrencyLimit:
			return nil, newError(KindResourceLimit, "max_concurrent_processes reached")
		case process.ErrWorkdirNotAllowed:
			return nil, newError(KindPolicyViolation, "working directory %q is not allowed", workdir)
		case process.ErrCommandNotAllowed:
			return nil, newError(KindPolicyViolation, "disallowed command in restrictive mode")
		}
		// A timed-out record with return_partial_on_timeout disabled is
		// reported as a timeout error; a failed record still carries a
		// usable result even though Execute also returned an error.
		if rec.Status == process.StatusTimeout {
			return nil, withDetails(newError(KindTimeout, "%v", runErr), map[string]any{
				"execution_id": rec.ExecutionID,
			})
		}
		if rec.Status != process.StatusFailed {
			return nil, newError(KindExecutionFailure, "%v", runErr)
		}
	}

	result := toExecutionResult(rec)
	if args.CreateTerminal && s.term != nil && result.TerminalID == "" {
		cols, rows := 80, 24
		if args.TerminalDimensions != nil {
			cols, rows = args.TerminalDimensions.Width, args.TerminalDimensions.Height
		}
		shell := terminal.ShellKind(args.TerminalShell)
		if shell == "" {
			shell = terminal.ShellSh
		}
		if snap, err := s.term.Create(shell, cols, rows, terminal.CreateOptions{
			WorkingDirectory: workdir,
			Environment:      args.EnvironmentVariables,
		}); err == nil {
			result.TerminalID = snap.ID
			_ = s.proc.AttachTerminal(rec.ExecutionID, snap.ID)
		}
	}

	return result, nil
}

func toExecutionResult(rec process.Record) executionResult {
	return executionResult{
		ExecutionID:      rec.ExecutionID,
		Command:          rec.Command,
		ExecutionMode:    string(rec.Mode),
		Status:           string(rec.Status),
		ExitCode:         rec.ExitCode,
		WorkingDirectory: rec.WorkingDirectory,
		Environment:      rec.Environment,
		Stdout:           rec.StdoutSnippet,
		Stderr:           rec.StderrSnippet,
		OutputTruncated:  rec.OutputTruncated,
		OutputID:         rec.OutputID,
		TerminalID:       rec.TerminalID,
		TransitionReason: string(rec.TransitionReason),
		CreatedAt:        rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExecutionTimeMS:  rec.ElapsedTime.Milliseconds(),
	}
}

// --- process_get_execution / process_list / process_terminate ---

func (s *Server) handleProcessGetExecution(raw json.RawMessage) (any, *Error) {
	var args processGetExecutionArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	rec, err := s.proc.Get(args.ExecutionID)
	if err != nil {
		return nil, newError(KindResourceNotFound, "execution %q not found", args.ExecutionID)
	}
	return toExecutionResult(rec), nil
}

func (s *Server) handleProcessList(raw json.RawMessage) (any, *Error) {
	var args processListArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 50
	}
	recs := s.proc.List(process.ListFilter{
		Status: process.Status(args.StatusFilter),
		Limit:  0, // filter by command_pattern/offset below; List applies only status/mode
	})

	var filtered []process.Record
	for _, r := range recs {
		if args.CommandPattern != "" && !matchCommandPattern(r.Command, args.CommandPattern) {
			continue
		}
		if args.SessionID != "" && r.TerminalID != args.SessionID {
			continue
		}
		filtered = append(filtered, r)
	}

	total := len(filtered)
	if args.Offset > 0 && args.Offset < len(filtered) {
		filtered = filtered[args.Offset:]
	} else if args.Offset >= len(filtered) {
		filtered = nil
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	out := make([]executionResult, len(filtered))
	for i, r := range filtered {
		out[i] = toExecutionResult(r)
	}
	return processListResult{Executions: out, TotalCount: total}, nil
}

func matchCommandPattern(command, pattern string) bool {
	ok, err := filepath.Match(pattern, command)
	return err == nil && ok
}

func (s *Server) handleProcessTerminate(raw json.RawMessage) (any, *Error) {
	var args processTerminateArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	sig := args.Signal
	if sig == "" {
		sig = "TERM"
	}
	sysSig, sigErr := signalFor(sig)
	if sigErr != nil {
		return nil, newError(KindInvalidArgument, "%v", sigErr)
	}

	if err := s.proc.Terminate(args.ProcessID, sysSig, args.Force); err != nil {
		return nil, newError(KindResourceNotFound, "execution %q not found", args.ProcessID)
	}
	signalSent := sig
	if args.Force {
		signalSent = "KILL"
	}
	return processTerminateResult{Success: true, SignalSent: signalSent, Message: "signal sent"}, nil
}

// --- shell_set_default_workdir ---

func (s *Server) handleShellSetDefaultWorkdir(raw json.RawMessage) (any, *Error) {
	var args shellSetDefaultWorkdirArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	if args.WorkingDirectory == "" {
		return nil, newError(KindInvalidArgument, "working_directory is required")
	}
	s.mu.Lock()
	previous := s.defaultWorkdir
	s.defaultWorkdir = args.WorkingDirectory
	s.mu.Unlock()

	return shellSetDefaultWorkdirResult{
		Success:  true,
		Previous: previous,
		New:      args.WorkingDirectory,
		Changed:  previous != args.WorkingDirectory,
	}, nil
}

// --- terminal_operate / terminal_list / terminal_get_info ---

func toSnapshotResult(snap terminal.Snapshot) terminalSnapshotResult {
	return terminalSnapshotResult{
		TerminalID:         snap.ID,
		Shell:              string(snap.Shell),
		Dimensions:         Dimensions{Width: snap.Cols, Height: snap.Rows},
		PID:                snap.PID,
		State:              string(snap.State),
		CreatedAt:          snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastActivity:       snap.LastActivity.UTC().Format(time.RFC3339Nano),
		HistoryTail:        snap.HistoryTail,
		TranscriptOutputID: snap.TranscriptOutputID,
	}
}

func toForegroundResult(fg *terminal.ForegroundProcess) *foregroundProcessResult {
	if fg == nil {
		return nil
	}
	return &foregroundProcessResult{PID: fg.PID, ExecutablePath: fg.ExecutablePath, IsSessionLeader: fg.IsSessionLeader}
}

func inputChannel(args terminalOperateArgs) terminal.Channel {
	switch {
	case args.ControlCodes:
		return terminal.ChannelControlCodes
	case args.RawBytes:
		return terminal.ChannelRawBytes
	default:
		return terminal.ChannelPlain
	}
}

func (s *Server) handleTerminalOperate(raw json.RawMessage) (any, *Error) {
	var args terminalOperateArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}

	switch args.Operation {
	case "create":
		cols, rows := 80, 24
		if args.Dimensions != nil {
			cols, rows = args.Dimensions.Width, args.Dimensions.Height
		}
		shell := terminal.ShellKind(args.ShellType)
		if shell == "" {
			shell = terminal.ShellBash
		}
		snap, err := s.term.Create(shell, cols, rows, terminal.CreateOptions{
			WorkingDirectory: args.WorkingDirectory,
			Environment:      args.EnvironmentVariables,
		})
		if err != nil {
			if err == terminal.ErrTooManyTerminals {
				return nil, newError(KindResourceLimit, "max_terminals reached")
			}
			return nil, newError(KindExecutionFailure, "%v", err)
		}
		snapResult := toSnapshotResult(snap)
		return terminalOperateResult{TerminalID: snap.ID, Success: true, Snapshot: &snapResult}, nil

	case "input":
		res, err := s.term.Operate(terminal.OperateRequest{
			TerminalID: args.TerminalID,
			Channel:    inputChannel(args),
			Text:       args.Input,
			Execute:    args.Execute,
			ForceInput: args.ForceInput,
			SendTo:     args.SendTo,
		})
		if err != nil {
			return nil, terminalOpError(err)
		}
		return terminalOperateResult{
			TerminalID:        args.TerminalID,
			GuardPassed:       res.GuardPassed,
			ForegroundProcess: toForegroundResult(res.ForegroundProcess),
			Success:           true,
		}, nil

	case "output":
		res, err := s.term.Get(terminal.GetRequest{
			TerminalID:               args.TerminalID,
			StartLine:                args.StartLine,
			LineCount:                args.LineCount,
			IncludeANSI:              args.IncludeANSI,
			IncludeForegroundProcess: args.IncludeForegroundProcess,
		})
		if err != nil {
			return nil, terminalOpError(err)
		}
		return terminalOperateResult{
			TerminalID:        args.TerminalID,
			Lines:             res.Lines,
			NextOffset:        res.NextOffset,
			ForegroundProcess: toForegroundResult(res.ForegroundProcess),
			Success:           true,
		}, nil

	case "resize":
		if args.Dimensions == nil {
			return nil, newError(KindInvalidArgument, "dimensions is required for resize")
		}
		if err := s.term.Resize(args.TerminalID, args.Dimensions.Width, args.Dimensions.Height); err != nil {
			return nil, terminalOpError(err)
		}
		return terminalOperateResult{TerminalID: args.TerminalID, Success: true}, nil

	case "close":
		if err := s.term.Close(args.TerminalID); err != nil {
			return nil, terminalOpError(err)
		}
		return terminalOperateResult{TerminalID: args.TerminalID, Success: true}, nil

	default:
		return nil, newError(KindInvalidArgument, "unknown terminal_operate operation %q", args.Operation)
	}
}

func terminalOpError(err error) *Error {
	if err == terminal.ErrNotFound {
		return newError(KindResourceNotFound, "terminal not found")
	}
	if err == terminal.ErrUnreadOutput {
		return newError(KindPolicyViolation, "%v", err)
	}
	return newError(KindExecutionFailure, "%v", err)
}

func (s *Server) handleTerminalList(raw json.RawMessage) (any, *Error) {
	var args terminalListArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	snaps := s.term.List()
	out := make([]terminalSnapshotResult, len(snaps))
	for i, snap := range snaps {
		out[i] = toSnapshotResult(snap)
	}
	return terminalListResult{Terminals: out}, nil
}

func (s *Server) handleTerminalGetInfo(raw json.RawMessage) (any, *Error) {
	var args terminalGetInfoArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	for _, snap := range s.term.List() {
		if snap.ID == args.TerminalID {
			result := toSnapshotResult(snap)
			return result, nil
		}
	}
	return nil, newError(KindResourceNotFound, "terminal %q not found", args.TerminalID)
}

// --- output operations ---

func (s *Server) handleListExecutionOutputs(raw json.RawMessage) (any, *Error) {
	var args listExecutionOutputsArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	files, total := s.outputs.List(outputstore.ListFilter{
		Type:        outputstore.Type(args.OutputType),
		ExecutionID: args.ExecutionID,
		NamePattern: args.NamePattern,
		Limit:       args.Limit,
	})
	out := make([]outputFileResult, len(files))
	for i, f := range files {
		out[i] = outputFileResult{
			OutputID:    f.ID,
			Type:        string(f.Type),
			Name:        f.Name,
			SizeBytes:   f.SizeBytes,
			CreatedAt:   f.CreatedAt.UTC().Format(time.RFC3339Nano),
			ExecutionID: f.ExecutionID,
		}
	}
	return listExecutionOutputsResult{Files: out, TotalCount: total}, nil
}

func (s *Server) handleReadExecutionOutput(raw json.RawMessage) (any, *Error) {
	var args readExecutionOutputArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	if args.OutputID == "" {
		return nil, newError(KindInvalidArgument, "output_id is required")
	}
	if _, ok := s.outputs.Get(args.OutputID); !ok {
		return nil, newError(KindResourceNotFound, "output %q not found", args.OutputID)
	}
	size := args.Size
	if size <= 0 {
		size = 8192
	}
	result, readErr := s.outputs.Read(args.OutputID, args.Offset, size)
	if readErr != nil {
		return nil, newError(KindExecutionFailure, "read output %q: %v", args.OutputID, readErr)
	}
	encoding := args.Encoding
	if encoding == "" {
		encoding = "utf-8"
	}
	return readExecutionOutputResult{
		OutputID:    args.OutputID,
		Content:     string(result.Content),
		Size:        len(result.Content),
		TotalSize:   result.TotalSize,
		IsTruncated: result.IsTruncated,
		Encoding:    encoding,
	}, nil
}

func (s *Server) handleDeleteExecutionOutputs(raw json.RawMessage) (any, *Error) {
	var args deleteExecutionOutputsArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	deleted, failed, delErr := s.outputs.Delete(args.OutputIDs, args.Confirm)
	if delErr != nil {
		return nil, newError(KindInvalidArgument, "%v", delErr)
	}
	return deleteExecutionOutputsResult{Deleted: deleted, Failed: failed, TotalDeleted: len(deleted)}, nil
}

// --- security_set_restrictions ---

func (s *Server) handleSecuritySetRestrictions(raw json.RawMessage) (any, *Error) {
	var args securitySetRestrictionsArgs
	if err := decodeStrict(raw, &args); err != nil {
		return nil, err
	}
	if s.restrictions == nil {
		return nil, newError(KindInvalidArgument, "restrictions store not configured")
	}
	current := s.restrictions.Get()
	updated := current
	if args.SecurityMode != "" {
		updated.SecurityMode = args.SecurityMode
	}
	if args.AllowedCommands != nil {
		updated.AllowedCommands = args.AllowedCommands
	}
	if args.BlockedCommands != nil {
		updated.BlockedCommands = args.BlockedCommands
	}
	if args.AllowedDirectories != nil {
		updated.AllowedDirectories = args.AllowedDirectories
	}
	if args.MaxExecutionTime > 0 {
		updated.MaxExecutionTime = args.MaxExecutionTime
	}
	if args.MaxMemoryMB > 0 {
		updated.MaxMemoryMB = args.MaxMemoryMB
	}
	if args.EnableNetwork != nil {
		updated.EnableNetwork = *args.EnableNetwork
	}

	if err := s.restrictions.Set(updated); err != nil {
		return nil, newError(KindInvalidArgument, "%v", err)
	}

	return securitySetRestrictionsResult{
		SecurityMode:       updated.SecurityMode,
		AllowedCommands:    updated.AllowedCommands,
		BlockedCommands:    updated.BlockedCommands,
		AllowedDirectories: updated.AllowedDirectories,
		MaxExecutionTime:   updated.MaxExecutionTime,
		MaxMemoryMB:        updated.MaxMemoryMB,
		EnableNetwork:      updated.EnableNetwork,
	}, nil
}

func newCorrelationID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return "attempt_" + hex.EncodeToString(b[:])
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func signalFor(name string) (syscall.Signal, error) {
	switch name {
	case "TERM":
		return syscall.SIGTERM, nil
	case "INT":
		return syscall.SIGINT, nil
	case "KILL":
		return syscall.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unknown signal %q", name)
	}
}
