package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/history"
	"github.com/shellmcp/shellmcp/internal/outputstore"
	"github.com/shellmcp/shellmcp/internal/process"
	"github.com/shellmcp/shellmcp/internal/safety"
	"github.com/shellmcp/shellmcp/internal/terminal"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	outputs, err := outputstore.New(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("outputstore.New: %v", err)
	}
	hist, err := history.Open(":memory:", 100)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	restrictions, err := config.NewRestrictionsStore(config.Restrictions{SecurityMode: "moderate"}, "")
	if err != nil {
		t.Fatalf("NewRestrictionsStore: %v", err)
	}

	safetyEval := safety.New(safety.Config{LLMEnabled: false}, nil, nil, hist)
	proc := process.New(process.Config{MaxConcurrent: 4, DefaultTimeoutSeconds: 5}, outputs, restrictions, nil)
	term := terminal.New(terminal.Config{MaxTerminals: 4}, nil, outputs)

	return NewServer(restrictions, outputs, safetyEval, proc, term, t.TempDir(), nil)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestDispatchRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	raw := json.RawMessage(`{"command":"echo hi","bogus_field":true}`)
	_, derr := s.Dispatch(context.Background(), OpShellExecute, raw)
	if derr == nil || derr.Kind != KindInvalidArgument {
		t.Fatalf("expected invalid-argument error, got %+v", derr)
	}
}

func TestDispatchShellExecuteForegroundEcho(t *testing.T) {
	s := newTestServer(t)
	raw := mustJSON(t, shellExecuteArgs{
		Command:       "echo dispatcher-hello",
		ExecutionMode: string(process.ModeForeground),
	})
	result, derr := s.Dispatch(context.Background(), OpShellExecute, raw)
	if derr != nil {
		t.Fatalf("Dispatch: %+v", derr)
	}
	exec, ok := result.(executionResult)
	if !ok {
		t.Fatalf("expected executionResult, got %T", result)
	}
	if exec.Status != string(process.StatusCompleted) {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
}

func TestDispatchUnknownOperation(t *testing.T) {
	s := newTestServer(t)
	_, derr := s.Dispatch(context.Background(), "not_a_real_operation", nil)
	if derr == nil || derr.Kind != KindInvalidArgument {
		t.Fatalf("expected invalid-argument error, got %+v", derr)
	}
}

func TestDispatchDisabledToolRejected(t *testing.T) {
	s := newTestServer(t)
	s.disabledTools[OpShellExecute] = true
	_, derr := s.Dispatch(context.Background(), OpShellExecute, mustJSON(t, shellExecuteArgs{Command: "echo hi"}))
	if derr == nil || derr.Kind != KindInvalidArgument {
		t.Fatalf("expected invalid-argument error for disabled tool, got %+v", derr)
	}
}

func TestDispatchDeleteExecutionOutputsRequiresConfirm(t *testing.T) {
	s := newTestServer(t)
	id, err := s.outputs.Create([]byte("some output"), "exec_test", outputstore.TypeStdout)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	raw := mustJSON(t, deleteExecutionOutputsArgs{OutputIDs: []string{id}, Confirm: false})
	_, derr := s.Dispatch(context.Background(), OpDeleteExecutionOutputs, raw)
	if derr == nil || derr.Kind != KindInvalidArgument {
		t.Fatalf("expected invalid-argument error without confirm, got %+v", derr)
	}
	if _, ok := s.outputs.Get(id); !ok {
		t.Fatalf("output should not have been deleted without confirm")
	}

	raw = mustJSON(t, deleteExecutionOutputsArgs{OutputIDs: []string{id}, Confirm: true})
	result, derr := s.Dispatch(context.Background(), OpDeleteExecutionOutputs, raw)
	if derr != nil {
		t.Fatalf("Dispatch with confirm: %+v", derr)
	}
	deleteResult, ok := result.(deleteExecutionOutputsResult)
	if !ok || deleteResult.TotalDeleted != 1 {
		t.Fatalf("expected one deleted output, got %+v", result)
	}
}

func TestDispatchTerminalCreateAndList(t *testing.T) {
	s := newTestServer(t)
	raw := mustJSON(t, terminalOperateArgs{Operation: "create", ShellType: "sh", Dimensions: &Dimensions{Width: 80, Height: 24}})
	result, derr := s.Dispatch(context.Background(), OpTerminalOperate, raw)
	if derr != nil {
		t.Fatalf("create: %+v", derr)
	}
	created, ok := result.(terminalOperateResult)
	if !ok || created.TerminalID == "" {
		t.Fatalf("expected a terminal id, got %+v", result)
	}

	listResult, derr := s.Dispatch(context.Background(), OpTerminalList, nil)
	if derr != nil {
		t.Fatalf("list: %+v", derr)
	}
	list, ok := listResult.(terminalListResult)
	if !ok || len(list.Terminals) != 1 {
		t.Fatalf("expected one terminal, got %+v", listResult)
	}
}

func TestDispatchSecuritySetRestrictionsUpdatesStore(t *testing.T) {
	s := newTestServer(t)
	enableNetwork := true
	raw := mustJSON(t, securitySetRestrictionsArgs{
		SecurityMode:  "strict",
		EnableNetwork: &enableNetwork,
	})
	result, derr := s.Dispatch(context.Background(), OpSecuritySetRestrictions, raw)
	if derr != nil {
		t.Fatalf("Dispatch: %+v", derr)
	}
	r, ok := result.(securitySetRestrictionsResult)
	if !ok || r.SecurityMode != "strict" || !r.EnableNetwork {
		t.Fatalf("unexpected result: %+v", result)
	}
	if s.restrictions.Get().SecurityMode != "strict" {
		t.Fatalf("restrictions store was not updated")
	}
}

func TestDispatchSecuritySetRestrictionsGatesShellExecute(t *testing.T) {
	s := newTestServer(t)
	raw := mustJSON(t, securitySetRestrictionsArgs{BlockedCommands: []string{"echo*"}})
	if _, derr := s.Dispatch(context.Background(), OpSecuritySetRestrictions, raw); derr != nil {
		t.Fatalf("Dispatch security_set_restrictions: %+v", derr)
	}

	execRaw := mustJSON(t, shellExecuteArgs{Command: "echo blocked", ExecutionMode: string(process.ModeForeground)})
	_, derr := s.Dispatch(context.Background(), OpShellExecute, execRaw)
	if derr == nil || derr.Kind != KindPolicyViolation {
		t.Fatalf("expected policy-violation error after blocking the command, got %+v", derr)
	}
}

func TestDispatchTerminalCloseRegistersTranscript(t *testing.T) {
	s := newTestServer(t)
	created, derr := s.Dispatch(context.Background(), OpTerminalOperate, mustJSON(t, terminalOperateArgs{
		Operation: "create", ShellType: "sh", Dimensions: &Dimensions{Width: 80, Height: 24},
	}))
	if derr != nil {
		t.Fatalf("create: %+v", derr)
	}
	termID := created.(terminalOperateResult).TerminalID

	if _, derr := s.Dispatch(context.Background(), OpTerminalOperate, mustJSON(t, terminalOperateArgs{
		Operation: "input", TerminalID: termID, Input: "echo transcript-wired", Execute: true,
	})); derr != nil {
		t.Fatalf("input: %+v", derr)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		out, derr := s.Dispatch(context.Background(), OpTerminalOperate, mustJSON(t, terminalOperateArgs{
			Operation: "output", TerminalID: termID, IncludeANSI: true,
		}))
		if derr != nil {
			t.Fatalf("output: %+v", derr)
		}
		if strings.Contains(strings.Join(out.(terminalOperateResult).Lines, "\n"), "transcript-wired") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, derr := s.Dispatch(context.Background(), OpTerminalOperate, mustJSON(t, terminalOperateArgs{
		Operation: "close", TerminalID: termID,
	})); derr != nil {
		t.Fatalf("close: %+v", derr)
	}

	info, derr := s.Dispatch(context.Background(), OpTerminalGetInfo, mustJSON(t, terminalGetInfoArgs{TerminalID: termID}))
	if derr != nil {
		t.Fatalf("terminal_get_info after close: %+v", derr)
	}
	snap := info.(terminalSnapshotResult)
	if snap.TranscriptOutputID == "" {
		t.Fatal("expected transcript_output_id to be set after close")
	}
}

func TestDispatchProcessListFiltersBySessionID(t *testing.T) {
	s := newTestServer(t)

	first, derr := s.Dispatch(context.Background(), OpShellExecute, mustJSON(t, shellExecuteArgs{
		Command: "echo first", ExecutionMode: string(process.ModeForeground), CreateTerminal: true,
	}))
	if derr != nil {
		t.Fatalf("shell_execute first: %+v", derr)
	}
	firstTerminalID := first.(executionResult).TerminalID
	if firstTerminalID == "" {
		t.Fatal("expected create_terminal:true to attach a terminal_id")
	}

	if _, derr := s.Dispatch(context.Background(), OpShellExecute, mustJSON(t, shellExecuteArgs{
		Command: "echo second", ExecutionMode: string(process.ModeForeground), CreateTerminal: true,
	})); derr != nil {
		t.Fatalf("shell_execute second: %+v", derr)
	}

	result, derr := s.Dispatch(context.Background(), OpProcessList, mustJSON(t, processListArgs{SessionID: firstTerminalID}))
	if derr != nil {
		t.Fatalf("process_list: %+v", derr)
	}
	list := result.(processListResult)
	if len(list.Executions) != 1 || list.Executions[0].TerminalID != firstTerminalID {
		t.Fatalf("expected exactly the first execution when filtering by its terminal_id, got %+v", list.Executions)
	}
}

func TestDispatchReadExecutionOutputUnknownIDIsNotFound(t *testing.T) {
	s := newTestServer(t)
	raw := mustJSON(t, readExecutionOutputArgs{OutputID: "missing"})
	_, derr := s.Dispatch(context.Background(), OpReadExecutionOutput, raw)
	if derr == nil || derr.Kind != KindResourceNotFound {
		t.Fatalf("expected resource-not-found for an unregistered output id, got %+v", derr)
	}
}

func TestDispatchProcessGetExecutionNotFound(t *testing.T) {
	s := newTestServer(t)
	_, derr := s.Dispatch(context.Background(), OpProcessGetExecution, mustJSON(t, processGetExecutionArgs{ExecutionID: "nope"}))
	if derr == nil || derr.Kind != KindResourceNotFound {
		t.Fatalf("expected resource-not-found, got %+v", derr)
	}
}
