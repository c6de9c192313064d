package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shellmcp/shellmcp/internal/config"
	"github.com/shellmcp/shellmcp/internal/outputstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := outputstore.New(filepath.Join(dir, "out"), 100)
	if err != nil {
		t.Fatalf("outputstore.New: %v", err)
	}
	return New(Config{
		MaxConcurrent:         4,
		DefaultWorkdir:        dir,
		AllowedRoots:          []string{dir},
		MaxOutputSize:         1 << 16,
		DefaultTimeoutSeconds: 5,
		ForegroundSubTimeout:  200 * time.Millisecond,
		GracePeriod:           200 * time.Millisecond,
	}, store, nil, nil)
}

func TestExecuteForegroundCompletes(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Execute(context.Background(), ExecuteRequest{Command: "echo hello", Mode: ModeForeground, TimeoutSeconds: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", rec.ExitCode)
	}
	if rec.OutputID == "" {
		t.Error("expected output to be persisted")
	}
}

func TestExecuteForegroundTimeoutWithoutPartial(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Execute(context.Background(), ExecuteRequest{Command: "sleep 2", Mode: ModeForeground, TimeoutSeconds: 1})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestExecuteForegroundTimeoutWithPartial(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Execute(context.Background(), ExecuteRequest{
		Command: "echo partial; sleep 2", Mode: ModeForeground, TimeoutSeconds: 1, ReturnPartialOnTimeout: true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != StatusTimeout {
		t.Errorf("Status = %s, want timeout", rec.Status)
	}
}

func TestExecuteRejectsWorkdirOutsideAllowedRoots(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Execute(context.Background(), ExecuteRequest{Command: "pwd", Mode: ModeForeground, WorkingDirectory: "/etc", TimeoutSeconds: 1})
	if err != ErrWorkdirNotAllowed {
		t.Errorf("err = %v, want ErrWorkdirNotAllowed", err)
	}
}

func TestExecuteBlockedCommandIsRejected(t *testing.T) {
	dir := t.TempDir()
	store, err := outputstore.New(filepath.Join(dir, "out"), 100)
	if err != nil {
		t.Fatalf("outputstore.New: %v", err)
	}
	restrictions, err := config.NewRestrictionsStore(config.Restrictions{BlockedCommands: []string{"rm*"}}, "")
	if err != nil {
		t.Fatalf("NewRestrictionsStore: %v", err)
	}
	m := New(Config{MaxConcurrent: 4, DefaultWorkdir: dir, AllowedRoots: []string{dir}, DefaultTimeoutSeconds: 5}, store, restrictions, nil)

	_, err = m.Execute(context.Background(), ExecuteRequest{Command: "rm -rf /tmp/x", Mode: ModeForeground, TimeoutSeconds: 1})
	if err != ErrCommandNotAllowed {
		t.Fatalf("err = %v, want ErrCommandNotAllowed", err)
	}

	if _, err := m.Execute(context.Background(), ExecuteRequest{Command: "echo ok", Mode: ModeForeground, TimeoutSeconds: 1}); err != nil {
		t.Fatalf("unblocked command should still execute: %v", err)
	}
}

func TestExecuteRestrictiveModeRequiresAllowlistMatch(t *testing.T) {
	dir := t.TempDir()
	store, err := outputstore.New(filepath.Join(dir, "out"), 100)
	if err != nil {
		t.Fatalf("outputstore.New: %v", err)
	}
	restrictions, err := config.NewRestrictionsStore(config.Restrictions{
		SecurityMode:    "restrictive",
		AllowedCommands: []string{"echo*"},
	}, "")
	if err != nil {
		t.Fatalf("NewRestrictionsStore: %v", err)
	}
	m := New(Config{MaxConcurrent: 4, DefaultWorkdir: dir, AllowedRoots: []string{dir}, DefaultTimeoutSeconds: 5}, store, restrictions, nil)

	if _, err := m.Execute(context.Background(), ExecuteRequest{Command: "echo ok", Mode: ModeForeground, TimeoutSeconds: 1}); err != nil {
		t.Fatalf("allowlisted command should execute: %v", err)
	}
	if _, err := m.Execute(context.Background(), ExecuteRequest{Command: "ls", Mode: ModeForeground, TimeoutSeconds: 1}); err != ErrCommandNotAllowed {
		t.Fatalf("err = %v, want ErrCommandNotAllowed for a command outside the allowlist", err)
	}
}

func TestResolveWorkdirNarrowsLiveFromRestrictions(t *testing.T) {
	dir := t.TempDir()
	narrow := filepath.Join(dir, "narrow")
	if err := os.MkdirAll(narrow, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	store, err := outputstore.New(filepath.Join(dir, "out"), 100)
	if err != nil {
		t.Fatalf("outputstore.New: %v", err)
	}
	restrictions, err := config.NewRestrictionsStore(config.Restrictions{}, "")
	if err != nil {
		t.Fatalf("NewRestrictionsStore: %v", err)
	}
	m := New(Config{MaxConcurrent: 4, DefaultWorkdir: dir, AllowedRoots: []string{dir}, DefaultTimeoutSeconds: 5}, store, restrictions, nil)

	if _, err := m.Execute(context.Background(), ExecuteRequest{Command: "pwd", Mode: ModeForeground, WorkingDirectory: dir, TimeoutSeconds: 1}); err != nil {
		t.Fatalf("workdir should be allowed before narrowing: %v", err)
	}

	current := restrictions.Get()
	current.AllowedDirectories = []string{narrow}
	if err := restrictions.Set(current); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := m.Execute(context.Background(), ExecuteRequest{Command: "pwd", Mode: ModeForeground, WorkingDirectory: dir, TimeoutSeconds: 1}); err != ErrWorkdirNotAllowed {
		t.Fatalf("err = %v, want ErrWorkdirNotAllowed after security_set_restrictions narrowed directories", err)
	}
	if _, err := m.Execute(context.Background(), ExecuteRequest{Command: "pwd", Mode: ModeForeground, WorkingDirectory: narrow, TimeoutSeconds: 1}); err != nil {
		t.Fatalf("narrowed directory itself should remain allowed: %v", err)
	}
}

func TestExecuteCaptureStderrFalseDiscardsStderr(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Execute(context.Background(), ExecuteRequest{
		Command: "echo to-stderr 1>&2", Mode: ModeForeground, TimeoutSeconds: 5, CaptureStderr: false,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.StderrSnippet != "" {
		t.Errorf("StderrSnippet = %q, want empty with capture_stderr disabled", rec.StderrSnippet)
	}
}

func TestExecuteCaptureStderrTrueRetainsStderr(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Execute(context.Background(), ExecuteRequest{
		Command: "echo to-stderr 1>&2", Mode: ModeForeground, TimeoutSeconds: 5, CaptureStderr: true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.StderrSnippet == "" {
		t.Error("expected stderr to be captured when capture_stderr is true")
	}
}

func TestExecuteBackgroundReturnsRunningImmediately(t *testing.T) {
	m := newTestManager(t)
	rec, err := m.Execute(context.Background(), ExecuteRequest{Command: "sleep 0.2", Mode: ModeBackground, TimeoutSeconds: 5})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.Status != StatusRunning {
		t.Errorf("Status = %s, want running", rec.Status)
	}
	time.Sleep(500 * time.Millisecond)
	final, err := m.Get(rec.ExecutionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("final Status = %s, want completed", final.Status)
	}
}

func TestConcurrencyLimitRefusesAdmission(t *testing.T) {
	m := newTestManager(t)
	m.cfg.MaxConcurrent = 1
	if !m.admit() {
		t.Fatal("expected first admit to succeed")
	}
	if m.admit() {
		t.Fatal("expected second admit to fail at the concurrency limit")
	}
}
