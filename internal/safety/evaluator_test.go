package safety

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shellmcp/shellmcp/internal/history"
)

func newTestHistory(t *testing.T) *history.Store {
	t.Helper()
	dir := t.TempDir()
	h, err := history.Open(filepath.Join(dir, "history.db"), 50)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestEvaluatePatternOnlyAdmitsBenignCommand(t *testing.T) {
	h := newTestHistory(t)
	e := New(Config{LLMEnabled: false}, nil, nil, h)
	res := e.Evaluate(context.Background(), Request{CorrelationID: "c1", Command: "ls -la"})
	if res.Outcome != OutcomeAdmit {
		t.Errorf("Outcome = %s, want admit", res.Outcome)
	}
}

func TestEvaluatePatternOnlyRefusesDangerousCommand(t *testing.T) {
	h := newTestHistory(t)
	e := New(Config{LLMEnabled: false}, nil, nil, h)
	res := e.Evaluate(context.Background(), Request{CorrelationID: "c2", Command: "rm -rf /"})
	if res.Outcome != OutcomeRefuse {
		t.Errorf("Outcome = %s, want refuse", res.Outcome)
	}
	if len(res.DetectedPatterns) == 0 {
		t.Error("expected detected patterns to be populated")
	}
}

func TestEvaluateRecordsHistory(t *testing.T) {
	h := newTestHistory(t)
	e := New(Config{LLMEnabled: false}, nil, nil, h)
	e.Evaluate(context.Background(), Request{CorrelationID: "c3", Command: "echo hi"})
	entries := h.Search(history.SearchOptions{Limit: 10})
	if len(entries) != 1 || entries[0].CommandText != "echo hi" {
		t.Errorf("history entries = %+v", entries)
	}
}

func TestConsumeReevaluationRespectsBound(t *testing.T) {
	h := newTestHistory(t)
	e := New(Config{LLMEnabled: true}, nil, nil, h)
	if !e.consumeReevaluation("x") {
		t.Fatal("expected first consume to succeed")
	}
	if !e.consumeReevaluation("x") {
		t.Fatal("expected second consume to succeed")
	}
	if e.consumeReevaluation("x") {
		t.Fatal("expected third consume to fail: bound is two per spec.md §4.6")
	}
}
