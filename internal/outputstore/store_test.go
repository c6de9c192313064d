package outputstore

import (
	"os"
	"testing"
)

func TestCreateAndRead(t *testing.T) {
	s, err := New(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id, err := s.Create([]byte("hello world"), "exec_1", TypeStdout)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := s.Read(id, 0, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Content) != "hello world" {
		t.Fatalf("unexpected content: %q", res.Content)
	}
	if res.IsTruncated {
		t.Fatalf("expected full read, got truncated")
	}
}

func TestReadOffsetAndTruncation(t *testing.T) {
	s, err := New(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := s.Create([]byte("0123456789"), "exec_2", TypeCombined)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := s.Read(id, 2, 3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Content) != "234" {
		t.Fatalf("expected \"234\", got %q", res.Content)
	}
	if !res.IsTruncated {
		t.Fatalf("expected truncated, got full read")
	}
	if res.TotalSize != 10 {
		t.Fatalf("expected total size 10, got %d", res.TotalSize)
	}
}

func TestReadUnknownIDFails(t *testing.T) {
	s, err := New(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Read("nonexistent", 0, 10); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRequiresConfirm(t *testing.T) {
	s, err := New(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := s.Create([]byte("data"), "exec_3", TypeLog)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, _, err := s.Delete([]string{id}, false); err != ErrConfirmRequired {
		t.Fatalf("expected ErrConfirmRequired, got %v", err)
	}
	if _, ok := s.Get(id); !ok {
		t.Fatalf("file should still exist after unconfirmed delete")
	}

	deleted, failed, err := s.Delete([]string{id, "missing"}, true)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != id {
		t.Fatalf("expected %q deleted, got %v", id, deleted)
	}
	if _, ok := failed["missing"]; !ok {
		t.Fatalf("expected \"missing\" to be reported as failed")
	}
}

func TestListFiltersByTypeAndExecution(t *testing.T) {
	s, err := New(t.TempDir(), 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Create([]byte("out"), "exec_a", TypeStdout); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create([]byte("err"), "exec_b", TypeStderr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	files, total := s.List(ListFilter{Type: TypeStdout})
	if total != 1 || len(files) != 1 || files[0].ExecutionID != "exec_a" {
		t.Fatalf("unexpected filtered list: total=%d files=%v", total, files)
	}
}

func TestListEvictsOldestPastMaxFiles(t *testing.T) {
	s, err := New(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := s.Register(mustWriteTemp(t, s, i), TypeLog, "exec", "")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		ids = append(ids, id)
	}
	_, total := s.List(ListFilter{})
	if total != 2 {
		t.Fatalf("expected eviction down to 2 entries, got %d", total)
	}
	if _, ok := s.Get(ids[0]); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
}

func mustWriteTemp(t *testing.T, s *Store, n int) string {
	t.Helper()
	path := t.TempDir() + "/log" + string(rune('a'+n)) + ".txt"
	if err := os.WriteFile(path, []byte("entry"), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
