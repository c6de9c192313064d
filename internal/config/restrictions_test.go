package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRestrictionsStoreGetSet(t *testing.T) {
	s, err := NewRestrictionsStore(Restrictions{SecurityMode: "moderate"}, "")
	if err != nil {
		t.Fatalf("NewRestrictionsStore: %v", err)
	}
	if got := s.Get().SecurityMode; got != "moderate" {
		t.Fatalf("expected moderate, got %s", got)
	}

	if err := s.Set(Restrictions{SecurityMode: "strict", EnableNetwork: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got := s.Get()
	if got.SecurityMode != "strict" || !got.EnableNetwork {
		t.Fatalf("unexpected state after Set: %+v", got)
	}
}

func TestRestrictionsStoreMirrorsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restrictions.yaml")
	s, err := NewRestrictionsStore(Restrictions{SecurityMode: "moderate"}, path)
	if err != nil {
		t.Fatalf("NewRestrictionsStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Set(Restrictions{SecurityMode: "permissive", MaxMemoryMB: 512}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	loaded, err := loadRestrictionsFile(path)
	if err != nil {
		t.Fatalf("loadRestrictionsFile: %v", err)
	}
	if loaded.SecurityMode != "permissive" || loaded.MaxMemoryMB != 512 {
		t.Fatalf("mirrored file did not reflect Set: %+v", loaded)
	}
}

func TestRestrictionsStoreLoadsExistingFileOnStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restrictions.yaml")
	if err := saveRestrictionsFile(path, Restrictions{SecurityMode: "strict"}); err != nil {
		t.Fatalf("saveRestrictionsFile: %v", err)
	}

	s, err := NewRestrictionsStore(Restrictions{SecurityMode: "moderate"}, path)
	if err != nil {
		t.Fatalf("NewRestrictionsStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if got := s.Get().SecurityMode; got != "strict" {
		t.Fatalf("expected store to load existing file's strict mode, got %s", got)
	}
}

func TestRestrictionsStoreReloadsOnExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restrictions.yaml")
	if err := saveRestrictionsFile(path, Restrictions{SecurityMode: "moderate"}); err != nil {
		t.Fatalf("saveRestrictionsFile: %v", err)
	}

	s, err := NewRestrictionsStore(Restrictions{SecurityMode: "moderate"}, path)
	if err != nil {
		t.Fatalf("NewRestrictionsStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if s.watcher == nil {
		t.Skip("fsnotify watcher unavailable in this environment")
	}

	changed := make(chan Restrictions, 1)
	s.SetOnChange(func(r Restrictions) { changed <- r })

	if err := saveRestrictionsFile(path, Restrictions{SecurityMode: "strict"}); err != nil {
		t.Fatalf("saveRestrictionsFile: %v", err)
	}

	select {
	case r := <-changed:
		if r.SecurityMode != "strict" {
			t.Fatalf("expected reload to observe strict, got %s", r.SecurityMode)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fsnotify reload")
	}
}
