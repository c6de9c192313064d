package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Restrictions is the mutable security policy set by security_set_restrictions
// and, optionally, mirrored to disk so an operator can hand-edit it between
// calls. When a restrictions file is configured it is read at startup, so
// the last mirrored set carries over into the next run.
type Restrictions struct {
	SecurityMode     string   `yaml:"security_mode"`
	AllowedCommands  []string `yaml:"allowed_commands,omitempty"`
	BlockedCommands  []string `yaml:"blocked_commands,omitempty"`
	AllowedDirectories []string `yaml:"allowed_directories,omitempty"`
	MaxExecutionTime int      `yaml:"max_execution_time,omitempty"`
	MaxMemoryMB      int      `yaml:"max_memory_mb,omitempty"`
	EnableNetwork    bool     `yaml:"enable_network"`
}

// DefaultRestrictions derives an initial Restrictions from Config.
func DefaultRestrictions(c Config) Restrictions {
	return Restrictions{
		SecurityMode:       c.SecurityMode,
		AllowedDirectories: c.AllowedWorkdirs,
		MaxExecutionTime:   c.MaxExecutionTime,
		MaxMemoryMB:        c.MaxMemoryMB,
		EnableNetwork:      c.EnableNetwork,
	}
}

// RestrictionsStore holds the live Restrictions, watches RestrictionsFile (if
// set) for out-of-band edits, and calls the SetOnChange callback on reload.
type RestrictionsStore struct {
	mu      sync.RWMutex
	current Restrictions
	path    string
	watcher *fsnotify.Watcher
	onChange func(Restrictions)
}

// NewRestrictionsStore creates a store seeded with initial and, if path is
// non-empty, starts watching it for changes.
func NewRestrictionsStore(initial Restrictions, path string) (*RestrictionsStore, error) {
	s := &RestrictionsStore{current: initial, path: path}
	if path == "" {
		return s, nil
	}
	if loaded, err := loadRestrictionsFile(path); err == nil {
		s.current = loaded
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return s, nil // watching is best-effort
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return s, nil
	}
	s.watcher = w
	go s.watchLoop()
	return s, nil
}

// SetOnChange registers a callback invoked after every successful reload.
func (s *RestrictionsStore) SetOnChange(fn func(Restrictions)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *RestrictionsStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r, err := loadRestrictionsFile(s.path)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.current = r
			cb := s.onChange
			s.mu.Unlock()
			if cb != nil {
				cb(r)
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Get returns a snapshot of the current restrictions.
func (s *RestrictionsStore) Get() Restrictions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the current restrictions (from security_set_restrictions) and
// mirrors them to disk when a path is configured.
func (s *RestrictionsStore) Set(r Restrictions) error {
	s.mu.Lock()
	s.current = r
	path := s.path
	s.mu.Unlock()
	if path == "" {
		return nil
	}
	return saveRestrictionsFile(path, r)
}

// Close stops the file watcher, if any.
func (s *RestrictionsStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func loadRestrictionsFile(path string) (Restrictions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Restrictions{}, err
	}
	var r Restrictions
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Restrictions{}, err
	}
	return r, nil
}

func saveRestrictionsFile(path string, r Restrictions) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
