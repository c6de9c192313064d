// Package outputstore implements the content-addressed capture-file store
// (spec.md §3 "Output File", §4.1). Files live under a base directory split
// into output/, log/, and temp/ subtrees, mirroring the on-disk layout the
// teacher's internal/egg session writer uses for egg.meta/egg.token/audit
// files alongside the session directory.
package outputstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Type is the kind of capture a File holds.
type Type string

const (
	TypeStdout   Type = "stdout"
	TypeStderr   Type = "stderr"
	TypeCombined Type = "combined"
	TypeLog      Type = "log"
)

// File is one persisted capture, spec.md §3 "Output File".
type File struct {
	ID          string
	Type        Type
	Path        string
	SizeBytes   int64
	CreatedAt   time.Time
	ExecutionID string
	Name        string
}

// ErrNotFound is returned when an output identifier is unknown.
var ErrNotFound = errors.New("output not found")

// ErrConfirmRequired is returned by Delete when confirm is false.
var ErrConfirmRequired = errors.New("delete requires confirm=true")

// Store is the content-addressed output registry. All mutation of the index
// goes through Store; callers never get a pointer into the index, only
// value snapshots (DESIGN NOTES §9).
type Store struct {
	baseDir  string
	maxFiles int

	mu    sync.Mutex
	index map[string]File
	order []string // ids in creation order, oldest first, for eviction
}

// New creates a Store rooted at baseDir, creating output/, log/, temp/ if
// they don't exist.
func New(baseDir string, maxFiles int) (*Store, error) {
	for _, sub := range []string{"output", "log", "temp"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("outputstore: create %s: %w", sub, err)
		}
	}
	if maxFiles <= 0 {
		maxFiles = 1000
	}
	return &Store{baseDir: baseDir, maxFiles: maxFiles, index: make(map[string]File)}, nil
}

// Create writes content atomically (write-then-register) and returns its
// output id, content-addressed by a BLAKE2b-256 digest of the bytes.
func (s *Store) Create(content []byte, executionID string, typ Type) (string, error) {
	sum := blake2b.Sum256(content)
	id := hex.EncodeToString(sum[:])[:24]

	ext := extFor(typ)
	name := fmt.Sprintf("%s_%s.%s", typ, id, ext)
	subdir := subdirFor(typ)
	finalPath := filepath.Join(s.baseDir, subdir, name)

	tmpPath := finalPath + ".tmp-" + randSuffix()
	if err := os.WriteFile(tmpPath, content, 0644); err != nil {
		return "", fmt.Errorf("outputstore: write temp: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("outputstore: finalize: %w", err)
	}

	f := File{
		ID:          id,
		Type:        typ,
		Path:        finalPath,
		SizeBytes:   int64(len(content)),
		CreatedAt:   time.Now(),
		ExecutionID: executionID,
		Name:        name,
	}
	s.register(f)
	return id, nil
}

// LogDir returns the store's log/ subtree, for callers (e.g. the Terminal
// Manager persisting a session transcript) that write a file themselves
// before handing it to Register rather than going through Create.
func (s *Store) LogDir() string {
	return filepath.Join(s.baseDir, "log")
}

// Register records an already-written file (e.g. a raw log file produced
// elsewhere) under a fresh output id.
func (s *Store) Register(path string, typ Type, executionID, name string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("outputstore: stat %s: %w", path, err)
	}
	id := randSuffix() + randSuffix()
	if name == "" {
		name = filepath.Base(path)
	}
	f := File{
		ID:          id,
		Type:        typ,
		Path:        path,
		SizeBytes:   info.Size(),
		CreatedAt:   time.Now(),
		ExecutionID: executionID,
		Name:        name,
	}
	s.register(f)
	return id, nil
}

// register inserts f into the index and evicts the oldest entries
// (best-effort) if the store now exceeds maxFiles.
func (s *Store) register(f File) {
	s.mu.Lock()
	s.index[f.ID] = f
	s.order = append(s.order, f.ID)
	var evict []string
	for len(s.order) > s.maxFiles {
		evict = append(evict, s.order[0])
		s.order = s.order[1:]
	}
	toDelete := make([]File, 0, len(evict))
	for _, id := range evict {
		if of, ok := s.index[id]; ok {
			toDelete = append(toDelete, of)
			delete(s.index, id)
		}
	}
	s.mu.Unlock()

	for _, of := range toDelete {
		_ = os.Remove(of.Path) // best-effort; failures are non-fatal to the caller
	}
}

// ReadResult is the result of a bounded read.
type ReadResult struct {
	Content     []byte
	TotalSize   int64
	IsTruncated bool
}

// Read performs a bounded, random-access read of a capture file.
func (s *Store) Read(id string, offset, size int64) (ReadResult, error) {
	s.mu.Lock()
	f, ok := s.index[id]
	s.mu.Unlock()
	if !ok {
		return ReadResult{}, ErrNotFound
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return ReadResult{}, fmt.Errorf("outputstore: open %s: %w", id, err)
	}
	defer fh.Close()

	if offset < 0 {
		offset = 0
	}
	if size <= 0 {
		size = 8192
	}
	buf := make([]byte, size)
	n, err := fh.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return ReadResult{}, fmt.Errorf("outputstore: read %s: %w", id, err)
	}

	return ReadResult{
		Content:     buf[:n],
		TotalSize:   f.SizeBytes,
		IsTruncated: offset+int64(n) < f.SizeBytes,
	}, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Type        Type
	ExecutionID string
	NamePattern string
	Limit       int
}

// List returns files matching filter, newest first.
func (s *Store) List(filter ListFilter) ([]File, int) {
	s.mu.Lock()
	all := make([]File, 0, len(s.index))
	for _, f := range s.index {
		all = append(all, f)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	var matched []File
	for _, f := range all {
		if filter.Type != "" && f.Type != filter.Type {
			continue
		}
		if filter.ExecutionID != "" && f.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.NamePattern != "" {
			if ok, _ := filepath.Match(filter.NamePattern, f.Name); !ok {
				continue
			}
		}
		matched = append(matched, f)
	}
	total := len(matched)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total
}

// Delete removes output files by id. confirm must be true or the call fails
// without touching any file (spec.md §8 testable property).
func (s *Store) Delete(ids []string, confirm bool) (deleted []string, failed map[string]string, err error) {
	if !confirm {
		return nil, nil, ErrConfirmRequired
	}
	failed = make(map[string]string)
	s.mu.Lock()
	targets := make([]File, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.index[id]; ok {
			targets = append(targets, f)
		} else {
			failed[id] = ErrNotFound.Error()
		}
	}
	s.mu.Unlock()

	for _, f := range targets {
		if rmErr := os.Remove(f.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			failed[f.ID] = rmErr.Error()
			continue
		}
		s.mu.Lock()
		delete(s.index, f.ID)
		for i, id := range s.order {
			if id == f.ID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		deleted = append(deleted, f.ID)
	}
	return deleted, failed, nil
}

// Get returns a snapshot of one entry.
func (s *Store) Get(id string) (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.index[id]
	return f, ok
}

func subdirFor(t Type) string {
	if t == TypeLog {
		return "log"
	}
	return "output"
}

func extFor(t Type) string {
	switch t {
	case TypeLog:
		return "log"
	default:
		return "txt"
	}
}

func randSuffix() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
