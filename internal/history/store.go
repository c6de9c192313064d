// Package history implements the append-only command history (spec.md §3
// "History Entry", §4.2). Entries are persisted to a local sqlite database
// (the one piece of state spec.md explicitly allows to survive a restart)
// with an in-memory tail cache kept authoritative for evaluator context even
// if the database write fails.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFmt = time.RFC3339Nano

// Entry is one history record (spec.md §3).
type Entry struct {
	ID                int64
	ExecutionID        string
	CommandText        string
	WorkingDirectory   string
	CreatedAt          time.Time
	Executed           bool
	Classification     string // matched-pattern tags, comma-joined
	Decision           string // ALLOW | DENY | ...
	OutputSummary      string
}

// Store is the history log. The in-memory tail is authoritative; sqlite is
// a best-effort mirror — a write failure there never blocks the caller.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	tail    []Entry
	maxTail int
}

// Open opens (or creates) the sqlite database at dsn and runs migrations.
func Open(dsn string, maxTail int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: wal mode: %w", err)
	}
	s := &Store{db: db, maxTail: maxTail}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	if err := s.loadTail(); err != nil {
		// Non-fatal: mirror unreadable, start with an empty in-memory tail.
		s.tail = nil
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return err
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadTail() error {
	rows, err := s.db.Query(`SELECT id, execution_id, command_text, working_directory, created_at, executed,
		classification, decision, output_summary FROM history_entries ORDER BY id DESC LIMIT ?`, s.maxTail)
	if err != nil {
		return err
	}
	defer rows.Close()
	var loaded []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		loaded = append(loaded, e)
	}
	// loaded is newest-first; store tail oldest-first for natural appends.
	for i, j := 0, len(loaded)-1; i < j; i, j = i+1, j-1 {
		loaded[i], loaded[j] = loaded[j], loaded[i]
	}
	s.mu.Lock()
	s.tail = loaded
	s.mu.Unlock()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var createdAt string
	var executed int
	err := r.Scan(&e.ID, &e.ExecutionID, &e.CommandText, &e.WorkingDirectory, &createdAt, &executed,
		&e.Classification, &e.Decision, &e.OutputSummary)
	if err != nil {
		return Entry{}, err
	}
	e.Executed = executed != 0
	e.CreatedAt, _ = time.Parse(timeFmt, createdAt)
	return e, nil
}

// Append records a new history entry. The in-memory tail is updated even
// when the sqlite mirror write fails; that write's error is returned for
// the caller to log or ignore.
func (s *Store) Append(e Entry) error {
	e.CreatedAt = time.Now().UTC()
	executed := 0
	if e.Executed {
		executed = 1
	}
	res, mirrorErr := s.db.Exec(`INSERT INTO history_entries
		(execution_id, command_text, working_directory, created_at, executed, classification, decision, output_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.CommandText, e.WorkingDirectory, e.CreatedAt.Format(timeFmt), executed,
		e.Classification, e.Decision, e.OutputSummary)
	if mirrorErr == nil {
		if id, idErr := res.LastInsertId(); idErr == nil {
			e.ID = id
		}
	}

	s.mu.Lock()
	s.tail = append(s.tail, e)
	if len(s.tail) > s.maxTail {
		s.tail = s.tail[len(s.tail)-s.maxTail:]
	}
	s.mu.Unlock()

	return mirrorErr
}

// SearchOptions narrows a Search query.
type SearchOptions struct {
	Limit    int
	Keywords []string
	Since    time.Time
}

// Search returns matching entries, newest first, from the in-memory tail
// (the authoritative source per spec.md §4.2).
func (s *Store) Search(opts SearchOptions) []Entry {
	s.mu.Lock()
	tail := make([]Entry, len(s.tail))
	copy(tail, s.tail)
	s.mu.Unlock()

	var out []Entry
	for i := len(tail) - 1; i >= 0; i-- {
		e := tail[i]
		if !opts.Since.IsZero() && e.CreatedAt.Before(opts.Since) {
			continue
		}
		if len(opts.Keywords) > 0 && !matchesAnyKeyword(e.CommandText, opts.Keywords) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// FindSimilar returns up to limit entries whose command text shares the most
// whitespace-separated tokens with command, newest first among ties.
func (s *Store) FindSimilar(command string, limit int) []Entry {
	s.mu.Lock()
	tail := make([]Entry, len(s.tail))
	copy(tail, s.tail)
	s.mu.Unlock()

	target := tokenSet(command)
	type scored struct {
		e     Entry
		score int
	}
	var candidates []scored
	for i := len(tail) - 1; i >= 0; i-- {
		e := tail[i]
		sc := overlap(target, tokenSet(e.CommandText))
		if sc > 0 {
			candidates = append(candidates, scored{e, sc})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.e
	}
	return out
}

func matchesAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(s) {
		out[f] = true
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for k := range a {
		if b[k] {
			n++
		}
	}
	return n
}
