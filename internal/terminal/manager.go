package terminal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/shellmcp/shellmcp/internal/outputstore"
)

// ErrTooManyTerminals is returned when max_terminals is reached.
var ErrTooManyTerminals = errors.New("terminal: max_terminals reached")

// ErrNotFound is returned for an unknown terminal id.
var ErrNotFound = errors.New("terminal: session not found")

// ErrUnreadOutput is returned when plain input is rejected because the
// session has unread output and force_input was not set.
var ErrUnreadOutput = errors.New("terminal: session has unread output; set force_input to override")

// Config controls the manager's limits (spec.md §4.8 defaults).
type Config struct {
	MaxTerminals    int
	MaxOutputLines  int
	MaxHistoryLines int
	IdleThreshold   time.Duration
	CloseRetention  time.Duration
}

// Manager is the C8 Terminal Manager.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	outputs *outputstore.Store // nil means transcripts aren't persisted at Close

	mu       sync.Mutex
	sessions map[string]*Session
}

// New builds a Manager, filling in spec.md §4.8's defaults where cfg
// leaves a limit unset. outputs may be nil, in which case Close doesn't
// persist a session's transcript anywhere.
func New(cfg Config, logger *slog.Logger, outputs *outputstore.Store) *Manager {
	if cfg.MaxTerminals <= 0 {
		cfg.MaxTerminals = 20
	}
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = 10000
	}
	if cfg.MaxHistoryLines <= 0 {
		cfg.MaxHistoryLines = 1000
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 15 * time.Minute
	}
	if cfg.CloseRetention <= 0 {
		cfg.CloseRetention = 30 * time.Second
	}
	m := &Manager{cfg: cfg, logger: logger, outputs: outputs, sessions: make(map[string]*Session)}
	go m.idleSweepLoop()
	return m
}

// shellCommand resolves a ShellKind to a binary and args, spawning with
// --login where the shell supports it (spec.md §4.8).
func shellCommand(kind ShellKind) (string, []string, error) {
	switch kind {
	case ShellBash:
		return "bash", []string{"--login"}, nil
	case ShellZsh:
		return "zsh", []string{"--login"}, nil
	case ShellFish:
		return "fish", []string{"--login"}, nil
	case ShellSh:
		return "sh", nil, nil
	case ShellPowerShell:
		return "pwsh", nil, nil
	case ShellCmd:
		return "cmd", nil, nil
	default:
		return "", nil, fmt.Errorf("terminal: unknown shell kind %q", kind)
	}
}

// CreateOptions carries the optional working directory and environment
// overlay a caller may supply at terminal creation (spec.md §6
// terminal_operate "create").
type CreateOptions struct {
	WorkingDirectory string
	Environment      map[string]string
}

// Create opens a new PTY session (spec.md §4.8).
func (m *Manager) Create(kind ShellKind, cols, rows int, opts CreateOptions) (Snapshot, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxTerminals {
		m.mu.Unlock()
		return Snapshot{}, ErrTooManyTerminals
	}
	m.mu.Unlock()

	binPath, args, err := shellCommand(kind)
	if err != nil {
		return Snapshot{}, err
	}

	cmd := exec.Command(binPath, args...)
	if opts.WorkingDirectory != "" {
		cmd.Dir = opts.WorkingDirectory
	}
	if len(opts.Environment) > 0 {
		env := os.Environ()
		for k, v := range opts.Environment {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return Snapshot{}, fmt.Errorf("terminal: start pty: %w", err)
	}

	sess := &Session{
		ID:           uuid.NewString(),
		Shell:        kind,
		Cols:         cols,
		Rows:         rows,
		PID:          cmd.Process.Pid,
		State:        StateActive,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		ptmx:         ptmx,
		ring:         newOutputRing(m.cfg.MaxOutputLines),
		cmd:          cmd,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	go m.readLoop(sess)
	go m.watchExit(sess)

	return sess.snapshot(), nil
}

// readLoop feeds PTY output into the line-indexed outputRing that backs
// every terminal_operate{operation:"output"} read (spec.md §4.8).
func (m *Manager) readLoop(sess *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			sess.ring.Append(chunk)
			sess.touch()
		}
		if err != nil {
			return
		}
	}
}

// watchExit marks a session closed once its shell process exits on
// its own, without the manager being asked to Close it.
func (m *Manager) watchExit(sess *Session) {
	sess.cmd.Wait()
	m.mu.Lock()
	sess.mu.Lock()
	if sess.State != StateClosed {
		sess.State = StateClosed
		sess.ClosedAt = time.Now()
	}
	sess.mu.Unlock()
	m.mu.Unlock()
}

// OperateRequest is one input-channel write to a session.
type OperateRequest struct {
	TerminalID string
	Channel    Channel
	Text       string
	Execute    bool // plain channel only
	ForceInput bool
	SendTo     string // program-guard expression; "*" if unset
}

// OperateResult reports the guard check outcome (spec.md §4.8).
type OperateResult struct {
	GuardPassed       bool
	ForegroundProcess *ForegroundProcess
}

// Operate validates the program guard and unread-output safety, decodes
// the input channel, and writes to the PTY (spec.md §4.8).
func (m *Manager) Operate(req OperateRequest) (OperateResult, error) {
	sess, err := m.get(req.TerminalID)
	if err != nil {
		return OperateResult{}, err
	}
	sess.mu.Lock()
	if sess.State == StateClosed {
		sess.mu.Unlock()
		return OperateResult{}, fmt.Errorf("terminal: session %s is closed", req.TerminalID)
	}
	sess.mu.Unlock()

	guardExpr := req.SendTo
	if guardExpr == "" {
		guardExpr = "*"
	}
	fg, ok := foregroundProcess(sess)
	passed, err := evaluateGuard(guardExpr, fg, ok)
	if err != nil {
		return OperateResult{}, err
	}
	if !passed {
		return OperateResult{}, fmt.Errorf("terminal: program guard rejected input (expr=%q)", guardExpr)
	}

	forceInput := req.ForceInput || req.Channel != ChannelPlain
	if req.Channel == ChannelPlain && !forceInput {
		if sess.ring.Total() > sess.lastReadOffsetSnapshot() {
			return OperateResult{}, ErrUnreadOutput
		}
	}

	var payload []byte
	switch req.Channel {
	case ChannelPlain:
		payload = decodePlain(req.Text, req.Execute)
		if req.Execute {
			sess.appendHistory(req.Text, m.cfg.MaxHistoryLines)
		}
	case ChannelControlCodes:
		payload, err = decodeControlCodes(req.Text)
	case ChannelRawBytes:
		payload, err = decodeRawBytes(req.Text)
	default:
		err = fmt.Errorf("terminal: unknown input channel %q", req.Channel)
	}
	if err != nil {
		return OperateResult{}, err
	}

	if _, err := sess.ptmx.Write(payload); err != nil {
		return OperateResult{}, fmt.Errorf("terminal: write: %w", err)
	}
	sess.touch()

	result := OperateResult{GuardPassed: true}
	if ok {
		fgCopy := fg
		result.ForegroundProcess = &fgCopy
	}
	return result, nil
}

func (s *Session) appendHistory(line string, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, line)
	if len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
}

func (s *Session) lastReadOffsetSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReadOffset
}

// GetRequest is an output-retrieval request (spec.md §4.8).
type GetRequest struct {
	TerminalID              string
	StartLine               int
	LineCount               int
	IncludeANSI             bool
	IncludeForegroundProcess bool
}

// GetResult is the retrieved output slice.
type GetResult struct {
	Lines             []string
	NextOffset        int
	ForegroundProcess *ForegroundProcess
}

// Get implements spec.md §4.8's output retrieval and advances the unread
// cursor to what was actually returned.
func (m *Manager) Get(req GetRequest) (GetResult, error) {
	sess, err := m.get(req.TerminalID)
	if err != nil {
		return GetResult{}, err
	}

	lines, next := sess.ring.Slice(req.StartLine, req.LineCount, req.IncludeANSI)
	sess.mu.Lock()
	sess.lastReadOffset = next
	sess.mu.Unlock()

	result := GetResult{Lines: lines, NextOffset: next}
	if req.IncludeForegroundProcess {
		if fg, ok := foregroundProcess(sess); ok {
			result.ForegroundProcess = &fg
		}
	}
	return result, nil
}

// Resize updates PTY dimensions and stored dimensions atomically.
func (m *Manager) Resize(terminalID string, cols, rows int) error {
	sess, err := m.get(terminalID)
	if err != nil {
		return err
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("terminal: resize: %w", err)
	}
	sess.mu.Lock()
	sess.Cols, sess.Rows = cols, rows
	sess.mu.Unlock()
	return nil
}

// Close shuts the PTY down, marks the session closed, and retains the
// record briefly for in-flight reads before final eviction (spec.md
// §4.8).
func (m *Manager) Close(terminalID string) error {
	sess, err := m.get(terminalID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.State = StateClosed
	sess.ClosedAt = time.Now()
	sess.mu.Unlock()

	sess.ptmx.Close()
	m.persistTranscript(sess)

	go func() {
		time.Sleep(m.cfg.CloseRetention)
		m.mu.Lock()
		delete(m.sessions, terminalID)
		m.mu.Unlock()
	}()
	return nil
}

// persistTranscript writes sess's retained output ring to the Output
// Store's log/ subtree and registers it, so the transcript outlives
// CloseRetention the same way a shell_execute capture outlives its
// process. Best-effort: a write/register failure is logged, not returned,
// since it must never block session teardown.
func (m *Manager) persistTranscript(sess *Session) {
	if m.outputs == nil {
		return
	}
	content := sess.ring.Dump()
	if len(content) == 0 {
		return
	}
	path := filepath.Join(m.outputs.LogDir(), fmt.Sprintf("terminal_%s.log", sess.ID))
	if err := os.WriteFile(path, content, 0644); err != nil {
		if m.logger != nil {
			m.logger.Warn("terminal: failed to write session transcript", "terminal_id", sess.ID, "error", err)
		}
		return
	}
	id, err := m.outputs.Register(path, outputstore.TypeLog, "", fmt.Sprintf("terminal_%s.log", sess.ID))
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("terminal: failed to register session transcript", "terminal_id", sess.ID, "error", err)
		}
		return
	}
	sess.mu.Lock()
	sess.transcriptOutputID = id
	sess.mu.Unlock()
}

// List returns a snapshot of every tracked session.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

func (m *Manager) get(terminalID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[terminalID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// idleSweepLoop flips sessions with no activity past IdleThreshold to
// idle (spec.md §4.8).
func (m *Manager) idleSweepLoop() {
	ticker := time.NewTicker(m.cfg.IdleThreshold / 4)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, sess := range m.sessions {
			sessions = append(sessions, sess)
		}
		m.mu.Unlock()

		for _, sess := range sessions {
			sess.mu.Lock()
			if sess.State == StateActive && time.Since(sess.LastActivity) > m.cfg.IdleThreshold {
				sess.State = StateIdle
			}
			sess.mu.Unlock()
		}
	}
}
