package process

import (
	"context"
	"io"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"
)

// runForeground implements spec.md §4.7's foreground mode: spawn, cap
// output, wait to completion or to timeout_seconds, SIGTERM then SIGKILL
// on timeout.
func (m *Manager) runForeground(ctx context.Context, rec *Record, stdin io.Reader, timeout time.Duration, maxOutputSize int64, returnPartial, captureStderr bool) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := m.buildCmd(cctx, rec)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	outBuf, errBuf := newBoundedBuffer(maxOutputSize), newBoundedBuffer(maxOutputSize)
	cmd.Stdout = outBuf
	cmd.Stderr = stderrWriter(errBuf, captureStderr)

	rec.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		m.finalize(rec, StatusFailed)
		return processError("start", err)
	}
	rec.PID = cmd.Process.Pid
	m.track(rec.ExecutionID, cmd)
	applyRlimit(cmd.Process.Pid, m.cfg.MaxMemoryMB, m.logger)

	waitErr := cmd.Wait()
	m.finishOutput(rec, outBuf, errBuf)

	if cctx.Err() == context.DeadlineExceeded {
		m.finalize(rec, StatusTimeout)
		if !returnPartial {
			return errTimeout
		}
		return nil
	}
	return m.finalizeFromWait(rec, waitErr)
}

// runAdaptive implements spec.md §4.7's adaptive mode: behaves like
// foreground until the sub-timeout elapses or an output stream hits its
// cap, at which point the execution transitions to background with the
// original overall timeout as the final bound. Exactly one child is
// spawned.
func (m *Manager) runAdaptive(ctx context.Context, rec *Record, stdin io.Reader, timeout, subTimeout time.Duration, maxOutputSize int64, captureStderr bool) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)

	cmd := m.buildCmd(cctx, rec)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	outBuf, errBuf := newBoundedBuffer(maxOutputSize), newBoundedBuffer(maxOutputSize)
	cmd.Stdout = outBuf
	cmd.Stderr = stderrWriter(errBuf, captureStderr)

	rec.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		m.finalize(rec, StatusFailed)
		return processError("start", err)
	}
	rec.PID = cmd.Process.Pid
	m.track(rec.ExecutionID, cmd)
	applyRlimit(cmd.Process.Pid, m.cfg.MaxMemoryMB, m.logger)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	subTimer := time.NewTimer(subTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			subTimer.Stop()
			cancel()
			m.finishOutput(rec, outBuf, errBuf)
			if cctx.Err() == context.DeadlineExceeded {
				m.finalize(rec, StatusTimeout)
				return nil
			}
			return m.finalizeFromWait(rec, waitErr)

		case <-subTimer.C:
			rec.TransitionReason = TransitionForegroundTimeout
			m.transitionToBackground(rec, outBuf, errBuf, cmd, done, cctx, cancel)
			return nil

		case <-ticker.C:
			if outBuf.Full() || errBuf.Full() {
				subTimer.Stop()
				rec.TransitionReason = TransitionOutputSizeLimit
				m.transitionToBackground(rec, outBuf, errBuf, cmd, done, cctx, cancel)
				return nil
			}
		}
	}
}

// transitionToBackground persists the output captured so far, attaches its
// identifier, leaves the record in status running, and continues watching
// the already-running child in a goroutine until it exits or the overall
// timeout fires.
func (m *Manager) transitionToBackground(rec *Record, outBuf, errBuf *boundedBuffer, cmd *exec.Cmd, done chan error, cctx context.Context, cancel context.CancelFunc) {
	m.mu.Lock()
	rec.StdoutSnippet = outBuf.String()
	rec.StderrSnippet = errBuf.String()
	rec.OutputTruncated = outBuf.Truncated() || errBuf.Truncated()
	m.mu.Unlock()
	m.persistOutput(rec, append(outBuf.Bytes(), errBuf.Bytes()...))

	go func() {
		defer cancel()
		waitErr := <-done
		m.finishOutput(rec, outBuf, errBuf)
		if cctx.Err() == context.DeadlineExceeded {
			m.finalize(rec, StatusTimeout)
			return
		}
		m.finalizeFromWait(rec, waitErr)
	}()
}

// runBackground implements spec.md §4.7's background mode: spawn, return
// immediately with status running, stream into in-memory buffers,
// finalize asynchronously on exit or overall timeout.
func (m *Manager) runBackground(rec *Record, stdin io.Reader, timeout time.Duration, maxOutputSize int64, captureStderr bool) {
	cctx, cancel := context.WithTimeout(context.Background(), timeout)

	cmd := m.buildCmd(cctx, rec)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	outBuf, errBuf := newBoundedBuffer(maxOutputSize), newBoundedBuffer(maxOutputSize)
	cmd.Stdout = outBuf
	cmd.Stderr = stderrWriter(errBuf, captureStderr)

	rec.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		m.finalize(rec, StatusFailed)
		return
	}
	rec.PID = cmd.Process.Pid
	m.track(rec.ExecutionID, cmd)
	applyRlimit(cmd.Process.Pid, m.cfg.MaxMemoryMB, m.logger)

	go func() {
		defer cancel()
		waitErr := cmd.Wait()
		m.finishOutput(rec, outBuf, errBuf)
		if cctx.Err() == context.DeadlineExceeded {
			m.finalize(rec, StatusTimeout)
			return
		}
		m.finalizeFromWait(rec, waitErr)
	}()
}

// runDetached implements spec.md §4.7's detached mode: stdin closed,
// process group detached from the parent, lifecycle not owned beyond
// spawn; exit is observed opportunistically (DESIGN NOTES open-question
// decision 2).
func (m *Manager) runDetached(rec *Record, stdin io.Reader) {
	cmd := exec.Command("sh", "-c", rec.Command)
	cmd.Dir = rec.WorkingDirectory
	cmd.Env = envSlice(rec.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	// stdin is intentionally not wired from the parent; detached children
	// never read from a caller-supplied input_output_id stream.
	_ = stdin

	rec.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		m.finalize(rec, StatusFailed)
		return
	}
	rec.PID = cmd.Process.Pid
	m.track(rec.ExecutionID, cmd)
	applyRlimit(cmd.Process.Pid, m.cfg.MaxMemoryMB, m.logger)

	var observed int32
	go func() {
		waitErr := cmd.Wait()
		if !atomic.CompareAndSwapInt32(&observed, 0, 1) {
			return
		}
		m.finalizeFromWait(rec, waitErr)
	}()
}

// stderrWriter returns errBuf itself when capture is requested, or a
// discarding writer when the caller set capture_stderr:false — the child
// still runs with a valid stderr fd, its output is just never retained
// (spec.md §6 shell_execute argument capture_stderr).
func stderrWriter(errBuf *boundedBuffer, capture bool) io.Writer {
	if !capture {
		return io.Discard
	}
	return errBuf
}

func (m *Manager) track(id string, cmd *exec.Cmd) {
	m.mu.Lock()
	m.cmds[id] = cmd
	m.mu.Unlock()
}

func (m *Manager) finishOutput(rec *Record, outBuf, errBuf *boundedBuffer) {
	m.mu.Lock()
	rec.StdoutSnippet = outBuf.String()
	rec.StderrSnippet = errBuf.String()
	rec.OutputTruncated = outBuf.Truncated() || errBuf.Truncated()
	m.mu.Unlock()
	m.persistOutput(rec, append(outBuf.Bytes(), errBuf.Bytes()...))
}

func (m *Manager) finalizeFromWait(rec *Record, waitErr error) error {
	if waitErr == nil {
		zero := 0
		m.mu.Lock()
		rec.ExitCode = &zero
		m.mu.Unlock()
		m.finalize(rec, StatusCompleted)
		return nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		m.mu.Lock()
		rec.ExitCode = &code
		m.mu.Unlock()
		m.finalize(rec, StatusCompleted)
		return nil
	}
	m.finalize(rec, StatusFailed)
	return processError("wait", waitErr)
}
