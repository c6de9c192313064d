package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/shellmcp/shellmcp/internal/dispatch"
	"github.com/shellmcp/shellmcp/internal/process"
)

// stdoutWriter serializes concurrent writers onto the single stdout stream:
// per-request responses and reverse requests can both be in flight at once.
type stdoutWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *stdoutWriter) write(env dispatch.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(env)
}

// serveStdio reads line-delimited JSON requests from stdin and writes
// line-delimited JSON responses to stdout (spec.md §6), dispatching each
// request concurrently so a slow foreground execution never blocks other
// in-flight operations, and routing reverse_response lines to the
// elicitation transport's ReverseRouter.
func serveStdio(server *dispatch.Server, router *dispatch.ReverseRouter, log *slog.Logger, procMgr *process.Manager) error {
	out := &stdoutWriter{enc: json.NewEncoder(os.Stdout)}
	router.SetWriter(out.write)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var wg sync.WaitGroup
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var env dispatch.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				log.Warn("shellmcpd: malformed envelope", "error", err)
				continue
			}
			handleEnvelope(ctx, &wg, server, router, out, log, env)
		}
		if err := scanner.Err(); err != nil {
			log.Error("shellmcpd: stdin read error", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shellmcpd: shutting down on signal")
	case <-readDone:
		log.Info("shellmcpd: stdin closed, shutting down")
	}

	wg.Wait()
	procMgr.Shutdown()
	return nil
}

func handleEnvelope(ctx context.Context, wg *sync.WaitGroup, server *dispatch.Server, router *dispatch.ReverseRouter, out *stdoutWriter, log *slog.Logger, env dispatch.Envelope) {
	switch env.Kind {
	case dispatch.EnvelopeRequest:
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, derr := server.Dispatch(ctx, env.Operation, env.Arguments)
			resp := dispatch.Envelope{Kind: dispatch.EnvelopeResponse, ID: env.ID}
			if derr != nil {
				resp.Error = derr
			} else if raw, err := json.Marshal(result); err == nil {
				resp.Result = raw
			} else {
				resp.Error = &dispatch.Error{Kind: dispatch.KindExecutionFailure, Message: "failed to marshal result"}
			}
			if err := out.write(resp); err != nil {
				log.Error("shellmcpd: failed to write response", "error", err)
			}
		}()
	case dispatch.EnvelopeReverseResponse:
		router.Deliver(env)
	default:
		log.Warn("shellmcpd: unrecognized envelope kind", "kind", env.Kind)
	}
}
