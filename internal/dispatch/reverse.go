package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// ReverseRouter implements elicit.Transport over this package's Envelope
// wire shape, correlating reverse requests and their eventual responses by
// id the same way the teacher's TunnelRequest/TunnelResponse pair
// correlates by request_id. It knows nothing about stdin/stdout directly —
// the actual line writer is injected via SetWriter once the transport loop
// is constructed, breaking the Server/transport construction cycle per
// DESIGN NOTES §9 (narrow interface, not a mutable back-reference).
type ReverseRouter struct {
	seq uint64

	mu      sync.Mutex
	pending map[string]chan map[string]any
	write   func(Envelope) error
}

// NewReverseRouter builds a router with no writer yet attached; SendReverseRequest
// fails until SetWriter is called.
func NewReverseRouter() *ReverseRouter {
	return &ReverseRouter{pending: make(map[string]chan map[string]any)}
}

// SetWriter attaches the function that actually puts a line on the wire.
func (r *ReverseRouter) SetWriter(write func(Envelope) error) {
	r.mu.Lock()
	r.write = write
	r.mu.Unlock()
}

// SendReverseRequest implements elicit.Transport.
func (r *ReverseRouter) SendReverseRequest(ctx context.Context, method string, params any) (map[string]any, error) {
	r.mu.Lock()
	write := r.write
	r.mu.Unlock()
	if write == nil {
		return nil, fmt.Errorf("dispatch: no reverse-request transport attached")
	}

	id := fmt.Sprintf("rr-%d", atomic.AddUint64(&r.seq, 1))
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal reverse-request params: %w", err)
	}

	ch := make(chan map[string]any, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := write(Envelope{Kind: EnvelopeReverseRequest, ID: id, Method: method, Params: paramsRaw}); err != nil {
		return nil, fmt.Errorf("dispatch: write reverse request: %w", err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver is called by the transport's read loop when a reverse_response
// envelope arrives. Unknown ids (late or duplicate replies) are dropped.
func (r *ReverseRouter) Deliver(env Envelope) {
	r.mu.Lock()
	ch, ok := r.pending[env.ID]
	r.mu.Unlock()
	if !ok {
		return
	}

	reply := map[string]any{"action": env.Action}
	if len(env.Content) > 0 {
		var content map[string]any
		if err := json.Unmarshal(env.Content, &content); err == nil {
			reply["content"] = content
		}
	}
	select {
	case ch <- reply:
	default:
	}
}
