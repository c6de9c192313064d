package dispatch

import "encoding/json"

// Kind of wire line, mirroring the teacher's Envelope{Type} discriminator
// idiom (internal/ws/protocol.go) adapted from a single WebSocket
// connection's many message types to this transport's four line shapes.
type EnvelopeKind string

const (
	EnvelopeRequest         EnvelopeKind = "request"
	EnvelopeResponse        EnvelopeKind = "response"
	EnvelopeReverseRequest  EnvelopeKind = "reverse_request"
	EnvelopeReverseResponse EnvelopeKind = "reverse_response"
)

// Envelope is one line of the stdio transport (spec.md §6: "line-delimited
// JSON on standard input/output"). Only the fields relevant to Kind are
// populated; the request_id correlation is the same pattern as the
// teacher's TunnelRequest/TunnelResponse pair.
type Envelope struct {
	Kind EnvelopeKind `json:"kind"`
	ID   string       `json:"id"`

	// EnvelopeRequest
	Operation string          `json:"operation,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// EnvelopeResponse
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`

	// EnvelopeReverseRequest
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// EnvelopeReverseResponse
	Action  string          `json:"action,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}
