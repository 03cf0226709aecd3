package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the single wire shape for both directions. A request carries a
// correlation ID and a method; its reply echoes the ID with Response set. A
// notification carries a method but no ID.
type Envelope struct {
	ID       string          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Response bool            `json:"response,omitempty"`
	OK       bool            `json:"ok,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// IsRequest reports whether the envelope expects a correlated reply.
func (e *Envelope) IsRequest() bool {
	return e.ID != "" && !e.Response
}

// IsNotification reports whether the envelope is fire-and-forget.
func (e *Envelope) IsNotification() bool {
	return e.ID == "" && e.Method != ""
}

var (
	// ErrRequestTimeout is returned when no reply arrives within the deadline.
	// The transport never retries: retry policy belongs to the caller.
	ErrRequestTimeout = errors.New("signaling: request timeout")

	// ErrConnectionClosed is returned immediately when the underlying
	// connection is absent or closed at call time.
	ErrConnectionClosed = errors.New("signaling: connection closed")
)

// RequestError is an application-level failure reported by the remote side in
// an otherwise well-formed reply.
type RequestError struct {
	Method string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("signaling: request %q failed: %s", e.Method, e.Reason)
}
