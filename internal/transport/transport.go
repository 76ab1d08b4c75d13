// Package transport frames MCP JSON-RPC messages over stdio and HTTP+SSE,
// surfaces per-connection context, and backs internal/behavior's Sink
// interface so delivery behaviors and side effects write through the same
// serialized path as ordinary responses (§4.1). Grounded on the teacher's
// internal/mcpgw.Gateway: its executeHTTPTool/executeSSETool envelope
// construction and Subscribe/Unsubscribe/Broadcast fan-out generalize here
// to arbitrary JSON-RPC framing instead of one fixed tool-call shape.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thoughtgate/thoughtjack/internal/behavior"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

// ErrConnectionClosed is returned by Send* once a connection has closed.
var ErrConnectionClosed = errors.New("transport: connection closed")

// ErrOversizeMessage is returned when receive_message would exceed the
// configured MaxMessageBytes (§4.1 "Failures").
var ErrOversizeMessage = errors.New("transport: message exceeds configured limit")

// ConnectionContext describes one connection for observability and
// behavior resolution.
type ConnectionContext struct {
	ID          string
	Kind        behavior.TransportKind
	RemoteAddr  string
	ConnectedAt time.Time
}

// Transport is the per-connection read/write/lifecycle surface of §4.1. It
// embeds behavior.Sink so internal/behavior can drive delivery/side-effect
// writes without importing this package.
type Transport interface {
	behavior.Sink
	behavior.Closer
	behavior.ClientRequestTracker

	// ReceiveMessage blocks for the next inbound JSON-RPC value. Returns
	// io.EOF-wrapping errors when the connection ends normally.
	ReceiveMessage(ctx context.Context) (*mcptypes.Request, error)
	ConnectionContext() ConnectionContext
}

// checkMessageSize reports ErrOversizeMessage when n reaches max (a max of
// 0 or less disables the check). Neither backend calls it: stdio compares
// the line length inline in readLoop, and HTTP bounds the body with
// http.MaxBytesReader.
func checkMessageSize(n, max int64) error {
	if max > 0 && n >= max {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrOversizeMessage, n, max)
	}
	return nil
}

// marshalEnvelope is the single json.Marshal call path both backends use
// for send_message, keeping wire shape identical across transports.
func marshalEnvelope(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
