// Package behavior implements the Delivery Behaviors and Side Effects of
// §4.4: how a response is framed on the wire, and the server-initiated
// traffic fired independently of any one request/response pair. Both
// interfaces are transport-agnostic — internal/transport supplies the Sink
// implementation so payload bytes stay identical across stdio and HTTP,
// only framing differs (§4.1's delivery-adaptation invariant).
package behavior

import (
	"context"
	"time"
)

// TransportKind names the two backends of §4.1.
type TransportKind string

const (
	Stdio TransportKind = "stdio"
	HTTP  TransportKind = "http"
)

// Sink is the minimal write surface a delivery behavior or side effect
// needs. internal/transport's per-connection write mutex (§4.1, §5) backs
// every implementation so concurrent writers never interleave bytes within
// one JSON-RPC value (§8 invariant 4).
type Sink interface {
	// SendMessage serializes v as one JSON-RPC value and frames it per the
	// transport's normal framing (NDJSON line, or a single HTTP/SSE
	// response). Returns bytes written.
	SendMessage(ctx context.Context, v interface{}) (int, error)
	// SendRaw writes bytes with no additional framing — callers are
	// responsible for any terminator.
	SendRaw(ctx context.Context, b []byte) (int, error)
	// SendRawDelayed writes chunk then sleeps delay before returning,
	// honoring ctx cancellation between the write and the sleep. Used by
	// SlowLoris so the sleep lives on the same serialized write path as
	// every other writer.
	SendRawDelayed(ctx context.Context, chunk []byte, delay time.Duration) (int, error)
	TransportKind() TransportKind
	ConnectionID() string
}

// Closer is implemented by sinks that can be asked to close their
// connection independently of the whole server (§4.4 CloseConnection).
type Closer interface {
	Close(graceful bool) error
}

// ClientRequestTracker is implemented by sinks that remember the most
// recently observed client request id, used by DuplicateRequestIds'
// last-client-seen collision mode (SPEC_FULL.md §9 Open Question 2).
type ClientRequestTracker interface {
	LastClientRequestID() (interface{}, bool)
}
