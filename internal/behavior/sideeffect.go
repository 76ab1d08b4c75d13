package behavior

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

// Outcome distinguishes a side effect that ran to completion from one that
// asked the transport to close the connection (§4.4 CloseConnection).
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeCloseConnection Outcome = "close_connection"
)

// SideEffectResult is returned by every SideEffect implementation.
type SideEffectResult struct {
	MessagesSent int
	BytesSent    int
	Duration     time.Duration
	Completed    bool
	Outcome      Outcome
	Graceful     bool
}

// SideEffect is server-initiated traffic fired independently of any one
// request/response pair (§4.4). Continuous effects run until ctx is
// cancelled; the rest run once per invocation of their trigger.
type SideEffect interface {
	Execute(ctx context.Context, sink Sink) (SideEffectResult, error)
	Kind() config.SideEffectKind
	Trigger() config.SideEffectTrigger
}

// transportGated is implemented by side effects that only make sense on
// some transports (§4.1 "each side effect declares supports_transport").
// A side effect that doesn't implement it supports every transport.
type transportGated interface {
	SupportsTransport(kind TransportKind) bool
}

// supportsTransport reports whether effect may run against a sink of the
// given transport kind, consulting transportGated when the effect opts in.
func supportsTransport(effect SideEffect, kind TransportKind) bool {
	if g, ok := effect.(transportGated); ok {
		return g.SupportsTransport(kind)
	}
	return true
}

// NewSideEffect builds the SideEffect implementation named by cfg.Kind.
func NewSideEffect(cfg config.SideEffectConfig) SideEffect {
	switch cfg.Kind {
	case config.SideEffectNotificationFlood:
		return &notificationFlood{cfg: cfg}
	case config.SideEffectBatchAmplify:
		return &batchAmplify{cfg: cfg}
	case config.SideEffectPipeDeadlock:
		return &pipeDeadlock{cfg: cfg}
	case config.SideEffectCloseConnection:
		return &closeConnection{cfg: cfg}
	case config.SideEffectDuplicateRequestIds:
		return &duplicateRequestIds{cfg: cfg}
	default:
		return noopSideEffect{cfg: cfg}
	}
}

type noopSideEffect struct{ cfg config.SideEffectConfig }

func (s noopSideEffect) Kind() config.SideEffectKind       { return s.cfg.Kind }
func (s noopSideEffect) Trigger() config.SideEffectTrigger { return s.cfg.Trigger }
func (noopSideEffect) Execute(context.Context, Sink) (SideEffectResult, error) {
	return SideEffectResult{Completed: true, Outcome: OutcomeCompleted}, nil
}

// ── NotificationFlood ────────────────────────────────────────

type notificationFlood struct{ cfg config.SideEffectConfig }

func (s notificationFlood) Kind() config.SideEffectKind       { return s.cfg.Kind }
func (s notificationFlood) Trigger() config.SideEffectTrigger { return s.cfg.Trigger }

// Execute emits server notifications at RatePerSec, clamped to
// [1, config.DefaultLimits().MaxFloodRatePerSec], for DurationSec (or until
// ctx is cancelled, whichever comes first), per §4.4. When Trigger is
// Continuous this runs for the connection's lifetime and DurationSec is
// ignored — the caller's ctx is the only bound.
func (s notificationFlood) Execute(ctx context.Context, sink Sink) (SideEffectResult, error) {
	start := time.Now()
	rate := s.cfg.RatePerSec
	if rate <= 0 {
		rate = 1
	}
	if maxRate := config.DefaultLimits().MaxFloodRatePerSec; rate > maxRate {
		rate = maxRate
	}
	interval := time.Second / time.Duration(rate)

	var deadline <-chan time.Time
	if s.cfg.Trigger != config.TriggerContinuous && s.cfg.DurationSec > 0 {
		timer := time.NewTimer(time.Duration(s.cfg.DurationSec) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent, bytes := 0, 0
	for {
		select {
		case <-ctx.Done():
			return SideEffectResult{MessagesSent: sent, BytesSent: bytes, Duration: time.Since(start), Completed: true, Outcome: OutcomeCompleted}, nil
		case <-deadline:
			return SideEffectResult{MessagesSent: sent, BytesSent: bytes, Duration: time.Since(start), Completed: true, Outcome: OutcomeCompleted}, nil
		case <-ticker.C:
			n, err := sink.SendMessage(ctx, mcptypes.Notification{Jsonrpc: "2.0", Method: s.cfg.Method, Params: s.cfg.Params})
			bytes += n
			if err != nil {
				return SideEffectResult{MessagesSent: sent, BytesSent: bytes, Duration: time.Since(start)}, err
			}
			sent++
		}
	}
}

// ── BatchAmplify ─────────────────────────────────────────────

type batchAmplify struct{ cfg config.SideEffectConfig }

func (s batchAmplify) Kind() config.SideEffectKind       { return s.cfg.Kind }
func (s batchAmplify) Trigger() config.SideEffectTrigger { return s.cfg.Trigger }

// Execute writes one JSON-RPC batch array containing BatchSize copies of
// the configured notification, fired synchronously on its trigger (§4.4).
func (s batchAmplify) Execute(ctx context.Context, sink Sink) (SideEffectResult, error) {
	start := time.Now()
	size := s.cfg.BatchSize
	if size <= 0 {
		size = 1
	}
	batch := make([]mcptypes.Notification, size)
	for i := range batch {
		batch[i] = mcptypes.Notification{Jsonrpc: "2.0", Method: s.cfg.Method, Params: s.cfg.Params}
	}
	n, err := sink.SendMessage(ctx, batch)
	return SideEffectResult{MessagesSent: size, BytesSent: n, Duration: time.Since(start), Completed: err == nil, Outcome: OutcomeCompleted}, err
}

// ── PipeDeadlock ─────────────────────────────────────────────

type pipeDeadlock struct{ cfg config.SideEffectConfig }

func (s pipeDeadlock) Kind() config.SideEffectKind       { return s.cfg.Kind }
func (s pipeDeadlock) Trigger() config.SideEffectTrigger { return s.cfg.Trigger }

// SupportsTransport restricts pipe_deadlock to stdio (§4.1): the attack
// depends on a fixed-size OS pipe buffer backing the connection, which an
// HTTP response writer doesn't have.
func (s pipeDeadlock) SupportsTransport(kind TransportKind) bool { return kind == Stdio }

// Execute writes FillBytes of raw, non-JSON-terminated filler with no
// reader draining it — intended to saturate the client's stdio pipe
// buffer and force the write to block (§4.4). It never reads a response;
// whatever blocks, blocks until ctx cancellation closes the connection.
func (s pipeDeadlock) Execute(ctx context.Context, sink Sink) (SideEffectResult, error) {
	start := time.Now()
	fill := s.cfg.FillBytes
	if fill <= 0 {
		fill = 1 << 20
	}
	filler := make([]byte, fill)
	for i := range filler {
		filler[i] = 'A'
	}
	n, err := sink.SendRaw(ctx, filler)
	completed := err == nil
	return SideEffectResult{BytesSent: n, Duration: time.Since(start), Completed: completed, Outcome: OutcomeCompleted}, err
}

// ── CloseConnection ──────────────────────────────────────────

type closeConnection struct{ cfg config.SideEffectConfig }

func (s closeConnection) Kind() config.SideEffectKind       { return s.cfg.Kind }
func (s closeConnection) Trigger() config.SideEffectTrigger { return s.cfg.Trigger }

// Execute waits InitialDelay (honoring ctx), then reports CloseConnection
// as its outcome. It does not call Close itself — the caller (manager.go
// or the dispatcher) holds the Closer and decides when server-wide
// shutdown semantics apply, keeping this type transport-independent.
func (s closeConnection) Execute(ctx context.Context, sink Sink) (SideEffectResult, error) {
	start := time.Now()
	if s.cfg.InitialDelay > 0 {
		timer := time.NewTimer(s.cfg.InitialDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return SideEffectResult{Duration: time.Since(start)}, ctx.Err()
		case <-timer.C:
		}
	}
	return SideEffectResult{Duration: time.Since(start), Completed: true, Outcome: OutcomeCloseConnection, Graceful: s.cfg.Graceful}, nil
}

// ── DuplicateRequestIds ──────────────────────────────────────

type duplicateRequestIds struct{ cfg config.SideEffectConfig }

func (s duplicateRequestIds) Kind() config.SideEffectKind       { return s.cfg.Kind }
func (s duplicateRequestIds) Trigger() config.SideEffectTrigger { return s.cfg.Trigger }

// Execute sends Count server-initiated *requests* that all reuse the same
// id, colliding with the most recently observed client request id when
// IDSource is last_client_seen and the sink tracks one (§9 Open Question 2),
// falling back to IDValue otherwise. These are requests, not responses —
// the attack is a client's id-correlation logic racing against duplicate
// unsolicited requests, not a response to something it never asked.
func (s duplicateRequestIds) Execute(ctx context.Context, sink Sink) (SideEffectResult, error) {
	start := time.Now()
	count := s.cfg.Count
	if count <= 0 {
		count = 2
	}

	id := s.cfg.IDValue
	if id == nil {
		id = 1
	}
	if s.cfg.IDSource == config.DuplicateIDLastClientSeen {
		if tracker, ok := sink.(ClientRequestTracker); ok {
			if seen, ok := tracker.LastClientRequestID(); ok {
				id = seen
			}
		}
	}

	method := s.cfg.Method
	if method == "" {
		method = "sampling/createMessage"
	}

	sent, bytes := 0, 0
	for i := 0; i < count; i++ {
		req := mcptypes.ServerRequest{
			Jsonrpc: "2.0",
			ID:      id,
			Method:  method,
			Params: map[string]interface{}{
				"duplicate_index": i,
				"echo_id":         fmt.Sprintf("%v", id),
				"marker":          uuid.NewString(),
			},
		}
		n, err := sink.SendMessage(ctx, req)
		bytes += n
		if err != nil {
			return SideEffectResult{MessagesSent: sent, BytesSent: bytes, Duration: time.Since(start)}, err
		}
		sent++
	}
	return SideEffectResult{MessagesSent: sent, BytesSent: bytes, Duration: time.Since(start), Completed: true, Outcome: OutcomeCompleted}, nil
}
