package behavior

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thoughtgate/thoughtjack/internal/config"
)

// DeliveryResult is returned by every Delivery implementation (§4.4).
type DeliveryResult struct {
	BytesSent int
	Duration  time.Duration
	Completed bool
}

// Delivery adapts a response message to the wire per one of the five
// behaviors of §3.1/§4.4. Implementations must honor ctx cancellation so
// shutdown completes within the bounded grace window (§4.1, §5).
type Delivery interface {
	Deliver(ctx context.Context, sink Sink, message interface{}) (DeliveryResult, error)
	Kind() config.DeliveryKind
}

// NewDelivery builds the Delivery implementation named by cfg.Kind. lim
// bounds NestedJson's depth at the same ceiling the payload generators use
// (§4.6), so a misconfigured delivery behavior cannot itself become an
// unbounded allocation.
func NewDelivery(cfg config.DeliveryConfig, lim config.Limits) Delivery {
	switch cfg.Kind {
	case config.DeliverySlowLoris:
		return &slowLoris{cfg: cfg}
	case config.DeliveryUnboundedLine:
		return &unboundedLine{cfg: cfg}
	case config.DeliveryNestedJSON:
		return &nestedJSON{cfg: cfg, maxDepth: lim.MaxNestDepth}
	case config.DeliveryResponseDelay:
		return &responseDelay{cfg: cfg}
	default:
		return normalDelivery{}
	}
}

// ── Normal ───────────────────────────────────────────────────

type normalDelivery struct{}

func (normalDelivery) Kind() config.DeliveryKind { return config.DeliveryNormal }

func (normalDelivery) Deliver(ctx context.Context, sink Sink, message interface{}) (DeliveryResult, error) {
	start := time.Now()
	n, err := sink.SendMessage(ctx, message)
	return DeliveryResult{BytesSent: n, Duration: time.Since(start), Completed: err == nil}, err
}

// ── SlowLoris ────────────────────────────────────────────────

type slowLoris struct{ cfg config.DeliveryConfig }

func (slowLoris) Kind() config.DeliveryKind { return config.DeliverySlowLoris }

// Deliver serializes the message once, then writes it out in chunks of
// ChunkSize with a ByteDelayMs sleep between each (§4.4). A zero delay
// degrades to effectively-Normal timing, per §8's boundary behavior.
// Stdio gets its line terminator once, at the end, via a separate
// sink.SendRaw after the last chunk (terminatorFor returns nil for other
// transports) — this behavior only decides chunk boundaries and pacing.
func (d slowLoris) Deliver(ctx context.Context, sink Sink, message interface{}) (DeliveryResult, error) {
	start := time.Now()
	body, err := json.Marshal(message)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("behavior: marshal slow_loris message: %w", err)
	}

	chunkSize := d.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}
	delay := time.Duration(d.cfg.ByteDelayMs) * time.Millisecond

	total := 0
	for i := 0; i < len(body); i += chunkSize {
		end := i + chunkSize
		if end > len(body) {
			end = len(body)
		}
		select {
		case <-ctx.Done():
			return DeliveryResult{BytesSent: total, Duration: time.Since(start), Completed: false}, ctx.Err()
		default:
		}
		n, err := sink.SendRawDelayed(ctx, body[i:end], delay)
		total += n
		if err != nil {
			return DeliveryResult{BytesSent: total, Duration: time.Since(start), Completed: false}, err
		}
	}
	if nlN, err := sink.SendRaw(ctx, terminatorFor(sink)); err == nil {
		total += nlN
	}
	return DeliveryResult{BytesSent: total, Duration: time.Since(start), Completed: true}, nil
}

// terminatorFor returns the stdio NDJSON newline, or nothing for HTTP
// (chunked transfer framing handles message boundaries there).
func terminatorFor(sink Sink) []byte {
	if sink.TransportKind() == Stdio {
		return []byte("\n")
	}
	return nil
}

// ── UnboundedLine ────────────────────────────────────────────

type unboundedLine struct{ cfg config.DeliveryConfig }

func (unboundedLine) Kind() config.DeliveryKind { return config.DeliveryUnboundedLine }

// Deliver writes the serialized body, optionally padded to TargetBytes, and
// deliberately omits the terminator (newline on stdio, Content-Length/chunk
// termination on HTTP) so the client is left waiting (§4.4). The call
// completes from the server's side.
func (d unboundedLine) Deliver(ctx context.Context, sink Sink, message interface{}) (DeliveryResult, error) {
	start := time.Now()
	body, err := json.Marshal(message)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("behavior: marshal unbounded_line message: %w", err)
	}
	if d.cfg.TargetBytes > len(body) {
		pad := d.cfg.PadChar
		if pad == 0 {
			pad = ' '
		}
		padding := make([]byte, d.cfg.TargetBytes-len(body))
		for i := range padding {
			padding[i] = pad
		}
		body = append(body, padding...)
	}
	n, err := sink.SendRaw(ctx, body)
	return DeliveryResult{BytesSent: n, Duration: time.Since(start), Completed: err == nil}, err
}

// ── NestedJson ───────────────────────────────────────────────

type nestedJSON struct {
	cfg      config.DeliveryConfig
	maxDepth int
}

func (nestedJSON) Kind() config.DeliveryKind { return config.DeliveryNestedJSON }

func (d nestedJSON) Deliver(ctx context.Context, sink Sink, message interface{}) (DeliveryResult, error) {
	depth := d.cfg.NestDepth
	if d.maxDepth > 0 && depth > d.maxDepth {
		depth = d.maxDepth
	}
	key := d.cfg.NestKey
	if key == "" {
		key = "wrapped"
	}
	wrapped := message
	for i := 0; i < depth; i++ {
		wrapped = map[string]interface{}{key: wrapped}
	}
	start := time.Now()
	n, err := sink.SendMessage(ctx, wrapped)
	return DeliveryResult{BytesSent: n, Duration: time.Since(start), Completed: err == nil}, err
}

// ── ResponseDelay ────────────────────────────────────────────

type responseDelay struct{ cfg config.DeliveryConfig }

func (responseDelay) Kind() config.DeliveryKind { return config.DeliveryResponseDelay }

func (d responseDelay) Deliver(ctx context.Context, sink Sink, message interface{}) (DeliveryResult, error) {
	start := time.Now()
	delay := time.Duration(d.cfg.DelayMs) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return DeliveryResult{Duration: time.Since(start)}, ctx.Err()
	case <-timer.C:
	}
	n, err := sink.SendMessage(ctx, message)
	return DeliveryResult{BytesSent: n, Duration: time.Since(start), Completed: err == nil}, err
}
