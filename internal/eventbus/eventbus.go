// Package eventbus is the Observability surface collaborator (§6): the core
// emits typed events on a broadcast channel and never depends on how (or
// whether) they're consumed. Grounded on the teacher's
// mcpgw.Gateway.Subscribe/Unsubscribe/Broadcast SSE fan-out, generalized
// from one kitchen-keyed map to a flat subscriber list, and on the
// teacher's zerolog structured-event idiom for the default sink.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind enumerates the typed events of §6.
type Kind string

const (
	ServerStarted       Kind = "ServerStarted"
	RequestReceived     Kind = "RequestReceived"
	ResponseSent        Kind = "ResponseSent"
	PhaseEntered        Kind = "PhaseEntered"
	AttackTriggered     Kind = "AttackTriggered"
	SideEffectExecuted  Kind = "SideEffectExecuted"
	ServerStopped       Kind = "ServerStopped"
)

// Event carries sequence + timestamp + correlation fields (§6). Fields is a
// free-form bag so every emitter can attach what's relevant without a
// combinatorial explosion of event structs.
type Event struct {
	Sequence  uint64
	Timestamp time.Time
	Kind      Kind
	ConnectionID string
	RequestID    string
	Method       string
	PhaseName    string
	Fields       map[string]interface{}
}

// subscriberQueueSize bounds each subscriber's channel; publish drops on
// full rather than blocking the emitter (§4.2 "bounded, drop-on-full
// semantics").
const subscriberQueueSize = 256

// Bus is a broadcast channel of Events. The zero value is not usable; call
// New.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	seq  atomic.Uint64
}

// New returns a Bus with a default zerolog sink already attached.
func New() *Bus {
	b := &Bus{subs: make(map[int]chan Event)}
	b.attachDefaultSink()
	return b
}

// Subscribe registers a new receiver. Callers must drain or Unsubscribe to
// avoid leaking the channel's goroutine-side buffer (the channel itself is
// GC'd once unreferenced; Unsubscribe exists so publish stops trying it).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberQueueSize)
	b.subs[id] = ch
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

// Publish emits an event to all current subscribers, stamping Sequence and
// Timestamp. Never blocks. Many goroutines call Publish concurrently (every
// connection's Dispatcher shares one Bus, §5), so the sequence counter is a
// sync/atomic field rather than a plain field under the subscriber list's
// RWMutex — RLock only serializes against Subscribe/Unsubscribe's map
// mutation, not against other concurrent readers/publishers.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e.Sequence = b.seq.Add(1)
	e.Timestamp = time.Now()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop-on-full: a slow sink must not stall the core.
		}
	}
}

// attachDefaultSink wires a background goroutine that formats events as
// structured zerolog lines, mirroring the teacher's
// log.Info().Str(...).Msg(...) idiom throughout pkg/server/server.go.
func (b *Bus) attachDefaultSink() {
	ch, _ := b.Subscribe()
	go func() {
		for e := range ch {
			ev := log.Info()
			if e.ConnectionID != "" {
				ev = ev.Str("connection_id", e.ConnectionID)
			}
			if e.RequestID != "" {
				ev = ev.Str("request_id", e.RequestID)
			}
			if e.Method != "" {
				ev = ev.Str("method", e.Method)
			}
			if e.PhaseName != "" {
				ev = ev.Str("phase", e.PhaseName)
			}
			for k, v := range e.Fields {
				ev = ev.Interface(k, v)
			}
			ev.Uint64("seq", e.Sequence).Msg(string(e.Kind))
		}
	}()
}
