package behavior

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thoughtgate/thoughtjack/internal/config"
)

// SideEffectManager owns the cancellation tree for one connection's side
// effects: it spawns Continuous effects when the connection opens, fires
// on_request/on_subscribe/on_unsubscribe effects synchronously from the
// dispatcher's goroutine, and cancels every still-running effect within a
// bounded grace window on shutdown (§4.4, §5).
type SideEffectManager struct {
	sink  Sink
	specs []config.SideEffectConfig
	grace time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSideEffectManager builds a manager bound to one connection's Sink. The
// caller supplies the connection-wide SideEffectConfig list; Start fires its
// on_connect effects and spawns its Continuous ones.
func NewSideEffectManager(sink Sink, specs []config.SideEffectConfig, grace time.Duration) *SideEffectManager {
	return &SideEffectManager{sink: sink, specs: specs, grace: grace}
}

// Start spawns every Continuous side effect and fires every on_connect one,
// under a context derived from parent. Call Stop to cancel and drain them.
func (m *SideEffectManager) Start(parent context.Context) {
	m.mu.Lock()
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.mu.Unlock()

	for _, spec := range m.specs {
		spec := spec
		switch spec.Trigger {
		case config.TriggerContinuous:
			effect := NewSideEffect(spec)
			if !supportsTransport(effect, m.sink.TransportKind()) {
				log.Warn().Str("kind", string(spec.Kind)).Str("transport", string(m.sink.TransportKind())).Str("connection_id", m.sink.ConnectionID()).Msg("side effect not supported on this transport, skipping")
				continue
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				if _, err := effect.Execute(ctx, m.sink); err != nil && ctx.Err() == nil {
					log.Debug().Err(err).Str("kind", string(spec.Kind)).Str("connection_id", m.sink.ConnectionID()).Msg("continuous side effect stopped")
				}
			}()
		case config.TriggerOnConnect:
			m.fireSync(ctx, spec)
		}
	}
}

// Fire runs every configured side effect matching trigger synchronously,
// returning a CloseConnection outcome if any of them requests one (the
// caller — the dispatcher — is responsible for acting on it). It uses the
// manager's own connection-lifetime spec set — for on_connect/continuous
// effects only (§9 Open Question 1); request-scoped triggers should call
// FireSpecs directly against the currently resolved BehaviorConfig instead.
func (m *SideEffectManager) Fire(ctx context.Context, trigger config.SideEffectTrigger) (closeRequested bool, graceful bool) {
	return FireSpecs(ctx, m.sink, m.specs, trigger)
}

func (m *SideEffectManager) fireSync(ctx context.Context, spec config.SideEffectConfig) SideEffectResult {
	return fireSpec(ctx, m.sink, spec)
}

// FireSpecs runs every spec in specs matching trigger against sink,
// synchronously, independent of any SideEffectManager instance. The
// dispatcher uses this for on_request/on_subscribe/on_unsubscribe so each
// dispatch fires the side effects of the *currently resolved* behavior
// (item-scope or phase/baseline, per §4.3's precedence) rather than a
// static per-connection set gathered once at connection open.
func FireSpecs(ctx context.Context, sink Sink, specs []config.SideEffectConfig, trigger config.SideEffectTrigger) (closeRequested bool, graceful bool) {
	for _, spec := range specs {
		if spec.Trigger != trigger {
			continue
		}
		result := fireSpec(ctx, sink, spec)
		if result.Outcome == OutcomeCloseConnection {
			closeRequested = true
			graceful = result.Graceful
		}
	}
	return closeRequested, graceful
}

func fireSpec(ctx context.Context, sink Sink, spec config.SideEffectConfig) SideEffectResult {
	effect := NewSideEffect(spec)
	if !supportsTransport(effect, sink.TransportKind()) {
		log.Warn().Str("kind", string(spec.Kind)).Str("transport", string(sink.TransportKind())).Str("connection_id", sink.ConnectionID()).Msg("side effect not supported on this transport, skipping")
		return SideEffectResult{}
	}
	result, err := effect.Execute(ctx, sink)
	if err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Str("kind", string(spec.Kind)).Str("connection_id", sink.ConnectionID()).Msg("side effect failed")
	}
	return result
}

// Stop cancels every running continuous effect and waits up to the
// configured grace period for them to return.
func (m *SideEffectManager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.grace):
		log.Warn().Str("connection_id", m.sink.ConnectionID()).Msg("side effects did not stop within grace period")
	}
}
