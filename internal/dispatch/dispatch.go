// Package dispatch implements the Dispatcher of §4.3: message routing,
// behavior resolution, Phase Engine coordination, and response delivery.
// Grounded on the teacher's internal/mcpgw.Gateway.HandleJSONRPC method
// switch, generalized from a fixed tool-proxy shape to the configurable
// tool/resource/prompt catalogue of ServerConfig.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/thoughtgate/thoughtjack/internal/behavior"
	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/internal/dynresp"
	"github.com/thoughtgate/thoughtjack/internal/eventbus"
	"github.com/thoughtgate/thoughtjack/internal/phase"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

// RequestContext carries per-message observability fields (§4.3 step 2).
type RequestContext struct {
	ConnectionID string
	RequestID    string
	Method       string
	PhaseName    string
}

// Dispatcher routes one connection's inbound messages. One Dispatcher is
// constructed per connection by pkg/server, closing over that connection's
// phase.State and dynresp.SequenceCounters. sideEffects is the connection's
// SideEffectManager, retained only so its lifetime is visible alongside the
// rest of the connection's wiring — request-scoped side effects are fired
// per dispatch via behavior.FireSpecs against the resolved BehaviorConfig
// (§9 Open Question 1), not through this field; the manager itself owns
// only on_connect/continuous effects, started/stopped by pkg/server.
type Dispatcher struct {
	cfg         *config.ServerConfig
	phaseState  *phase.State
	sideEffects *behavior.SideEffectManager
	counters    *dynresp.SequenceCounters
	bus         *eventbus.Bus

	cliOverride *config.BehaviorConfig // set via --force-behavior, nil otherwise
}

// New builds a Dispatcher for one connection.
func New(cfg *config.ServerConfig, phaseState *phase.State, sideEffects *behavior.SideEffectManager, counters *dynresp.SequenceCounters, bus *eventbus.Bus, cliOverride *config.BehaviorConfig) *Dispatcher {
	return &Dispatcher{cfg: cfg, phaseState: phaseState, sideEffects: sideEffects, counters: counters, bus: bus, cliOverride: cliOverride}
}

// Dispatch implements the per-message flow of §4.3. sink is the
// behavior.Sink the caller's transport supplies; req is the parsed
// JSON-RPC envelope. Dispatch never panics (§4.3 "Failure semantics") —
// a deferred recover converts any panic into a logged internal error.
func (d *Dispatcher) Dispatch(ctx context.Context, sink behavior.Sink, req *mcptypes.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("connection_id", sink.ConnectionID()).Str("method", req.Method).Msg("dispatcher recovered from panic")
			err = fmt.Errorf("dispatch: internal error")
		}
	}()

	isNotification := req.IsNotification()
	rctx := RequestContext{
		ConnectionID: sink.ConnectionID(),
		RequestID:    string(req.ID),
		Method:       req.Method,
		PhaseName:    d.phaseState.EffectiveState().PhaseName,
	}

	d.bus.Publish(eventbus.Event{Kind: eventbus.RequestReceived, ConnectionID: rctx.ConnectionID, RequestID: rctx.RequestID, Method: rctx.Method, PhaseName: rctx.PhaseName})

	transition := d.phaseState.RecordEvent(req.Method, itemNameFromParams(req.Method, req.Params), rawParamsToInterface(req.Params))
	effective := d.phaseState.EffectiveState()

	result, rpcErr := d.route(ctx, req, effective, rctx)

	behaviorCfg := d.resolveBehavior(req.Method, req.Params, effective)

	if isNotification {
		// Notifications get no response, but side effects and transitions
		// still run (§4.3 "Failure semantics").
		d.fireRequestSideEffects(ctx, sink, behaviorCfg, req.Method)
		d.runTransition(ctx, sink, transition)
		return nil
	}

	if rpcErr != nil && rpcErr.Drop {
		// unknown_methods=drop: no response at all, to test client timeout
		// handling (§4.3 "Unknown methods"). Side effects/transitions still run.
		d.fireRequestSideEffects(ctx, sink, behaviorCfg, req.Method)
		d.runTransition(ctx, sink, transition)
		return nil
	}

	closeReq, graceful := d.fireRequestSideEffects(ctx, sink, behaviorCfg, req.Method)

	var msg interface{}
	if rpcErr != nil {
		msg = mcptypes.NewError(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		msg = mcptypes.NewResult(req.ID, result)
	}

	delivery := behavior.NewDelivery(behaviorCfg.Delivery, d.cfg.Limits)
	if _, err := delivery.Deliver(ctx, sink, msg); err != nil {
		d.bus.Publish(eventbus.Event{Kind: eventbus.AttackTriggered, ConnectionID: rctx.ConnectionID, Fields: map[string]interface{}{"delivery_error": err.Error()}})
	}

	d.bus.Publish(eventbus.Event{Kind: eventbus.ResponseSent, ConnectionID: rctx.ConnectionID, RequestID: rctx.RequestID, Method: rctx.Method})

	d.runTransition(ctx, sink, transition)

	if closeReq {
		if closer, ok := sink.(behavior.Closer); ok {
			_ = closer.Close(graceful)
		}
	}
	return nil
}

func (d *Dispatcher) runTransition(ctx context.Context, sink behavior.Sink, transition *phase.Transition) {
	if transition == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Kind: eventbus.PhaseEntered, ConnectionID: sink.ConnectionID(), PhaseName: transition.PhaseName})
	for _, action := range transition.EntryActions {
		if err := d.runEntryAction(ctx, sink, action); err != nil {
			log.Warn().Err(err).Str("connection_id", sink.ConnectionID()).Str("kind", string(action.Kind)).Msg("entry action failed, skipping")
		}
	}
}

func (d *Dispatcher) runEntryAction(ctx context.Context, sink behavior.Sink, action config.EntryAction) error {
	switch action.Kind {
	case config.ActionSendNotification:
		_, err := sink.SendMessage(ctx, mcptypes.Notification{Jsonrpc: "2.0", Method: action.Method, Params: action.Params})
		return err
	case config.ActionSendRequest:
		id := action.IDOverride
		if id == nil {
			id = 1
		}
		_, err := sink.SendMessage(ctx, mcptypes.ServerRequest{Jsonrpc: "2.0", ID: id, Method: action.Method, Params: action.Params})
		return err
	case config.ActionLog:
		log.Info().Str("connection_id", sink.ConnectionID()).Msg(action.Message)
		return nil
	default:
		return fmt.Errorf("dispatch: unknown entry action kind %q", action.Kind)
	}
}

// fireRequestSideEffects fires on_request, plus on_subscribe/on_unsubscribe
// for the subscription routes (§4.3 step 8), against the side effects of
// the behavior actually resolved for this request (CLI override, else
// item-scope, else phase/baseline — §4.3's precedence) rather than the
// connection-wide static set the SideEffectManager was built from. Only
// on_connect/continuous effects are owned by that manager (§9 Open
// Question 1); everything request-scoped is fired directly here via
// behavior.FireSpecs so it reflects the currently active phase.
func (d *Dispatcher) fireRequestSideEffects(ctx context.Context, sink behavior.Sink, behaviorCfg config.BehaviorConfig, method string) (closeRequested, graceful bool) {
	specs := behaviorCfg.SideEffects
	closeRequested, graceful = behavior.FireSpecs(ctx, sink, specs, config.TriggerOnRequest)
	var extraClose, extraGraceful bool
	switch method {
	case mcptypes.MethodResourcesSubscribe:
		extraClose, extraGraceful = behavior.FireSpecs(ctx, sink, specs, config.TriggerOnSubscribe)
	case mcptypes.MethodResourcesUnsub:
		extraClose, extraGraceful = behavior.FireSpecs(ctx, sink, specs, config.TriggerOnUnsubscribe)
	}
	if extraClose {
		closeRequested, graceful = true, extraGraceful
	}
	return closeRequested, graceful
}

// itemNameFromParams pulls the params.name or params.uri field used as the
// event-name component of record_event (§4.2 "Event recording").
func itemNameFromParams(method string, raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	if p.Name != "" {
		return p.Name
	}
	return p.URI
}

func rawParamsToInterface(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
