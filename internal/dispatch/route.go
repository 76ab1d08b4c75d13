package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/internal/dynresp"
	"github.com/thoughtgate/thoughtjack/internal/phase"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

// rpcError carries a JSON-RPC error shape without importing the transport
// write path. Drop signals the unknown_methods=drop policy: no response at
// all, not even an error.
type rpcError struct {
	Code    int
	Message string
	Data    interface{}
	Drop    bool
}

// route implements §4.3 step 5-6: method routing and, for call/read/get
// routes, dynamic response resolution against the effective state.
func (d *Dispatcher) route(ctx context.Context, req *mcptypes.Request, es phase.EffectiveState, rctx RequestContext) (interface{}, *rpcError) {
	switch req.Method {
	case mcptypes.MethodInitialize:
		return d.handleInitialize(es), nil
	case mcptypes.MethodPing:
		return map[string]interface{}{}, nil
	case mcptypes.MethodToolsList:
		return d.handleToolsList(es), nil
	case mcptypes.MethodResourcesList:
		return d.handleResourcesList(es), nil
	case mcptypes.MethodPromptsList:
		return d.handlePromptsList(es), nil
	case mcptypes.MethodToolsCall:
		return d.handleToolsCall(ctx, req, es, rctx)
	case mcptypes.MethodResourcesRead:
		return d.handleResourcesRead(ctx, req, es, rctx)
	case mcptypes.MethodPromptsGet:
		return d.handlePromptsGet(ctx, req, es, rctx)
	case mcptypes.MethodResourcesSubscribe, mcptypes.MethodResourcesUnsub:
		return map[string]interface{}{}, nil
	case mcptypes.NotifyInitialized:
		return nil, nil
	default:
		return d.handleUnknown(req)
	}
}

// handleUnknown implements §4.3's unknown_methods policy.
func (d *Dispatcher) handleUnknown(req *mcptypes.Request) (interface{}, *rpcError) {
	switch d.cfg.UnknownMethods {
	case config.UnknownError:
		return nil, &rpcError{Code: mcptypes.CodeMethodNotFound, Message: "Method not found"}
	case config.UnknownDrop:
		return nil, &rpcError{Drop: true}
	default:
		// ignore => {"jsonrpc":"2.0","id":..,"result":null}, never an omitted
		// field or {} (§4.3 "Unknown methods"). json.RawMessage("null") is a
		// non-empty slice so Response.Result's omitempty does not drop it.
		return json.RawMessage("null"), nil
	}
}

func (d *Dispatcher) handleInitialize(es phase.EffectiveState) interface{} {
	return map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    es.Capabilities,
		"serverInfo":      map[string]interface{}{"name": "thoughtjack", "version": "0.1.0"},
	}
}

func (d *Dispatcher) handleToolsList(es phase.EffectiveState) interface{} {
	defs := make([]mcptypes.ToolDef, 0, es.Tools.Len())
	for _, item := range es.Tools.Values() {
		defs = append(defs, mcptypes.ToolDef{Name: item.Name, Description: item.Description, InputSchema: item.InputSchema})
	}
	return map[string]interface{}{"tools": defs}
}

func (d *Dispatcher) handleResourcesList(es phase.EffectiveState) interface{} {
	defs := make([]mcptypes.ResourceDef, 0, es.Resources.Len())
	for _, item := range es.Resources.Values() {
		defs = append(defs, mcptypes.ResourceDef{URI: item.URI, Name: item.Name, Description: item.Description, MimeType: item.MimeType})
	}
	return map[string]interface{}{"resources": defs}
}

func (d *Dispatcher) handlePromptsList(es phase.EffectiveState) interface{} {
	defs := make([]mcptypes.PromptDef, 0, es.Prompts.Len())
	for _, item := range es.Prompts.Values() {
		args := make([]mcptypes.PromptArgumentDef, 0, len(item.Arguments))
		for _, a := range item.Arguments {
			args = append(args, mcptypes.PromptArgumentDef{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		defs = append(defs, mcptypes.PromptDef{Name: item.Name, Description: item.Description, Arguments: args})
	}
	return map[string]interface{}{"prompts": defs}
}

type callParams struct {
	Name      string          `json:"name"`
	URI       string          `json:"uri"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *mcptypes.Request, es phase.EffectiveState, rctx RequestContext) (interface{}, *rpcError) {
	var p callParams
	_ = json.Unmarshal(req.Params, &p)
	item, ok := es.Tools.Get(p.Name)
	if !ok {
		return nil, &rpcError{Code: mcptypes.CodeInvalidParams, Message: fmt.Sprintf("unknown tool %q", p.Name)}
	}
	blocks, err := dynresp.Resolve(ctx, d.resolveRequest("tool", p.Name, rawArgs(p.Arguments), item.Response, rctx))
	if err != nil {
		return nil, &rpcError{Code: mcptypes.CodeHandlerError, Message: err.Error()}
	}
	return mcptypes.ToolCallResult{Content: blocks}, nil
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, req *mcptypes.Request, es phase.EffectiveState, rctx RequestContext) (interface{}, *rpcError) {
	var p callParams
	_ = json.Unmarshal(req.Params, &p)
	item, ok := es.Resources.Get(p.URI)
	if !ok {
		return nil, &rpcError{Code: mcptypes.CodeInvalidParams, Message: fmt.Sprintf("unknown resource %q", p.URI)}
	}
	blocks, err := dynresp.Resolve(ctx, d.resolveRequest("resource", p.URI, nil, item.Response, rctx))
	if err != nil {
		return nil, &rpcError{Code: mcptypes.CodeHandlerError, Message: err.Error()}
	}
	contents := make([]mcptypes.ResourceContent, 0, len(blocks))
	for _, b := range blocks {
		contents = append(contents, mcptypes.ResourceContent{URI: p.URI, MimeType: b.MimeType, Text: b.Text})
	}
	return mcptypes.ResourceReadResult{Contents: contents}, nil
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, req *mcptypes.Request, es phase.EffectiveState, rctx RequestContext) (interface{}, *rpcError) {
	var p callParams
	_ = json.Unmarshal(req.Params, &p)
	item, ok := es.Prompts.Get(p.Name)
	if !ok {
		return nil, &rpcError{Code: mcptypes.CodeInvalidParams, Message: fmt.Sprintf("unknown prompt %q", p.Name)}
	}
	blocks, err := dynresp.Resolve(ctx, d.resolveRequest("prompt", p.Name, rawArgs(p.Arguments), item.Response, rctx))
	if err != nil {
		return nil, &rpcError{Code: mcptypes.CodeHandlerError, Message: err.Error()}
	}
	messages := make([]mcptypes.PromptMessage, 0, len(blocks))
	for _, b := range blocks {
		messages = append(messages, mcptypes.PromptMessage{Role: "user", Content: b})
	}
	return mcptypes.PromptGetResult{Messages: messages}, nil
}

func (d *Dispatcher) resolveRequest(kind, name string, args interface{}, strategy config.ResponseStrategy, rctx RequestContext) dynresp.ResolveRequest {
	return dynresp.ResolveRequest{
		Strategy:     strategy,
		ItemKind:     kind,
		ItemName:     name,
		Args:         args,
		PhaseName:    rctx.PhaseName,
		ConnectionID: rctx.ConnectionID,
		RequestID:    rctx.RequestID,
		Method:       rctx.Method,
		RegexTimeout: d.cfg.Limits.RegexTimeout,
		Limits:       d.cfg.Limits,
		Counters:     d.counters,
	}
}

func rawArgs(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// resolveBehavior implements §4.3's precedence: CLI override → item-scope →
// phase → server/baseline → Normal/no side effects.
func (d *Dispatcher) resolveBehavior(method string, rawParams json.RawMessage, es phase.EffectiveState) config.BehaviorConfig {
	if d.cliOverride != nil {
		return *d.cliOverride
	}
	if b := d.itemScopeBehavior(method, rawParams, es); b != nil {
		return *b
	}
	if es.Behavior != nil {
		return *es.Behavior
	}
	return config.BehaviorConfig{Delivery: config.DeliveryConfig{Kind: config.DeliveryNormal}}
}

// itemScopeBehavior only applies for the method whose params identify the
// matching tool/resource/prompt (§4.3 "only for the corresponding method").
func (d *Dispatcher) itemScopeBehavior(method string, rawParams json.RawMessage, es phase.EffectiveState) *config.BehaviorConfig {
	var p callParams
	_ = json.Unmarshal(rawParams, &p)

	switch method {
	case mcptypes.MethodToolsCall:
		if item, ok := es.Tools.Get(p.Name); ok {
			return item.Behavior
		}
	case mcptypes.MethodResourcesRead, mcptypes.MethodResourcesSubscribe, mcptypes.MethodResourcesUnsub:
		if item, ok := es.Resources.Get(p.URI); ok {
			return item.Behavior
		}
	case mcptypes.MethodPromptsGet:
		if item, ok := es.Prompts.Get(p.Name); ok {
			return item.Behavior
		}
	}
	return nil
}
