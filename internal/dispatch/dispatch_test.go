package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thoughtgate/thoughtjack/internal/behavior"
	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/internal/dynresp"
	"github.com/thoughtgate/thoughtjack/internal/eventbus"
	"github.com/thoughtgate/thoughtjack/internal/phase"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

type fakeSink struct {
	mu       sync.Mutex
	messages []interface{}
	closed   bool
	graceful bool
}

func (f *fakeSink) SendMessage(_ context.Context, v interface{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, v)
	return 1, nil
}
func (f *fakeSink) SendRaw(_ context.Context, b []byte) (int, error) { return len(b), nil }
func (f *fakeSink) SendRawDelayed(_ context.Context, b []byte, _ time.Duration) (int, error) {
	return len(b), nil
}
func (f *fakeSink) TransportKind() behavior.TransportKind { return behavior.Stdio }
func (f *fakeSink) ConnectionID() string                  { return "conn-1" }
func (f *fakeSink) Close(graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed, f.graceful = true, graceful
	return nil
}

func (f *fakeSink) last() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil
	}
	return f.messages[len(f.messages)-1]
}

func simpleToolConfig() *config.ServerConfig {
	tools := config.NewOrderedMap[config.ToolItem]()
	tools.Set("echo", config.ToolItem{
		Name: "echo",
		Response: config.ResponseStrategy{
			Kind: config.StrategyStatic,
			Static: []config.ContentItem{
				{Kind: config.ContentText, Value: config.ContentValue{Static: "hello ${args.name}"}},
			},
		},
	})
	return &config.ServerConfig{
		Baseline: &config.Baseline{Tools: tools},
		Limits:   config.DefaultLimits(),
	}
}

func newTestDispatcher(cfg *config.ServerConfig) *Dispatcher {
	ps := phase.New(cfg)
	bus := eventbus.New()
	return New(cfg, ps, nil, dynresp.NewSequenceCounters(), bus, nil)
}

func request(id string, method string, params interface{}) *mcptypes.Request {
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	var idRaw json.RawMessage
	if id != "" {
		idRaw, _ = json.Marshal(id)
	}
	return &mcptypes.Request{Jsonrpc: "2.0", ID: idRaw, Method: method, Params: raw}
}

func TestDispatchToolsCallResolvesTemplate(t *testing.T) {
	d := newTestDispatcher(simpleToolConfig())
	sink := &fakeSink{}
	req := request("1", mcptypes.MethodToolsCall, map[string]interface{}{"name": "echo", "arguments": map[string]interface{}{"name": "world"}})

	err := d.Dispatch(context.Background(), sink, req)
	require.NoError(t, err)

	resp, ok := sink.last().(*mcptypes.Response)
	require.True(t, ok)
	result, ok := resp.Result.(mcptypes.ToolCallResult)
	require.True(t, ok)
	require.Equal(t, "hello world", result.Content[0].Text)
}

func TestDispatchUnknownMethodIgnorePolicy(t *testing.T) {
	cfg := simpleToolConfig()
	cfg.UnknownMethods = config.UnknownIgnore
	d := newTestDispatcher(cfg)
	sink := &fakeSink{}
	req := request("2", "totally/unknown", nil)

	err := d.Dispatch(context.Background(), sink, req)
	require.NoError(t, err)

	resp := sink.last().(*mcptypes.Response)
	require.Nil(t, resp.Error)
	raw, ok := resp.Result.(json.RawMessage)
	require.True(t, ok)
	require.Equal(t, "null", string(raw))
}

func TestDispatchUnknownMethodErrorPolicy(t *testing.T) {
	cfg := simpleToolConfig()
	cfg.UnknownMethods = config.UnknownError
	d := newTestDispatcher(cfg)
	sink := &fakeSink{}
	req := request("3", "totally/unknown", nil)

	err := d.Dispatch(context.Background(), sink, req)
	require.NoError(t, err)

	resp := sink.last().(*mcptypes.Response)
	require.NotNil(t, resp.Error)
	require.Equal(t, mcptypes.CodeMethodNotFound, resp.Error.Code)
}

func TestDispatchUnknownMethodDropPolicySendsNothing(t *testing.T) {
	cfg := simpleToolConfig()
	cfg.UnknownMethods = config.UnknownDrop
	d := newTestDispatcher(cfg)
	sink := &fakeSink{}
	req := request("4", "totally/unknown", nil)

	err := d.Dispatch(context.Background(), sink, req)
	require.NoError(t, err)
	require.Nil(t, sink.last())
}

func TestDispatchUnknownToolReturnsInvalidParams(t *testing.T) {
	d := newTestDispatcher(simpleToolConfig())
	sink := &fakeSink{}
	req := request("5", mcptypes.MethodToolsCall, map[string]interface{}{"name": "does-not-exist"})

	err := d.Dispatch(context.Background(), sink, req)
	require.NoError(t, err)

	resp := sink.last().(*mcptypes.Response)
	require.NotNil(t, resp.Error)
	require.Equal(t, mcptypes.CodeInvalidParams, resp.Error.Code)
}

func TestDispatchNotificationGetsNoResponse(t *testing.T) {
	d := newTestDispatcher(simpleToolConfig())
	sink := &fakeSink{}
	req := request("", mcptypes.NotifyInitialized, nil)

	err := d.Dispatch(context.Background(), sink, req)
	require.NoError(t, err)
	require.Nil(t, sink.last())
}

func TestDispatchItemScopeBehaviorOverridesServerBehavior(t *testing.T) {
	cfg := simpleToolConfig()
	tool, _ := cfg.Baseline.Tools.Get("echo")
	tool.Behavior = &config.BehaviorConfig{Delivery: config.DeliveryConfig{Kind: config.DeliveryResponseDelay, DelayMs: 1}}
	cfg.Baseline.Tools.Set("echo", tool)
	cfg.DefaultBehavior = &config.BehaviorConfig{Delivery: config.DeliveryConfig{Kind: config.DeliveryNormal}}

	d := newTestDispatcher(cfg)
	sink := &fakeSink{}
	req := request("6", mcptypes.MethodToolsCall, map[string]interface{}{"name": "echo", "arguments": map[string]interface{}{"name": "x"}})

	start := time.Now()
	err := d.Dispatch(context.Background(), sink, req)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond)
}

func TestDispatchItemScopeSideEffectFiresOnRequestOnly(t *testing.T) {
	cfg := simpleToolConfig()
	tool, _ := cfg.Baseline.Tools.Get("echo")
	tool.Behavior = &config.BehaviorConfig{
		Delivery: config.DeliveryConfig{Kind: config.DeliveryNormal},
		SideEffects: []config.SideEffectConfig{
			{Kind: config.SideEffectCloseConnection, Trigger: config.TriggerOnRequest, Graceful: true},
		},
	}
	cfg.Baseline.Tools.Set("echo", tool)
	// default_behavior carries no side effects, so a tool without its own
	// item-scope behavior must never see this close requested.
	cfg.DefaultBehavior = &config.BehaviorConfig{Delivery: config.DeliveryConfig{Kind: config.DeliveryNormal}}

	d := newTestDispatcher(cfg)
	sink := &fakeSink{}
	req := request("7", mcptypes.MethodToolsCall, map[string]interface{}{"name": "echo", "arguments": map[string]interface{}{"name": "x"}})

	err := d.Dispatch(context.Background(), sink, req)
	require.NoError(t, err)
	require.True(t, sink.closed)
	require.True(t, sink.graceful)
}
