package behavior

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

// fakeSink records every write for assertions; it never touches a real
// connection, matching how the teacher's in-memory fakes exercise its
// broadcast fan-out without a network.
type fakeSink struct {
	mu        sync.Mutex
	messages  []interface{}
	raw       [][]byte
	kind      TransportKind
	connID    string
	lastReqID interface{}
	hasReqID  bool
}

func newFakeSink() *fakeSink { return &fakeSink{kind: Stdio, connID: "conn-1"} }

func (f *fakeSink) SendMessage(_ context.Context, v interface{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, v)
	return 1, nil
}

func (f *fakeSink) SendRaw(_ context.Context, b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, b)
	return len(b), nil
}

func (f *fakeSink) SendRawDelayed(ctx context.Context, chunk []byte, delay time.Duration) (int, error) {
	n, err := f.SendRaw(ctx, chunk)
	if err != nil {
		return n, err
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-time.After(delay):
		}
	}
	return n, nil
}

func (f *fakeSink) TransportKind() TransportKind { return f.kind }
func (f *fakeSink) ConnectionID() string         { return f.connID }

func (f *fakeSink) LastClientRequestID() (interface{}, bool) {
	return f.lastReqID, f.hasReqID
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestNormalDeliverySendsOneMessage(t *testing.T) {
	sink := newFakeSink()
	d := NewDelivery(config.DeliveryConfig{Kind: config.DeliveryNormal}, config.DefaultLimits())
	result, err := d.Deliver(context.Background(), sink, map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, 1, sink.count())
}

func TestSlowLorisChunksAndTerminates(t *testing.T) {
	sink := newFakeSink()
	d := NewDelivery(config.DeliveryConfig{Kind: config.DeliverySlowLoris, ChunkSize: 4, ByteDelayMs: 0}, config.DefaultLimits())
	result, err := d.Deliver(context.Background(), sink, map[string]string{"a": "b"})
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Greater(t, len(sink.raw), 1)
	require.Equal(t, []byte("\n"), sink.raw[len(sink.raw)-1])
}

func TestSlowLorisHonorsCancellation(t *testing.T) {
	sink := newFakeSink()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDelivery(config.DeliveryConfig{Kind: config.DeliverySlowLoris, ChunkSize: 1, ByteDelayMs: 100}, config.DefaultLimits())
	_, err := d.Deliver(ctx, sink, map[string]string{"a": "bbbbbbbb"})
	require.Error(t, err)
}

func TestUnboundedLinePadsAndOmitsTerminator(t *testing.T) {
	sink := newFakeSink()
	d := NewDelivery(config.DeliveryConfig{Kind: config.DeliveryUnboundedLine, TargetBytes: 100}, config.DefaultLimits())
	result, err := d.Deliver(context.Background(), sink, map[string]string{"a": "b"})
	require.NoError(t, err)
	require.Equal(t, 100, result.BytesSent)
	require.Len(t, sink.raw, 1)
}

func TestNestedJSONWrapsToDepth(t *testing.T) {
	sink := newFakeSink()
	d := NewDelivery(config.DeliveryConfig{Kind: config.DeliveryNestedJSON, NestDepth: 3, NestKey: "w"}, config.DefaultLimits())
	_, err := d.Deliver(context.Background(), sink, "payload")
	require.NoError(t, err)
	require.Len(t, sink.messages, 1)
	depth := 0
	cur := sink.messages[0]
	for {
		m, ok := cur.(map[string]interface{})
		if !ok {
			break
		}
		inner, ok := m["w"]
		if !ok {
			break
		}
		depth++
		cur = inner
	}
	require.Equal(t, 3, depth)
}

func TestNestedJSONRespectsLimit(t *testing.T) {
	sink := newFakeSink()
	lim := config.DefaultLimits()
	lim.MaxNestDepth = 2
	d := NewDelivery(config.DeliveryConfig{Kind: config.DeliveryNestedJSON, NestDepth: 1000}, lim)
	nj := d.(*nestedJSON)
	require.Equal(t, 2, nj.maxDepth)
}

func TestResponseDelayWaits(t *testing.T) {
	sink := newFakeSink()
	d := NewDelivery(config.DeliveryConfig{Kind: config.DeliveryResponseDelay, DelayMs: 5}, config.DefaultLimits())
	start := time.Now()
	result, err := d.Deliver(context.Background(), sink, "x")
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestBatchAmplifySendsOneBatchMessage(t *testing.T) {
	sink := newFakeSink()
	effect := NewSideEffect(config.SideEffectConfig{Kind: config.SideEffectBatchAmplify, Trigger: config.TriggerOnRequest, BatchSize: 50, Method: "notifications/progress"})
	result, err := effect.Execute(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, 50, result.MessagesSent)
	require.Equal(t, 1, sink.count())
}

func TestCloseConnectionReportsOutcome(t *testing.T) {
	sink := newFakeSink()
	effect := NewSideEffect(config.SideEffectConfig{Kind: config.SideEffectCloseConnection, Trigger: config.TriggerOnRequest, Graceful: true})
	result, err := effect.Execute(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, OutcomeCloseConnection, result.Outcome)
	require.True(t, result.Graceful)
}

func TestDuplicateRequestIdsUsesLastClientSeen(t *testing.T) {
	sink := newFakeSink()
	sink.lastReqID, sink.hasReqID = float64(42), true
	effect := NewSideEffect(config.SideEffectConfig{
		Kind:     config.SideEffectDuplicateRequestIds,
		Trigger:  config.TriggerOnRequest,
		Count:    3,
		IDSource: config.DuplicateIDLastClientSeen,
	})
	result, err := effect.Execute(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, 3, result.MessagesSent)
	require.Equal(t, 3, sink.count())
}

func TestDuplicateRequestIdsFallsBackToLiteral(t *testing.T) {
	sink := newFakeSink()
	effect := NewSideEffect(config.SideEffectConfig{
		Kind:     config.SideEffectDuplicateRequestIds,
		Trigger:  config.TriggerOnRequest,
		Count:    2,
		IDSource: config.DuplicateIDLastClientSeen,
	})
	result, err := effect.Execute(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, 2, result.MessagesSent)
}

func TestManagerStartsContinuousAndStopsWithinGrace(t *testing.T) {
	sink := newFakeSink()
	mgr := NewSideEffectManager(sink, []config.SideEffectConfig{
		{Kind: config.SideEffectNotificationFlood, Trigger: config.TriggerContinuous, RatePerSec: 1000, Method: "notifications/message"},
	}, 2*time.Second)
	mgr.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	mgr.Stop()
	require.Greater(t, sink.count(), 0)
}

func TestManagerFireOnRequestReturnsCloseRequest(t *testing.T) {
	sink := newFakeSink()
	mgr := NewSideEffectManager(sink, []config.SideEffectConfig{
		{Kind: config.SideEffectCloseConnection, Trigger: config.TriggerOnRequest, Graceful: false},
	}, time.Second)
	closeRequested, graceful := mgr.Fire(context.Background(), config.TriggerOnRequest)
	require.True(t, closeRequested)
	require.False(t, graceful)
}

func TestDuplicateRequestIdsSendsServerRequestsNotResponses(t *testing.T) {
	sink := newFakeSink()
	effect := NewSideEffect(config.SideEffectConfig{
		Kind:    config.SideEffectDuplicateRequestIds,
		Trigger: config.TriggerOnRequest,
		Count:   2,
		IDValue: float64(7),
	})
	result, err := effect.Execute(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, 2, result.MessagesSent)
	require.Len(t, sink.messages, 2)
	for _, m := range sink.messages {
		req, ok := m.(mcptypes.ServerRequest)
		require.True(t, ok, "duplicateRequestIds must send a ServerRequest, not a Response")
		require.Equal(t, "2.0", req.Jsonrpc)
		require.EqualValues(t, 7, req.ID)
		require.NotEmpty(t, req.Method)
	}
}

func TestPipeDeadlockExecutesOnStdio(t *testing.T) {
	sink := newFakeSink()
	effect := NewSideEffect(config.SideEffectConfig{Kind: config.SideEffectPipeDeadlock, Trigger: config.TriggerOnRequest, FillBytes: 64})
	result, err := effect.Execute(context.Background(), sink)
	require.NoError(t, err)
	require.Equal(t, 64, result.BytesSent)
	require.Len(t, sink.raw, 1)
}

func TestPipeDeadlockSkippedOverHTTP(t *testing.T) {
	sink := newFakeSink()
	sink.kind = HTTP
	mgr := NewSideEffectManager(sink, []config.SideEffectConfig{
		{Kind: config.SideEffectPipeDeadlock, Trigger: config.TriggerOnRequest, FillBytes: 64},
	}, time.Second)
	closeRequested, _ := mgr.Fire(context.Background(), config.TriggerOnRequest)
	require.False(t, closeRequested)
	require.Empty(t, sink.raw, "pipe_deadlock must not write to a non-stdio sink")
}
