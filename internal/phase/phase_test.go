package phase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thoughtgate/thoughtjack/internal/config"
)

func twoPhaseConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Baseline: &config.Baseline{
			Tools: func() *config.OrderedMap[config.ToolItem] {
				m := config.NewOrderedMap[config.ToolItem]()
				m.Set("probe", config.ToolItem{Name: "probe"})
				return m
			}(),
		},
		Phases: []config.Phase{
			{
				Name: "phase-0",
				Diff: config.PhaseDiff{
					AddTools: []config.ToolItem{{Name: "phase0-tool"}},
				},
				Trigger: &config.Trigger{Event: "tools/call", Count: 2},
			},
			{
				Name: "phase-1",
				Diff: config.PhaseDiff{
					RemoveTools: []string{"probe"},
					AddTools:    []config.ToolItem{{Name: "phase1-tool"}},
				},
				Trigger: nil, // terminal
			},
		},
		StateScope: config.StatePerConnection,
		Limits:     config.DefaultLimits(),
	}
}

func TestSimpleServerModeIsTerminalImmediately(t *testing.T) {
	cfg := &config.ServerConfig{Limits: config.DefaultLimits()}
	s := New(cfg)
	require.Equal(t, 0, s.CurrentPhaseIndex())
	tr := s.RecordEvent("tools/call", "probe", nil)
	require.Nil(t, tr)
}

func TestQualifiedEventTriggerOnlyCountsNamedItem(t *testing.T) {
	cfg := &config.ServerConfig{
		Baseline: &config.Baseline{
			Tools: func() *config.OrderedMap[config.ToolItem] {
				m := config.NewOrderedMap[config.ToolItem]()
				m.Set("calc", config.ToolItem{Name: "calc"})
				m.Set("other", config.ToolItem{Name: "other"})
				return m
			}(),
		},
		Phases: []config.Phase{
			{
				Name:    "phase-0",
				Diff:    config.PhaseDiff{AddTools: []config.ToolItem{{Name: "phase0-tool"}}},
				Trigger: &config.Trigger{Event: "tools/call:calc", Count: 2},
			},
			{Name: "phase-1", Trigger: nil},
		},
		StateScope: config.StatePerConnection,
		Limits:     config.DefaultLimits(),
	}
	s := New(cfg)

	// Calls to "other" never advance the qualified trigger, however many.
	require.Nil(t, s.RecordEvent("tools/call", "other", nil))
	require.Nil(t, s.RecordEvent("tools/call", "other", nil))
	require.Nil(t, s.RecordEvent("tools/call", "other", nil))
	require.Equal(t, 0, s.CurrentPhaseIndex())

	require.Nil(t, s.RecordEvent("tools/call", "calc", nil))
	require.Equal(t, 0, s.CurrentPhaseIndex())

	tr := s.RecordEvent("tools/call", "calc", nil)
	require.NotNil(t, tr)
	require.Equal(t, 1, tr.To)
}

func TestEventCountMustReachTargetBeforeFiring(t *testing.T) {
	s := New(twoPhaseConfig())
	tr := s.RecordEvent("tools/call", "probe", nil)
	require.Nil(t, tr)
	require.Equal(t, 0, s.CurrentPhaseIndex())

	tr = s.RecordEvent("tools/call", "probe", nil)
	require.NotNil(t, tr)
	require.Equal(t, 0, tr.From)
	require.Equal(t, 1, tr.To)
	require.Equal(t, 1, s.CurrentPhaseIndex())
}

func TestOvershootCountStillFires(t *testing.T) {
	s := New(twoPhaseConfig())
	s.RecordEvent("tools/call", "probe", nil)
	s.RecordEvent("tools/call", "probe", nil)
	s.RecordEvent("tools/call", "probe", nil) // count now 3, target was 2 — already advanced
	require.Equal(t, 1, s.CurrentPhaseIndex())
}

func TestEffectiveStateAppliesRemoveReplaceAddInOrder(t *testing.T) {
	s := New(twoPhaseConfig())
	s.RecordEvent("tools/call", "probe", nil)
	s.RecordEvent("tools/call", "probe", nil)
	require.Equal(t, 1, s.CurrentPhaseIndex())

	es := s.EffectiveState()
	_, hasProbe := es.Tools.Get("probe")
	require.False(t, hasProbe)
	_, hasPhase1Tool := es.Tools.Get("phase1-tool")
	require.True(t, hasPhase1Tool)
	_, hasPhase0Tool := es.Tools.Get("phase0-tool")
	require.True(t, hasPhase0Tool)
}

func TestTerminalPhaseStopsFurtherTransitions(t *testing.T) {
	s := New(twoPhaseConfig())
	s.RecordEvent("tools/call", "probe", nil)
	s.RecordEvent("tools/call", "probe", nil)
	require.Equal(t, 1, s.CurrentPhaseIndex())

	tr := s.RecordEvent("tools/call", "probe", nil)
	require.Nil(t, tr)
	require.Equal(t, 1, s.CurrentPhaseIndex())
}

func TestContentMatchTriggerRequiresFieldMatch(t *testing.T) {
	cfg := &config.ServerConfig{
		Phases: []config.Phase{
			{
				Name: "phase-0",
				Trigger: &config.Trigger{
					Event: "tools/call",
					Count: 1,
					ContentMatch: []config.FieldMatcher{
						{Path: "args.path", Contains: "secret"},
					},
				},
			},
			{Name: "phase-1"},
		},
		Limits: config.DefaultLimits(),
	}
	s := New(cfg)
	tr := s.RecordEvent("tools/call", "read_file", map[string]interface{}{"path": "notes.txt"})
	require.Nil(t, tr)
	require.Equal(t, 0, s.CurrentPhaseIndex())

	tr = s.RecordEvent("tools/call", "read_file", map[string]interface{}{"path": "secret.txt"})
	require.NotNil(t, tr)
	require.Equal(t, 1, s.CurrentPhaseIndex())
}

func TestAfterTriggerFiresViaTimer(t *testing.T) {
	cfg := &config.ServerConfig{
		Phases: []config.Phase{
			{Name: "phase-0", Trigger: &config.Trigger{After: 10 * time.Millisecond}},
			{Name: "phase-1"},
		},
		Limits: config.DefaultLimits(),
	}
	s := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	fired := make(chan Transition, 1)
	go s.StartTimer(ctx, 5*time.Millisecond, func(t Transition) { fired <- t })

	select {
	case tr := <-fired:
		require.Equal(t, 1, tr.To)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("after-trigger never fired")
	}
}

func TestRegistryPerConnectionIsolatesState(t *testing.T) {
	reg := NewRegistry(twoPhaseConfig())
	a := reg.CreateConnectionState("conn-a")
	b := reg.CreateConnectionState("conn-b")
	require.NotSame(t, a, b)

	a.RecordEvent("tools/call", "probe", nil)
	a.RecordEvent("tools/call", "probe", nil)
	require.Equal(t, 1, a.CurrentPhaseIndex())
	require.Equal(t, 0, b.CurrentPhaseIndex())
}

func TestRegistryGlobalSharesState(t *testing.T) {
	cfg := twoPhaseConfig()
	cfg.StateScope = config.StateGlobal
	reg := NewRegistry(cfg)
	a := reg.CreateConnectionState("conn-a")
	b := reg.CreateConnectionState("conn-b")
	require.Same(t, a, b)
}

func TestSubscribeReceivesTransition(t *testing.T) {
	s := New(twoPhaseConfig())
	ch, unsub := s.Subscribe()
	defer unsub()

	s.RecordEvent("tools/call", "probe", nil)
	s.RecordEvent("tools/call", "probe", nil)

	select {
	case tr := <-ch:
		require.Equal(t, 1, tr.To)
	case <-time.After(time.Second):
		t.Fatal("no transition broadcast")
	}
}
