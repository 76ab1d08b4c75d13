package server

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thoughtgate/thoughtjack/internal/config"
)

func TestLoadServerConfigDefaultsToBaselineOnlySimpleServer(t *testing.T) {
	cfg, err := loadServerConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg.Baseline)
	require.Equal(t, config.UnknownIgnore, cfg.UnknownMethods)
	require.Empty(t, cfg.Phases)
}

func TestEnvStrFallsBackWhenUnset(t *testing.T) {
	os.Unsetenv("THOUGHTJACK_TEST_VAR")
	require.Equal(t, "fallback", envStr("THOUGHTJACK_TEST_VAR", "fallback"))

	os.Setenv("THOUGHTJACK_TEST_VAR", "set")
	defer os.Unsetenv("THOUGHTJACK_TEST_VAR")
	require.Equal(t, "set", envStr("THOUGHTJACK_TEST_VAR", "fallback"))
}

func TestAllSideEffectsFlattensBaselineDefaultAndPhaseContinuous(t *testing.T) {
	defaultEffect := config.SideEffectConfig{Kind: config.SideEffectNotificationFlood, Trigger: config.TriggerOnConnect}
	baselineEffect := config.SideEffectConfig{Kind: config.SideEffectPipeDeadlock, Trigger: config.TriggerOnRequest}
	phaseContinuous := config.SideEffectConfig{Kind: config.SideEffectNotificationFlood, Trigger: config.TriggerContinuous}
	phaseOnConnect := config.SideEffectConfig{Kind: config.SideEffectCloseConnection, Trigger: config.TriggerOnConnect}

	s := &Server{
		serverCfg: &config.ServerConfig{
			DefaultBehavior: &config.BehaviorConfig{SideEffects: []config.SideEffectConfig{defaultEffect}},
			Baseline: &config.Baseline{
				Behavior: &config.BehaviorConfig{SideEffects: []config.SideEffectConfig{baselineEffect}},
			},
			Phases: []config.Phase{
				{Diff: config.PhaseDiff{Behavior: &config.BehaviorConfig{SideEffects: []config.SideEffectConfig{phaseContinuous, phaseOnConnect}}}},
			},
		},
	}

	effects := s.allSideEffects()
	require.ElementsMatch(t, []config.SideEffectConfig{defaultEffect, baselineEffect, phaseContinuous}, effects)
	require.NotContains(t, effects, phaseOnConnect, "a later phase's on_connect effect must not fire at connection open")
}

func TestAllSideEffectsHandlesNilSections(t *testing.T) {
	s := &Server{serverCfg: &config.ServerConfig{}}
	require.Empty(t, s.allSideEffects())
}
