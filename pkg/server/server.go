// Package server is the composition root: it loads ServerConfig, wires the
// Phase Engine registry, event bus, and one Dispatcher per connection onto
// either the stdio or HTTP+SSE transport, and exposes a single Shutdown
// entry point. Grounded on the teacher's pkg/server/server.go Config/Server
// struct + LoadConfig()/New(ctx)/buildServer constructor chain, generalized
// from a control-plane HTTP API to ThoughtJack's two transport backends.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thoughtgate/thoughtjack/internal/behavior"
	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/internal/dispatch"
	"github.com/thoughtgate/thoughtjack/internal/dynresp"
	"github.com/thoughtgate/thoughtjack/internal/eventbus"
	"github.com/thoughtgate/thoughtjack/internal/phase"
	"github.com/thoughtgate/thoughtjack/internal/transport"
)

// TransportKind selects the backend cmd/thoughtjack starts (§4.1).
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// Config is the process-level configuration: which transport to run, where
// to load ServerConfig from, and the optional CLI behavior override (§6).
// Built from flags by cmd/thoughtjack, from THOUGHTJACK_* env vars by
// LoadConfig, or directly by tests.
type Config struct {
	Transport    TransportKind
	ConfigPath   string
	ListenAddr   string // only used for TransportHTTP
	CLIOverride  *config.BehaviorConfig
	ShutdownGrace time.Duration
}

// LoadConfig applies THOUGHTJACK_* env var defaults the way the teacher's
// internal/config.Load() does, for fields cmd/thoughtjack doesn't already
// have as explicit flags.
func LoadConfig() Config {
	return Config{
		Transport:     TransportKind(envStr("THOUGHTJACK_TRANSPORT", string(TransportStdio))),
		ConfigPath:    envStr("THOUGHTJACK_CONFIG_PATH", ""),
		ListenAddr:    envStr("THOUGHTJACK_LISTEN_ADDR", ":8088"),
		ShutdownGrace: config.DefaultLimits().ShutdownGrace,
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Server owns every long-lived resource the running process holds: the
// immutable ServerConfig, the phase.Registry, the event bus, and (for the
// HTTP backend) the *http.Server being served. Shutdown tears all of it
// down within Config.ShutdownGrace.
type Server struct {
	cfg       Config
	serverCfg *config.ServerConfig
	bus       *eventbus.Bus
	registry  *phase.Registry

	httpServer *http.Server
	listener   net.Listener

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New loads Config from the environment, then builds a Server via
// NewWithConfig. Mirrors the teacher's New(ctx) convenience wrapper around
// NewWithConfig.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig builds a Server from an explicit Config, loading
// ServerConfig from cfg.ConfigPath (or a minimal simple-server default when
// unset).
func NewWithConfig(ctx context.Context, cfg Config) (*Server, error) {
	serverCfg, err := loadServerConfig(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("server: load config: %w", err)
	}
	return NewWithServerConfig(ctx, cfg, serverCfg)
}

// NewWithServerConfig builds a Server from an already-constructed
// ServerConfig, skipping the file loader entirely — the path tests use.
func NewWithServerConfig(ctx context.Context, cfg Config, serverCfg *config.ServerConfig) (*Server, error) {
	return buildServer(ctx, cfg, serverCfg)
}

func loadServerConfig(path string) (*config.ServerConfig, error) {
	if path == "" {
		log.Warn().Msg("no config path set, running a baseline-only simple server (THOUGHTJACK_CONFIG_PATH unset)")
		return &config.ServerConfig{
			Baseline:       &config.Baseline{Tools: config.NewOrderedMap[config.ToolItem](), Resources: config.NewOrderedMap[config.ResourceItem](), Prompts: config.NewOrderedMap[config.PromptItem]()},
			UnknownMethods: config.UnknownIgnore,
			StateScope:     config.LoadStateScope(),
			Limits:         config.LoadLimits(),
		}, nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.StateScope == "" {
		cfg.StateScope = config.LoadStateScope()
	}
	return cfg, nil
}

// buildServer wires the bus, registry, and chosen transport, exactly
// mirroring the teacher's buildServer's incremental construction-with-
// milestone-logging style.
func buildServer(ctx context.Context, cfg Config, serverCfg *config.ServerConfig) (*Server, error) {
	bus := eventbus.New()
	log.Info().Msg("event bus ready")

	registry := phase.NewRegistry(serverCfg)
	log.Info().Str("state_scope", string(serverCfg.StateScope)).Msg("phase registry ready")

	runCtx, cancel := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(runCtx)

	s := &Server{
		cfg:       cfg,
		serverCfg: serverCfg,
		bus:       bus,
		registry:  registry,
		cancel:    cancel,
		eg:        eg,
	}

	switch cfg.Transport {
	case TransportHTTP:
		if err := s.serveHTTP(runCtx); err != nil {
			cancel()
			return nil, err
		}
	default:
		s.serveStdio(runCtx)
	}

	bus.Publish(eventbus.Event{Kind: eventbus.ServerStarted, Fields: map[string]interface{}{"transport": string(cfg.Transport)}})
	log.Info().Str("transport", string(cfg.Transport)).Msg("thoughtjack ready")
	return s, nil
}

// serveStdio starts a single connection over os.Stdin/os.Stdout, run to
// completion in the errgroup (§4.1 "Stdio backend" is single-connection by
// construction).
func (s *Server) serveStdio(ctx context.Context) {
	s.eg.Go(func() error {
		return s.runConnection(ctx, transport.NewStdio(ctx, os.Stdin, os.Stdout, s.serverCfg.Limits.MaxMessageBytes))
	})
}

// serveHTTP binds the chi router built by internal/transport.NewServer and
// runs it in the errgroup, each POST /message handled as its own
// connection (§4.1 "HTTP+SSE backend").
func (s *Server) serveHTTP(ctx context.Context) error {
	httpTransport := transport.NewServer(s.serverCfg.Limits.MaxMessageBytes, func(hctx context.Context, conn *transport.HTTPConnection) {
		s.handleHTTPConnection(hctx, conn)
	})

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           httpTransport.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.eg.Go(func() error {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("http+sse backend listening")
	return nil
}

// handleHTTPConnection runs one POST /message exchange through the same
// per-connection wiring as stdio: its own phase.State (or the shared
// global one), its own Dispatcher, and a SideEffectManager that fires
// on_connect effects and runs continuous ones only until the response has
// been written, then stops them.
func (s *Server) handleHTTPConnection(ctx context.Context, conn *transport.HTTPConnection) {
	req := conn.InboundRequest()
	if req == nil {
		return
	}

	phaseState := s.registry.CreateConnectionState(conn.ConnectionID())
	defer s.registry.ReleaseConnection(conn.ConnectionID())

	sideEffects := behavior.NewSideEffectManager(conn, s.allSideEffects(), s.serverCfg.Limits.ShutdownGrace)
	sideEffects.Start(ctx)
	defer sideEffects.Stop()

	d := dispatch.New(s.serverCfg, phaseState, sideEffects, dynresp.NewSequenceCounters(), s.bus, s.cfg.CLIOverride)
	if err := d.Dispatch(ctx, conn, req); err != nil {
		log.Error().Err(err).Str("connection_id", conn.ConnectionID()).Msg("dispatch failed")
	}
}

// runConnection drives one Transport's full request/response loop plus its
// Phase Engine timer and side-effect manager, until ReceiveMessage returns
// an error (connection closed, or ctx cancelled).
func (s *Server) runConnection(ctx context.Context, t transport.Transport) error {
	phaseState := s.registry.CreateConnectionState(t.ConnectionID())
	defer s.registry.ReleaseConnection(t.ConnectionID())

	sideEffects := behavior.NewSideEffectManager(t, s.allSideEffects(), s.serverCfg.Limits.ShutdownGrace)
	sideEffects.Start(ctx)
	defer sideEffects.Stop()

	d := dispatch.New(s.serverCfg, phaseState, sideEffects, dynresp.NewSequenceCounters(), s.bus, s.cfg.CLIOverride)

	timerInterval := time.Duration(s.serverCfg.Limits.TimerIntervalMs) * time.Millisecond
	go phaseState.StartTimer(ctx, timerInterval, func(tr phase.Transition) {
		s.bus.Publish(eventbus.Event{Kind: eventbus.PhaseEntered, ConnectionID: t.ConnectionID(), PhaseName: tr.PhaseName})
	})

	for {
		req, err := t.ReceiveMessage(ctx)
		if err != nil {
			return nil
		}
		if err := d.Dispatch(ctx, t, req); err != nil {
			log.Error().Err(err).Str("connection_id", t.ConnectionID()).Msg("dispatch failed, closing connection")
			_ = t.Close(true)
			return nil
		}
	}
}

// allSideEffects gathers the side effects the connection's SideEffectManager
// is built from: every effect from baseline and default_behavior, whatever
// its trigger (Start acts only on the on_connect and continuous ones), plus
// only the *continuous* effects from later phases —
// those run for the whole connection lifetime regardless of which phase is
// active (§9 Open Question 1), so they're gathered once at connection open
// like the rest. A later phase's on_connect effect is deliberately excluded
// here: firing it at t=0, before the client has advanced past any earlier
// phase, would defeat the whole phase-gated rug-pull model (§3, §4.2). A
// later phase's on_request/on_subscribe/on_unsubscribe effects are not
// gathered either — those fire per dispatch against the currently resolved
// BehaviorConfig via behavior.FireSpecs, not through this manager.
func (s *Server) allSideEffects() []config.SideEffectConfig {
	var effects []config.SideEffectConfig
	if s.serverCfg.DefaultBehavior != nil {
		effects = append(effects, s.serverCfg.DefaultBehavior.SideEffects...)
	}
	if s.serverCfg.Baseline != nil && s.serverCfg.Baseline.Behavior != nil {
		effects = append(effects, s.serverCfg.Baseline.Behavior.SideEffects...)
	}
	for _, p := range s.serverCfg.Phases {
		if p.Diff.Behavior == nil {
			continue
		}
		for _, eff := range p.Diff.Behavior.SideEffects {
			if eff.Trigger == config.TriggerContinuous {
				effects = append(effects, eff)
			}
		}
	}
	return effects
}

// Shutdown stops accepting new work and waits up to Config.ShutdownGrace
// for in-flight connections to drain, mirroring the teacher's
// Server.Shutdown(ctx) cancellation + ShutdownFunc pattern.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bus.Publish(eventbus.Event{Kind: eventbus.ServerStopped})

	graceCtx, graceCancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer graceCancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(graceCtx); err != nil {
			log.Warn().Err(err).Msg("http server did not shut down within grace period")
		}
	}

	s.cancel()
	done := make(chan error, 1)
	go func() { done <- s.eg.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			log.Warn().Err(err).Msg("connection goroutine exited with error during shutdown")
		}
	case <-graceCtx.Done():
		log.Warn().Msg("connections did not drain within grace period")
	}
	return nil
}
