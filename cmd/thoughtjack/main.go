// Command thoughtjack starts the adversarial MCP server over stdio or
// HTTP+SSE. Grounded on the teacher's cmd/server/main.go: zerolog
// console-writer setup for humans, server.New(ctx) + fatal-on-error, and a
// signal.Notify(SIGINT, SIGTERM)-driven graceful shutdown goroutine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thoughtgate/thoughtjack/internal/config"
	"github.com/thoughtgate/thoughtjack/pkg/server"
)

// Exit codes per §6 "Process interface".
const (
	exitOK            = 0
	exitGeneral       = 1
	exitConfigError   = 2
	exitIOError       = 3
	exitTransportError = 4
	exitUsage         = 64
	exitSIGINT        = 130
	exitSIGTERM       = 143
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		transportFlag = flag.String("transport", "stdio", "transport backend: stdio or http")
		configPath    = flag.String("config", envOr("THOUGHTJACK_CONFIG_PATH", ""), "path to the YAML baseline/phase configuration")
		listenAddr    = flag.String("listen", envOr("THOUGHTJACK_LISTEN_ADDR", ":8088"), "listen address for the http transport")
		forceBehavior = flag.String("force-behavior", "", "inline JSON BehaviorConfig applied to every response, overriding phase/item behavior (§4.3 precedence)")
		jsonLogs      = flag.Bool("json-logs", false, "emit structured JSON logs instead of the console writer")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		flag.Usage()
		return exitUsage
	}

	setupLogging(*jsonLogs)

	cliOverride, err := parseForceBehavior(*forceBehavior)
	if err != nil {
		log.Error().Err(err).Msg("invalid -force-behavior")
		return exitConfigError
	}

	cfg := server.Config{
		Transport:     server.TransportKind(*transportFlag),
		ConfigPath:    *configPath,
		ListenAddr:    *listenAddr,
		CLIOverride:   cliOverride,
		ShutdownGrace: config.DefaultLimits().ShutdownGrace,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to start thoughtjack")
		if os.IsNotExist(err) {
			return exitIOError
		}
		return exitTransportError
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	received := <-sigCh
	log.Info().Str("signal", received.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("error during shutdown")
	}
	cancel()

	switch received {
	case syscall.SIGINT:
		return exitSIGINT
	case syscall.SIGTERM:
		return exitSIGTERM
	default:
		return exitOK
	}
}

func setupLogging(jsonLogs bool) {
	if jsonLogs {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// parseForceBehavior decodes a JSON-encoded config.BehaviorConfig from the
// -force-behavior flag, returning nil when the flag is unset.
func parseForceBehavior(raw string) (*config.BehaviorConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var b config.BehaviorConfig
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("parse -force-behavior: %w", err)
	}
	return &b, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
