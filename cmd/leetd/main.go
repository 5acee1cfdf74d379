// Command leetd wires a set of backend profiles into a running engine
// and blocks, logging every job completion, until it receives a
// shutdown signal. It is a thin wiring layer in the style of
// docker-agent's main() in original _teacher_ref/docker_agent_main.go
// — flags overlaying environment variables, then straight into
// Engine.Start — and deliberately does not reimplement the original
// CLI's interactive add_job/status/results REPL (out of scope, spec
// §9 Non-goals).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jldantas/leet"
	"github.com/jldantas/leet/internal/backend"
	"github.com/jldantas/leet/internal/backend/dockerbackend"
	"github.com/jldantas/leet/internal/backend/wsremote"
	"github.com/jldantas/leet/internal/config"
)

func main() {
	cfg := config.LoadEngineConfigFromEnv()

	dockerHost := flag.String("docker-host", getEnvOrDefault("LEET_DOCKER_HOST", ""), "Docker daemon socket for the dockerbackend reference backend")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("LEET_WS_ENDPOINT"), "Base WebSocket URL template for the wsremote backend (e.g. wss://edr.example.com/agents/%s)")
	maxSessions := flag.Int("max-sessions", cfg.MaxSessions, "Per-backend concurrent session limit")
	verbose := flag.Bool("verbose", getEnvOrDefault("LEET_VERBOSE", "") == "true", "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg.MaxSessions = *maxSessions
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid engine configuration")
	}

	backends, err := buildBackends(*dockerHost, *wsEndpoint, cfg.MaxSessions)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build backends")
	}
	if len(backends) == 0 {
		log.Fatal().Msg("no backends configured: pass --docker-host or --ws-endpoint")
	}

	engine := leet.New(cfg, backends)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Shutdown()

	go func() {
		for snap := range engine.Completions() {
			log.Info().
				Str("job", snap.ID.String()).
				Str("host", snap.Host).
				Str("plugin", snap.Plugin).
				Str("status", snap.Status.String()).
				Msg("job status changed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutdown signal received, stopping")
}

func buildBackends(dockerHost, wsEndpoint string, maxSessions int) ([]backend.Backend, error) {
	var backends []backend.Backend

	if dockerHost != "" {
		b, err := dockerbackend.New("docker", dockerHost, maxSessions)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	if wsEndpoint != "" {
		b := wsremote.New("wsremote", maxSessions, func(hostname string) string {
			return strings.ReplaceAll(wsEndpoint, "%s", hostname)
		})
		backends = append(backends, b)
	}

	return backends, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
