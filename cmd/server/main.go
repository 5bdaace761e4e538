package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/instrument-hub/instrument-hub/internal/api"
	"github.com/instrument-hub/instrument-hub/internal/application/actions"
	"github.com/instrument-hub/instrument-hub/internal/application/idempotency"
	"github.com/instrument-hub/instrument-hub/internal/application/schedule"
	"github.com/instrument-hub/instrument-hub/internal/application/session"
	"github.com/instrument-hub/instrument-hub/internal/config"
	"github.com/instrument-hub/instrument-hub/internal/domain/action"
	"github.com/instrument-hub/instrument-hub/internal/engine"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/eventlog"
	"github.com/instrument-hub/instrument-hub/internal/infrastructure/httpwire"
	"github.com/instrument-hub/instrument-hub/internal/runloop"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		logger = logger.Level(level)
	}

	// collaborators: the in-memory engine stands in until a real audio
	// process attaches
	audio := engine.NewMemory(cfg.Voices...)
	collab := actions.Collaborators{
		Engine: audio,
		Steps:  engine.NewMemorySteps(),
		Drums:  engine.NewMemoryDrums(),
		Chords: engine.NewMemoryChords(),
	}

	loop := runloop.New(logger)
	loop.Start()

	events := eventlog.New(cfg.Events.Cap, logger)
	sched := schedule.New(loop, audio, logger)
	policy := actions.NewPolicy(action.Risk(cfg.Policy.MaxRisk), cfg.Policy.Deny, logger)

	// services
	sessions := session.NewStore(cfg.Session.TTL, logger)
	idem := idempotency.NewCache()
	actionSvc := actions.NewService(collab, policy, events, sched, cfg.Validation.TTL, cfg.Confirmation.TTL, logger)

	apiServer := api.NewServer(loop, sessions, idem, actionSvc, events, collab, logger)
	wireServer := httpwire.NewServer(cfg.Server.Addr, api.EventsPath, apiServer, logger)
	if err := wireServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server failed to bind")
	}
	logger.Info().Str("addr", cfg.Server.Addr).Strs("voices", cfg.Voices).Msg("control plane started")

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	forced := time.AfterFunc(cfg.Server.Shutdown, func() {
		logger.Error().Msg("shutdown deadline exceeded")
		os.Exit(1)
	})
	wireServer.Shutdown()
	loop.Stop()
	forced.Stop()
}
