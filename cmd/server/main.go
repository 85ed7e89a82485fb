// Command server runs the HTTP extraction service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danhartree/stacvals/internal/config"
	"github.com/danhartree/stacvals/internal/engine"
	"github.com/danhartree/stacvals/internal/jobs"
	"github.com/danhartree/stacvals/internal/logger"
	"github.com/danhartree/stacvals/internal/observability"
	"github.com/danhartree/stacvals/internal/server"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()
	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "server",
	}, os.Stdout)

	observability.ExposeBuildInfo(Version)
	log.Info().Str("version", Version).Str("addr", cfg.Addr).Msg("starting server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("engine setup failed")
		return 1
	}
	defer eng.Close()

	var events jobs.Publisher = jobs.NopPublisher{}
	if cfg.Kafka.Enabled {
		pub, err := jobs.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			log.Error().Err(err).Msg("kafka setup failed")
			return 1
		}
		defer pub.Close()
		events = pub
	}

	srv := server.New(eng, jobs.NewStore(nil), events, log)
	if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
		log.Error().Err(err).Msg("server exited")
		return 1
	}
	log.Info().Msg("shutdown complete")
	return 0
}
