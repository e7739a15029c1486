// Command outbox-relay relays race_outbox rows to NATS JetStream for
// deployments that run the relay beside several racecontrol instances.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/config"
	"github.com/frawau/gokartrace-sub000/go/internal/dbconfig"
	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/outbox"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	config.SetupLogging(config.GetEnv("LOG_LEVEL", "info"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("outbox relay failed")
	}
	log.Info().Msg("outbox relay stopped")
}

func run(ctx context.Context) error {
	dbCfg := dbconfig.NewConfigFromEnv()
	db, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach %s: %w", dbCfg.Redacted(), err)
	}

	jsCfg := events.DefaultJetStreamConfig()
	jsCfg.URL = config.GetEnv("NATS_URL", jsCfg.URL)
	publisher, err := events.NewJetStreamPublisher(jsCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to JetStream: %w", err)
	}
	defer publisher.Close()

	relayCfg := outbox.DefaultListenerConfig()
	relayCfg.DatabaseURL = dbCfg.DSN()
	relayCfg.FallbackInterval = config.GetEnvAsDuration("FALLBACK_INTERVAL", relayCfg.FallbackInterval)

	repo := outbox.NewRepository(db)
	listener, err := outbox.NewListener(repo, publisher, relayCfg)
	if err != nil {
		return err
	}

	health := &http.Server{
		Addr:    ":" + config.GetEnv("OUTBOX_HEALTH_PORT", "8082"),
		Handler: outbox.NewHealthChecker(listener, repo, 2*relayCfg.FallbackInterval),
	}
	go func() {
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		health.Shutdown(sctx)
	}()

	go purgeLoop(ctx, repo, config.GetEnvAsDuration("OUTBOX_RETENTION", 7*24*time.Hour))

	log.Info().Str("database", dbCfg.Redacted()).Str("nats", jsCfg.URL).Msg("outbox relay running")
	return listener.Start(ctx)
}

// purgeLoop drops relayed rows older than retention every hour.
func purgeLoop(ctx context.Context, repo *outbox.Repository, retention time.Duration) {
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		n, err := repo.PurgeSent(ctx, time.Now().Add(-retention))
		switch {
		case err != nil:
			log.Error().Err(err).Msg("failed to purge outbox")
		case n > 0:
			log.Info().Int64("rows", n).Msg("purged relayed outbox events")
		}
	}
}
