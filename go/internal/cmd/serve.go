package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/frawau/gokartrace-sub000/go/internal/config"
)

type serveOptions struct {
	Addr        string
	Settings    string
	Store       string
	Relay       string
	NatsURL     string
	AutoMigrate bool
	SecureURLs  bool
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run race control: RPC surface, dashboards and the stop and go station",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":"+config.GetEnv("PORT", "8080"), "listen address")
	cmd.Flags().StringVar(&opts.Settings, "settings", "", "race settings file (yaml)")
	cmd.Flags().StringVar(&opts.Store, "store", storePostgres, "store backend: memory or postgres")
	cmd.Flags().StringVar(&opts.Relay, "relay", relayEmbedded,
		"how committed events reach the dashboards: embedded or jetstream")
	cmd.Flags().StringVar(&opts.NatsURL, "nats-url", config.GetEnv("NATS_URL", ""),
		"NATS server to publish events to, empty to stay local")
	cmd.Flags().BoolVar(&opts.AutoMigrate, "auto-migrate", false, "apply schema migrations before serving")
	cmd.Flags().BoolVar(&opts.SecureURLs, "secure-urls", false, "advertise https and wss URLs")
	return cmd
}

func serve(parent context.Context, opts serveOptions) error {
	settings, err := config.LoadSettings(opts.Settings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	services := setupServices(b, settings, clockwork.NewRealClock())
	defer services.Penalty.Close()

	if err := services.Stations.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("failed to restore the active penalty")
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("worker", name).Msg("worker exited")
			}
		}()
	}
	for _, w := range b.workers {
		spawn("relay", w)
	}
	spawn("gateway", func(ctx context.Context) error { services.Gateway.Run(ctx); return nil })
	spawn("stations", func(ctx context.Context) error { services.Stations.Run(ctx); return nil })

	if err := services.Ticker.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := services.Ticker.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop race ticker")
		}
	}()

	srv := setupServer(opts.Addr, b, services)
	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", opts.Addr).
			Str("store", opts.Store).
			Str("station_url", settings.URL(opts.SecureURLs, "/ws/stopandgo/station")).
			Msg("race control listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	wg.Wait()
	log.Info().Msg("graceful shutdown complete")
	return nil
}
