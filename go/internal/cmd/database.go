package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/outbox"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
	"github.com/frawau/gokartrace-sub000/go/internal/store/memstore"
	"github.com/frawau/gokartrace-sub000/go/internal/store/pgstore"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	// relayEmbedded relays the outbox from this process.
	relayEmbedded = "embedded"
	// relayJetStream reads events back from JetStream, written there by the
	// outbox binary.
	relayJetStream = "jetstream"
)

// backend is the store together with the way its events reach the local
// hub the websockets read from.
type backend struct {
	store store.Store
	hub   *events.Hub
	// direct carries events published outside a store transaction.
	direct events.Bus

	// workers run until the context is cancelled.
	workers []func(ctx context.Context) error
	closers []func()
	health  map[string]http.Handler
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, opts serveOptions) (*backend, error) {
	b := &backend{hub: events.NewHub(), health: map[string]http.Handler{}}
	b.closers = append(b.closers, b.hub.Close)

	var publisher *events.JetStreamPublisher
	if opts.NatsURL != "" {
		jsCfg := events.DefaultJetStreamConfig()
		jsCfg.URL = opts.NatsURL
		p, err := events.NewJetStreamPublisher(jsCfg)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create JetStream publisher: %w", err)
		}
		publisher = p
		b.closers = append(b.closers, func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close JetStream publisher")
			}
		})
	}

	// local is where committed events go when this process relays them.
	var local events.Bus = b.hub
	if publisher != nil {
		local = events.Fanout{b.hub, publisher}
	}
	b.direct = local

	switch opts.Store {
	case storeMemory:
		b.store = memstore.New(local)
		log.Warn().Msg("using the in-memory store, nothing survives a restart")
		return b, nil
	case storePostgres:
	default:
		b.Close()
		return nil, fmt.Errorf("unknown store %q", opts.Store)
	}

	url := databaseURL()
	if opts.AutoMigrate {
		if err := pgstore.Migrate(url); err != nil {
			b.Close()
			return nil, err
		}
	}
	pool, err := pgstore.Connect(ctx, url)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.closers = append(b.closers, pool.Close)
	b.store = pgstore.New(pool)

	switch opts.Relay {
	case relayEmbedded:
		if err := b.embedRelay(url, local); err != nil {
			b.Close()
			return nil, err
		}
	case relayJetStream:
		if opts.NatsURL == "" {
			b.Close()
			return nil, fmt.Errorf("relay %q needs --nats-url", relayJetStream)
		}
		cfg := events.DefaultJetStreamConfig()
		cfg.URL = opts.NatsURL
		consumer, err := events.NewJetStreamConsumer(b.hub, cfg)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create JetStream consumer: %w", err)
		}
		b.workers = append(b.workers, consumer.Start)
		b.direct = publisher
		b.closers = append(b.closers, func() {
			if err := consumer.Stop(); err != nil {
				log.Error().Err(err).Msg("failed to stop JetStream consumer")
			}
		})
	default:
		b.Close()
		return nil, fmt.Errorf("unknown relay %q", opts.Relay)
	}
	return b, nil
}

// embedRelay listens for outbox rows and publishes them to bus.
func (b *backend) embedRelay(url string, bus events.Bus) error {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	b.closers = append(b.closers, func() { _ = db.Close() })

	cfg := outbox.DefaultListenerConfig()
	cfg.DatabaseURL = url
	repo := outbox.NewRepository(db)
	listener, err := outbox.NewListener(repo, bus, cfg)
	if err != nil {
		return fmt.Errorf("failed to create outbox listener: %w", err)
	}
	b.workers = append(b.workers, listener.Start)
	b.health["/health/outbox"] = outbox.NewHealthChecker(listener, repo, 2*cfg.FallbackInterval)
	return nil
}
