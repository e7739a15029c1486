package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/store/pgstore"
)

type ListenerConfig struct {
	DatabaseURL   string
	NotifyChannel string
	// FallbackInterval bounds how long a row whose notification was lost
	// waits before it is relayed.
	FallbackInterval time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    pgstore.NotifyChannel,
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

// relayStats is what Stats reports.
type relayStats struct {
	running bool
	relayed uint64
	last    time.Time
}

// Listener moves committed outbox rows onto a bus. Each row is claimed,
// published and marked sent inside one transaction, so a row is either
// relayed once or left pending for the next pass.
type Listener struct {
	repo *Repository
	conn *pq.Listener
	bus  events.Bus
	cfg  ListenerConfig

	mu    sync.Mutex
	stats relayStats
}

func NewListener(repo *Repository, bus events.Bus, cfg ListenerConfig) (*Listener, error) {
	conn := pq.NewListener(cfg.DatabaseURL, 10*time.Second, time.Minute, logListenerEvent)
	if err := conn.Listen(cfg.NotifyChannel); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.NotifyChannel, err)
	}
	return &Listener{repo: repo, conn: conn, bus: bus, cfg: cfg}, nil
}

func logListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		log.Warn().Err(err).Msg("outbox listener disconnected")
	case pq.ListenerEventReconnected:
		log.Info().Msg("outbox listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		log.Error().Err(err).Msg("outbox listener reconnect failed")
	}
}

// Start relays until ctx is done, then closes the LISTEN connection. The
// backlog is relayed before the first notification is read.
func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("outbox relay started")

	l.update(func(s *relayStats) { s.running = true })
	defer l.update(func(s *relayStats) { s.running = false })

	poll := time.NewTicker(l.cfg.FallbackInterval)
	defer poll.Stop()
	ping := time.NewTicker(l.cfg.PingInterval)
	defer ping.Stop()

	l.catchUp(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox relay stopping")
			return l.Stop()

		case note := <-l.conn.Notify:
			// nil after a reconnect: anything sent meanwhile was not delivered
			if note == nil {
				l.catchUp(ctx, "reconnect")
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Str("payload", note.Extra).Msg("failed to relay notified event")
			}

		case <-poll.C:
			l.catchUp(ctx, "poll")

		case <-ping.C:
			if err := l.conn.Ping(); err != nil {
				log.Warn().Err(err).Msg("outbox listener ping failed")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.conn.Close()
}

// Stats returns the number of rows relayed, when the last one was, and
// whether Start is running.
func (l *Listener) Stats() (uint64, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats.relayed, l.stats.last, l.stats.running
}

func (l *Listener) update(fn func(*relayStats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

func (l *Listener) count(n int) {
	if n > 0 {
		l.update(func(s *relayStats) {
			s.relayed += uint64(n)
			s.last = time.Now()
		})
	}
}

// handleNotification relays the row whose id is the notification payload.
// A row another relay got to first is not an error.
func (l *Listener) handleNotification(ctx context.Context, payload string) error {
	id, err := uuid.Parse(payload)
	if err != nil {
		return fmt.Errorf("invalid outbox notification: %w", err)
	}

	err = l.repo.Relay(ctx, id, l.publishRecord(ctx))
	switch {
	case errors.Is(err, ErrNotPending):
		return nil
	case err != nil:
		return err
	}
	l.count(1)
	return nil
}

// catchUp relays pending rows oldest first, batch by batch, until a batch
// comes back short or fails.
func (l *Listener) catchUp(ctx context.Context, reason string) {
	total := 0
	defer func() {
		l.count(total)
		if total > 0 {
			log.Info().Str("reason", reason).Int("count", total).Msg("relayed pending outbox events")
		}
	}()

	for ctx.Err() == nil {
		n, err := l.repo.RelayBatch(ctx, l.cfg.BatchSize, l.publishRecord(ctx))
		total += n
		if err != nil {
			log.Error().Err(err).Str("reason", reason).Msg("outbox catch-up stopped")
			return
		}
		if n < l.cfg.BatchSize {
			return
		}
	}
}

func (l *Listener) publishRecord(ctx context.Context) func(Record) error {
	return func(rec Record) error {
		return l.publishWithRetry(ctx, rec.Event)
	}
}

// publishWithRetry makes up to MaxRetries+1 attempts, waiting attempt times
// RetryDelay before each retry.
func (l *Listener) publishWithRetry(ctx context.Context, event events.Event) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = l.bus.Publish(ctx, event); err == nil {
			if attempt > 0 {
				log.Info().Str("event_id", event.ID.String()).Int("attempts", attempt+1).Msg("outbox event published")
			}
			return nil
		}
		if attempt == l.cfg.MaxRetries {
			break
		}
		log.Warn().Err(err).Str("event_id", event.ID.String()).Int("attempt", attempt+1).Msg("outbox publish failed")

		wait := time.NewTimer(l.cfg.RetryDelay * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", l.cfg.MaxRetries+1, err)
}
