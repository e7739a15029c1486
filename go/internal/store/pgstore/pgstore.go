// Package pgstore is the PostgreSQL store.Store. Writers of one round are
// serialised by locking the round row. Emitted events go to the race_outbox
// table in the same transaction and are announced with pg_notify; the outbox
// listener relays them once the transaction has committed.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// NotifyChannel is the LISTEN channel announcing new outbox rows.
const NotifyChannel = "race_outbox_events"

// Querier is satisfied by pgx.Conn, pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgx.Conn)(nil)
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = pgx.Tx(nil)

	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)

type Store struct {
	pool  *pgxpool.Pool
	order store.CommitOrder
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool on dbURL and checks it.
func Connect(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().
		Str("host", cfg.ConnConfig.Host).
		Str("database", cfg.ConnConfig.Database).
		Msg("connected to database")
	return pool, nil
}

// Update runs fn in a transaction holding the round row lock. The commit
// ticket is taken under that lock, so hooks of one round run in commit order.
func (s *Store) Update(ctx context.Context, roundID int64, fn func(tx store.Tx) error) error {
	t := &tx{}
	var (
		ticket uint64
		queued bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(pgtx pgx.Tx) error {
		t.reader = reader{q: pgtx}
		if roundID != 0 {
			var id int64
			err := pgtx.QueryRow(ctx, `select id from rounds where id=$1 for update`, roundID).Scan(&id)
			if err != nil {
				return mapErr(fmt.Sprintf("lock round %d", roundID), err)
			}
		}
		if err := fn(t); err != nil {
			return err
		}
		if err := t.flush(ctx); err != nil {
			return err
		}
		ticket, queued = s.order.Take(), true
		return nil
	})
	if err != nil {
		if queued {
			s.order.Run(ctx, ticket, nil)
		}
		return mapErr("commit", err)
	}

	s.order.Run(ctx, ticket, t.hooks)
	return nil
}

func (s *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, s.pool, opts, func(pgtx pgx.Tx) error {
		return fn(reader{q: pgtx})
	})
}

type tx struct {
	reader
	pending []events.Event
	hooks   []func(ctx context.Context)
}

func (t *tx) Emit(event events.Event) {
	t.pending = append(t.pending, event)
}

func (t *tx) AfterCommit(hook func(ctx context.Context)) {
	t.hooks = append(t.hooks, hook)
}

// flush writes the emitted events to the outbox. Notifications are only
// delivered by postgres when the transaction commits.
func (t *tx) flush(ctx context.Context) error {
	for _, ev := range t.pending {
		_, err := t.q.Exec(ctx, `
			insert into race_outbox (id, topic, event_type, round_id, payload, created_at)
			values ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.Topic, string(ev.Type), ev.RoundID, []byte(ev.Payload), ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		if _, err := t.q.Exec(ctx, `select pg_notify($1, $2)`, NotifyChannel, ev.ID.String()); err != nil {
			return fmt.Errorf("notify outbox event: %w", err)
		}
	}
	return nil
}

// mapErr translates driver errors into store errors.
func mapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%s: %s: %w", what, pgErr.Message, store.ErrConflict)
		case "23503":
			return fmt.Errorf("%s: %s: %w", what, pgErr.Message, store.ErrNotFound)
		}
	}
	return err
}

func checkAffected(tag pgconn.CommandTag, kind string, id int64) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, store.ErrNotFound)
	}
	return nil
}
