// Package outbox relays the events the PostgreSQL store wrote to the
// race_outbox table. A LISTEN on the notify channel relays rows as soon as
// their transaction commits; a fallback poll catches anything missed.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/sqlutil"
)

// ErrNotPending is returned for rows already sent or locked by another relay.
var ErrNotPending = errors.New("outbox event not found or already sent")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// Record is one outbox row.
type Record struct {
	events.Event
	SentAt *time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Relay claims the pending row id, hands it to publish and marks it sent, in
// one transaction. Rows claimed by another relay are skipped with
// ErrNotPending.
func (r *Repository) Relay(ctx context.Context, id uuid.UUID, publish func(Record) error) error {
	return sqlutil.InTx(ctx, r.db, func(tx *sql.Tx) error {
		rec, err := r.claimByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := publish(rec); err != nil {
			return err
		}
		return r.markSent(ctx, tx, id, time.Now().UTC())
	})
}

// RelayBatch relays up to limit pending rows, oldest first. A row whose
// publish fails stays pending and stops the batch so ordering is kept.
func (r *Repository) RelayBatch(ctx context.Context, limit int, publish func(Record) error) (int, error) {
	var (
		sent       int
		publishErr error
	)
	err := sqlutil.InTx(ctx, r.db, func(tx *sql.Tx) error {
		recs, err := r.claimUnsent(ctx, tx, limit)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := publish(rec); err != nil {
				publishErr = fmt.Errorf("publish %s: %w", rec.ID, err)
				return nil
			}
			if err := r.markSent(ctx, tx, rec.ID, time.Now().UTC()); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, publishErr
}

const selectColumns = `select id, topic, event_type, round_id, payload, created_at, sent_at from race_outbox`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec     Record
		typ     string
		payload pqtype.NullRawMessage
		sentAt  sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Topic, &typ, &rec.RoundID, &payload, &rec.CreatedAt, &sentAt); err != nil {
		return Record{}, err
	}
	rec.Type = events.Type(typ)
	rec.Payload = sqlutil.FromNullRawMessage(payload)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.SentAt = sqlutil.FromSqlTime(sentAt)
	return rec, nil
}

func (r *Repository) claimByID(ctx context.Context, q Querier, id uuid.UUID) (Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		selectColumns+` where id = $1 and sent_at is null for update skip locked`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotPending)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to fetch outbox event: %w", err)
	}
	return rec, nil
}

func (r *Repository) claimUnsent(ctx context.Context, q Querier, limit int) ([]Record, error) {
	rows, err := q.QueryContext(ctx,
		selectColumns+` where sent_at is null order by created_at, id limit $1 for update skip locked`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) markSent(ctx context.Context, q Querier, id uuid.UUID, at time.Time) error {
	res, err := q.ExecContext(ctx, `update race_outbox set sent_at = $2 where id = $1 and sent_at is null`,
		id, sqlutil.ToSqlTime(&at))
	if err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotPending)
	}
	return nil
}

// Get reads a row whatever its state.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectColumns+` where id = $1`, id))
	if err != nil {
		return Record{}, fmt.Errorf("failed to fetch outbox event %s: %w", id, err)
	}
	return rec, nil
}

// Pending counts the rows not relayed yet.
func (r *Repository) Pending(ctx context.Context) (int, error) {
	b, err := r.Backlog(ctx)
	return b.Count, err
}

// Backlog summarises the rows not relayed yet.
type Backlog struct {
	Count  int
	Oldest time.Time // zero when Count is 0
}

func (r *Repository) Backlog(ctx context.Context) (Backlog, error) {
	var (
		b      Backlog
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`select count(*), min(created_at) from race_outbox where sent_at is null`).Scan(&b.Count, &oldest)
	if err != nil {
		return Backlog{}, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	if oldest.Valid {
		b.Oldest = oldest.Time
	}
	return b, nil
}

// PurgeSent deletes rows relayed before cutoff.
func (r *Repository) PurgeSent(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `delete from race_outbox where sent_at is not null and sent_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}
