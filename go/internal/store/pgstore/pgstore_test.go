package pgstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
	"github.com/frawau/gokartrace-sub000/go/internal/store/pgstore/pgtest"
	"github.com/frawau/gokartrace-sub000/go/internal/store/storetest"
)

var (
	poolOnce sync.Once
	testDB   *pgxpool.Pool
	poolErr  error
)

// testPool returns a migrated, emptied database.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := pgtest.URL(t, "racecontrol_store")
	poolOnce.Do(func() {
		if poolErr = Migrate(url); poolErr != nil {
			return
		}
		testDB, poolErr = Connect(context.Background(), url)
	})
	require.NoError(t, poolErr)

	_, err := testDB.Exec(context.Background(), `truncate championships, teams, persons, penalties, race_outbox
		restart identity cascade`)
	require.NoError(t, err)
	return testDB
}

var t0 = time.Date(2026, 6, 6, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T) (*Store, *storetest.Fixture) {
	s := New(testPool(t))
	round := storetest.DefaultRound(t0)
	round.WeightPenalty = models.WeightPenaltyRule{
		Comparator: models.ComparatorLess,
		Thresholds: []models.WeightThreshold{{Weight: decimal.NewFromInt(70), Value: 2}},
	}
	fx := storetest.Seed(t, s, round,
		storetest.TeamSpec{Number: 7, Name: "Alpha", Drivers: []string{"A1", "A2"},
			Weights: map[string]decimal.Decimal{"A2": decimal.RequireFromString("68.5")}},
		storetest.TeamSpec{Number: 12, Name: "Bravo", Drivers: []string{"B1"}, Manager: "Boss"},
	)
	return s, fx
}

func outboxCount(t *testing.T, s *Store) int {
	var n int
	require.NoError(t, s.pool.QueryRow(context.Background(), `select count(*) from race_outbox`).Scan(&n))
	return n
}

func TestRoundRoundTrip(t *testing.T) {
	_, fx := seed(t)
	r := fx.ReloadRound(t)

	assert.Equal(t, 2*time.Hour, r.Duration)
	assert.Equal(t, 5*time.Minute, r.PitlaneOpenAfter)
	assert.Equal(t, models.LimitPolicyNone, r.DriveLimit.Policy)
	assert.True(t, t0.Equal(r.ScheduledStart))
	assert.Nil(t, r.Started)
	require.Len(t, r.WeightPenalty.Thresholds, 1)
	assert.True(t, decimal.NewFromInt(70).Equal(r.WeightPenalty.Thresholds[0].Weight))
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), r.QRKey)

	assert.Equal(t, "Alpha", fx.Teams[7].Name)
	assert.Equal(t, 12, fx.Teams[12].Number)
	a2 := fx.Member(t, "A2")
	assert.Equal(t, "A2", a2.Nickname)
	assert.True(t, decimal.RequireFromString("68.5").Equal(a2.Weight))
	assert.True(t, fx.Member(t, "Boss").Manager)
}

func TestUpdateWritesOutboxOnCommitOnly(t *testing.T) {
	s, fx := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, fx.Round.ID, func(tx store.Tx) error {
		require.NoError(t, store.EmitNew(tx, events.RoundTopic(fx.Round.ID), events.TypeRoundUpdate, fx.Round.ID, nil))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, outboxCount(t, s))

	hooked := false
	err = s.Update(ctx, fx.Round.ID, func(tx store.Tx) error {
		tx.AfterCommit(func(context.Context) { hooked = true })
		return store.EmitNew(tx, events.RoundTopic(fx.Round.ID), events.TypeRoundUpdate, fx.Round.ID,
			events.RoundUpdatePayload{IsPaused: true})
	})
	require.NoError(t, err)
	assert.True(t, hooked)
	assert.Equal(t, 1, outboxCount(t, s))
}

func TestSessionsAndLanes(t *testing.T) {
	s, fx := seed(t)
	ctx := context.Background()
	fx.Register(t, "B1", t0.Add(2*time.Second))
	fx.Register(t, "A2", t0.Add(time.Second))

	queue := fx.Sessions(t, store.SessionQuery{States: []models.SessionState{models.SessionStateRegistered}})
	require.Len(t, queue, 2)
	assert.Equal(t, fx.MemberID(t, "A2"), queue[0].TeamMemberID)

	alpha := fx.Sessions(t, store.SessionQuery{RoundTeamID: fx.Teams[7].ID})
	assert.Len(t, alpha, 1)

	a2 := fx.MemberID(t, "A2")
	b1 := fx.MemberID(t, "B1")
	require.NoError(t, s.Update(ctx, fx.Round.ID, func(tx store.Tx) error {
		for i := 1; i <= 2; i++ {
			if err := tx.InsertLane(ctx, &models.ChangeLane{RoundID: fx.Round.ID, Lane: i}); err != nil {
				return err
			}
		}
		lanes, err := tx.Lanes(ctx, fx.Round.ID)
		require.NoError(t, err)
		lanes[0].TeamMemberID = &a2
		lanes[1].TeamMemberID = &b1
		require.NoError(t, tx.UpdateLane(ctx, lanes[0]))
		return tx.UpdateLane(ctx, lanes[1])
	}))

	// swapping two drivers passes through a duplicate, which the deferred
	// constraint allows
	require.NoError(t, s.Update(ctx, fx.Round.ID, func(tx store.Tx) error {
		lanes, err := tx.Lanes(ctx, fx.Round.ID)
		require.NoError(t, err)
		lanes[0].TeamMemberID = &b1
		require.NoError(t, tx.UpdateLane(ctx, lanes[0]))
		lanes[1].TeamMemberID = &a2
		return tx.UpdateLane(ctx, lanes[1])
	}))

	err := s.Update(ctx, fx.Round.ID, func(tx store.Tx) error {
		lanes, err := tx.Lanes(ctx, fx.Round.ID)
		require.NoError(t, err)
		lanes[0].TeamMemberID = &a2
		return tx.UpdateLane(ctx, lanes[0])
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestPenaltyQueueOrderAndCascade(t *testing.T) {
	s, fx := seed(t)
	ctx := context.Background()
	cp := fx.AddPenalty(t, "Stop & Go", models.StopGo(), 10, models.PenaltyRoleNone)
	named := fx.AddPenalty(t, "Ignoring S&G", models.Named("black flag"), 20, models.PenaltyRoleIgnoringStopGo)
	assert.Equal(t, models.Named("black flag"), named.Sanction)
	assert.Equal(t, models.PenaltyRoleIgnoringStopGo, named.Role)

	var first, second models.RoundPenalty
	require.NoError(t, s.Update(ctx, fx.Round.ID, func(tx store.Tx) error {
		first = models.RoundPenalty{RoundID: fx.Round.ID, OffenderID: fx.Teams[7].ID, ChampionshipPenaltyID: cp.ID, Value: 10, Imposed: t0}
		second = models.RoundPenalty{RoundID: fx.Round.ID, OffenderID: fx.Teams[12].ID, ChampionshipPenaltyID: cp.ID, Value: 15, Imposed: t0}
		require.NoError(t, tx.InsertRoundPenalty(ctx, &first))
		require.NoError(t, tx.InsertRoundPenalty(ctx, &second))
		require.NoError(t, tx.InsertQueueEntry(ctx, &models.PenaltyQueueEntry{RoundID: fx.Round.ID, RoundPenaltyID: second.ID, Timestamp: t0.Add(time.Second)}))
		return tx.InsertQueueEntry(ctx, &models.PenaltyQueueEntry{RoundID: fx.Round.ID, RoundPenaltyID: first.ID, Timestamp: t0})
	}))

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		entries, err := r.QueueEntries(ctx, fx.Round.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, first.ID, entries[0].RoundPenaltyID)
		return nil
	}))

	require.NoError(t, s.Update(ctx, fx.Round.ID, func(tx store.Tx) error {
		return tx.DeleteRoundPenalty(ctx, first.ID)
	}))
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		entries, err := r.QueueEntries(ctx, fx.Round.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, second.ID, entries[0].RoundPenaltyID)
		return nil
	}))
}

func TestRoundLockSerialisesWriters(t *testing.T) {
	s, fx := seed(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, fx.Round.ID, func(tx store.Tx) error {
				r, err := tx.Round(ctx, fx.Round.ID)
				if err != nil {
					return err
				}
				r.RequiredChanges++
				return tx.UpdateRound(ctx, r)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 11, fx.ReloadRound(t).RequiredChanges)
}

func TestNotFound(t *testing.T) {
	s, fx := seed(t)
	ctx := context.Background()

	err := s.Update(ctx, 4242, func(tx store.Tx) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.Update(ctx, fx.Round.ID, func(tx store.Tx) error { return tx.DeleteSession(ctx, 4242) })
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.View(ctx, func(r store.Reader) error {
		_, err := r.TeamMember(ctx, 4242)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db", migrateURL("postgres://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://u:p@h/db", migrateURL("postgresql://u:p@h/db"))
	assert.Equal(t, "pgx5://x", migrateURL("pgx5://x"))
}
