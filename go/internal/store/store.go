// Package store is the persistence boundary of race control. Every mutation
// runs inside Update, which serialises writers per round and publishes the
// events collected by the transaction only once it has committed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the transaction lost a race with another writer.
	// Callers may retry.
	ErrConflict = errors.New("store conflict")
)

// Store runs transactions.
type Store interface {
	// Update runs fn in a read-write transaction. Updates naming the same
	// round never interleave. roundID 0 takes no round lock.
	Update(ctx context.Context, roundID int64, fn func(tx Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(r Reader) error) error
}

// SessionQuery narrows Sessions. Zero values match everything.
type SessionQuery struct {
	TeamMemberID int64
	RoundTeamID  int64
	States       []models.SessionState
}

// Matches applies the query to a session owned by a member of roundTeamID.
func (q SessionQuery) Matches(s models.Session, roundTeamID int64) bool {
	if q.TeamMemberID != 0 && s.TeamMemberID != q.TeamMemberID {
		return false
	}
	if q.RoundTeamID != 0 && roundTeamID != q.RoundTeamID {
		return false
	}
	if len(q.States) == 0 {
		return true
	}
	state := s.State()
	for _, st := range q.States {
		if st == state {
			return true
		}
	}
	return false
}

// Reader is the read side shared by transactions and snapshots. Lists come
// back in a stable order: pauses by start, round teams by number, members and
// sessions by registration then id, lanes by lane index, queue entries oldest
// first.
type Reader interface {
	Championship(ctx context.Context, id int64) (models.Championship, error)
	Round(ctx context.Context, id int64) (models.Round, error)
	// RoundsScheduledBetween lists rounds whose scheduled start lies in
	// [from, to) and that have not ended.
	RoundsScheduledBetween(ctx context.Context, from, to time.Time) ([]models.Round, error)
	Pauses(ctx context.Context, roundID int64) ([]models.RoundPause, error)

	Team(ctx context.Context, id int64) (models.Team, error)
	ChampionshipTeam(ctx context.Context, id int64) (models.ChampionshipTeam, error)
	RoundTeam(ctx context.Context, id int64) (models.RoundTeam, error)
	RoundTeams(ctx context.Context, roundID int64) ([]models.RoundTeam, error)
	Person(ctx context.Context, id int64) (models.Person, error)
	TeamMember(ctx context.Context, id int64) (models.TeamMember, error)
	TeamMembers(ctx context.Context, roundID int64) ([]models.TeamMember, error)

	Sessions(ctx context.Context, roundID int64, q SessionQuery) ([]models.Session, error)
	Lanes(ctx context.Context, roundID int64) ([]models.ChangeLane, error)

	Penalty(ctx context.Context, id int64) (models.Penalty, error)
	ChampionshipPenalty(ctx context.Context, id int64) (models.ChampionshipPenalty, error)
	ChampionshipPenalties(ctx context.Context, championshipID int64) ([]models.ChampionshipPenalty, error)
	RoundPenalty(ctx context.Context, id int64) (models.RoundPenalty, error)
	RoundPenalties(ctx context.Context, roundID int64) ([]models.RoundPenalty, error)
	QueueEntry(ctx context.Context, id int64) (models.PenaltyQueueEntry, error)
	QueueEntries(ctx context.Context, roundID int64) ([]models.PenaltyQueueEntry, error)
}

// Tx is a read-write transaction. Insert methods assign the ID (and the
// denormalised read fields) of the value they are given.
type Tx interface {
	Reader

	InsertChampionship(ctx context.Context, c *models.Championship) error
	InsertRound(ctx context.Context, r *models.Round) error
	UpdateRound(ctx context.Context, r models.Round) error
	InsertPause(ctx context.Context, p *models.RoundPause) error
	UpdatePause(ctx context.Context, p models.RoundPause) error
	DeletePause(ctx context.Context, id int64) error

	InsertTeam(ctx context.Context, t *models.Team) error
	InsertChampionshipTeam(ctx context.Context, t *models.ChampionshipTeam) error
	InsertRoundTeam(ctx context.Context, t *models.RoundTeam) error
	// DeleteRoundTeam cascades to members, their sessions and the penalties
	// the team received.
	DeleteRoundTeam(ctx context.Context, id int64) error
	InsertPerson(ctx context.Context, p *models.Person) error
	InsertTeamMember(ctx context.Context, m *models.TeamMember) error
	UpdateTeamMember(ctx context.Context, m models.TeamMember) error

	InsertSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s models.Session) error
	DeleteSession(ctx context.Context, id int64) error
	InsertLane(ctx context.Context, l *models.ChangeLane) error
	UpdateLane(ctx context.Context, l models.ChangeLane) error
	DeleteLanes(ctx context.Context, roundID int64) error

	InsertPenalty(ctx context.Context, p *models.Penalty) error
	InsertChampionshipPenalty(ctx context.Context, p *models.ChampionshipPenalty) error
	InsertRoundPenalty(ctx context.Context, p *models.RoundPenalty) error
	UpdateRoundPenalty(ctx context.Context, p models.RoundPenalty) error
	// DeleteRoundPenalty also removes its queue entry.
	DeleteRoundPenalty(ctx context.Context, id int64) error
	InsertQueueEntry(ctx context.Context, e *models.PenaltyQueueEntry) error
	UpdateQueueEntry(ctx context.Context, e models.PenaltyQueueEntry) error
	DeleteQueueEntry(ctx context.Context, id int64) error

	// Emit queues an event for publication after commit. Events of a
	// rolled back transaction are never published.
	Emit(event events.Event)
	// AfterCommit registers a hook run after a successful commit, in
	// registration order together with the emitted events. Hooks of
	// different transactions run in commit order, so a hook must not call
	// Update on the same store.
	AfterCommit(hook func(ctx context.Context))
}

// EmitNew builds an event and queues it on tx.
func EmitNew(tx Tx, topic string, typ events.Type, roundID int64, payload any) error {
	ev, err := events.New(topic, typ, roundID, payload)
	if err != nil {
		return err
	}
	tx.Emit(ev)
	return nil
}
