// Package memstore is an in-memory store.Store. Every Update works on a copy
// of the current state that replaces it on success, so readers always see a
// committed snapshot and a failed transaction leaves nothing behind.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

type state struct {
	nextID int64

	championships         map[int64]models.Championship
	rounds                map[int64]models.Round
	pauses                map[int64]models.RoundPause
	teams                 map[int64]models.Team
	championshipTeams     map[int64]models.ChampionshipTeam
	roundTeams            map[int64]models.RoundTeam
	persons               map[int64]models.Person
	members               map[int64]models.TeamMember
	sessions              map[int64]models.Session
	lanes                 map[int64]models.ChangeLane
	penalties             map[int64]models.Penalty
	championshipPenalties map[int64]models.ChampionshipPenalty
	roundPenalties        map[int64]models.RoundPenalty
	queue                 map[int64]models.PenaltyQueueEntry
}

func newState() *state {
	return &state{
		championships:         map[int64]models.Championship{},
		rounds:                map[int64]models.Round{},
		pauses:                map[int64]models.RoundPause{},
		teams:                 map[int64]models.Team{},
		championshipTeams:     map[int64]models.ChampionshipTeam{},
		roundTeams:            map[int64]models.RoundTeam{},
		persons:               map[int64]models.Person{},
		members:               map[int64]models.TeamMember{},
		sessions:              map[int64]models.Session{},
		lanes:                 map[int64]models.ChangeLane{},
		penalties:             map[int64]models.Penalty{},
		championshipPenalties: map[int64]models.ChampionshipPenalty{},
		roundPenalties:        map[int64]models.RoundPenalty{},
		queue:                 map[int64]models.PenaltyQueueEntry{},
	}
}

// clone copies every table. Values are structs whose pointer fields are
// replaced, never mutated, so a shallow copy is enough.
func (s *state) clone() *state {
	return &state{
		nextID:                s.nextID,
		championships:         maps.Clone(s.championships),
		rounds:                maps.Clone(s.rounds),
		pauses:                maps.Clone(s.pauses),
		teams:                 maps.Clone(s.teams),
		championshipTeams:     maps.Clone(s.championshipTeams),
		roundTeams:            maps.Clone(s.roundTeams),
		persons:               maps.Clone(s.persons),
		members:               maps.Clone(s.members),
		sessions:              maps.Clone(s.sessions),
		lanes:                 maps.Clone(s.lanes),
		penalties:             maps.Clone(s.penalties),
		championshipPenalties: maps.Clone(s.championshipPenalties),
		roundPenalties:        maps.Clone(s.roundPenalties),
		queue:                 maps.Clone(s.queue),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu    sync.Mutex
	snap  atomic.Pointer[state]
	bus   events.Bus
	order store.CommitOrder
}

// New returns an empty store publishing committed events to bus. bus may be
// nil, in which case events are dropped.
func New(bus events.Bus) *Store {
	s := &Store{bus: bus}
	s.snap.Store(newState())
	return s
}

func (s *Store) Update(ctx context.Context, roundID int64, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	next := s.snap.Load().clone()
	t := &tx{reader: reader{st: next}, bus: s.bus}
	if roundID != 0 {
		if _, ok := next.rounds[roundID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("round %d: %w", roundID, store.ErrNotFound)
		}
	}
	if err := fn(t); err != nil {
		s.mu.Unlock()
		return err
	}
	s.snap.Store(next)
	ticket := s.order.Take()
	s.mu.Unlock()

	s.order.Run(ctx, ticket, t.hooks)
	return nil
}

func (s *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(reader{st: s.snap.Load()})
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Tx    = (*tx)(nil)
)

type tx struct {
	reader
	bus   events.Bus
	hooks []func(ctx context.Context)
}

func (t *tx) Emit(event events.Event) {
	t.hooks = append(t.hooks, func(ctx context.Context) {
		if t.bus == nil {
			return
		}
		if err := t.bus.Publish(ctx, event); err != nil {
			log.Error().Err(err).
				Str("topic", event.Topic).
				Str("event_type", string(event.Type)).
				Msg("failed to publish event")
		}
	})
}

func (t *tx) AfterCommit(hook func(ctx context.Context)) {
	t.hooks = append(t.hooks, hook)
}

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, store.ErrNotFound)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), store.ErrConflict)
}

// reader serves reads from one state.
type reader struct {
	st *state
}

func get[T any](m map[int64]T, kind string, id int64) (T, error) {
	v, ok := m[id]
	if !ok {
		var zero T
		return zero, notFound(kind, id)
	}
	return v, nil
}

func (r reader) Championship(_ context.Context, id int64) (models.Championship, error) {
	return get(r.st.championships, "championship", id)
}

func (r reader) Round(_ context.Context, id int64) (models.Round, error) {
	return get(r.st.rounds, "round", id)
}

func (r reader) RoundsScheduledBetween(_ context.Context, from, to time.Time) ([]models.Round, error) {
	var out []models.Round
	for _, rd := range r.st.rounds {
		if rd.Ended != nil || rd.ScheduledStart.Before(from) || !rd.ScheduledStart.Before(to) {
			continue
		}
		out = append(out, rd)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ScheduledStart.Before(out[j].ScheduledStart)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r reader) Pauses(_ context.Context, roundID int64) ([]models.RoundPause, error) {
	var out []models.RoundPause
	for _, p := range r.st.pauses {
		if p.RoundID == roundID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r reader) Team(_ context.Context, id int64) (models.Team, error) {
	return get(r.st.teams, "team", id)
}

func (r reader) ChampionshipTeam(_ context.Context, id int64) (models.ChampionshipTeam, error) {
	return get(r.st.championshipTeams, "championship team", id)
}

func (r reader) RoundTeam(_ context.Context, id int64) (models.RoundTeam, error) {
	return get(r.st.roundTeams, "round team", id)
}

func (r reader) RoundTeams(_ context.Context, roundID int64) ([]models.RoundTeam, error) {
	var out []models.RoundTeam
	for _, t := range r.st.roundTeams {
		if t.RoundID == roundID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r reader) Person(_ context.Context, id int64) (models.Person, error) {
	return get(r.st.persons, "person", id)
}

func (r reader) TeamMember(_ context.Context, id int64) (models.TeamMember, error) {
	return get(r.st.members, "team member", id)
}

func (r reader) TeamMembers(_ context.Context, roundID int64) ([]models.TeamMember, error) {
	var out []models.TeamMember
	for _, m := range r.st.members {
		if t, ok := r.st.roundTeams[m.RoundTeamID]; ok && t.RoundID == roundID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r reader) Sessions(_ context.Context, roundID int64, q store.SessionQuery) ([]models.Session, error) {
	var out []models.Session
	for _, s := range r.st.sessions {
		if s.RoundID != roundID {
			continue
		}
		if !q.Matches(s, r.st.members[s.TeamMemberID].RoundTeamID) {
			continue
		}
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(out []models.Session) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Registered, out[j].Registered
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].ID < out[j].ID
	})
}

func (r reader) Lanes(_ context.Context, roundID int64) ([]models.ChangeLane, error) {
	var out []models.ChangeLane
	for _, l := range r.st.lanes {
		if l.RoundID == roundID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lane < out[j].Lane })
	return out, nil
}

func (r reader) Penalty(_ context.Context, id int64) (models.Penalty, error) {
	return get(r.st.penalties, "penalty", id)
}

func (r reader) ChampionshipPenalty(_ context.Context, id int64) (models.ChampionshipPenalty, error) {
	return get(r.st.championshipPenalties, "championship penalty", id)
}

func (r reader) ChampionshipPenalties(_ context.Context, championshipID int64) ([]models.ChampionshipPenalty, error) {
	var out []models.ChampionshipPenalty
	for _, p := range r.st.championshipPenalties {
		if p.ChampionshipID == championshipID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r reader) RoundPenalty(_ context.Context, id int64) (models.RoundPenalty, error) {
	return get(r.st.roundPenalties, "round penalty", id)
}

func (r reader) RoundPenalties(_ context.Context, roundID int64) ([]models.RoundPenalty, error) {
	var out []models.RoundPenalty
	for _, p := range r.st.roundPenalties {
		if p.RoundID == roundID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r reader) QueueEntry(_ context.Context, id int64) (models.PenaltyQueueEntry, error) {
	return get(r.st.queue, "queue entry", id)
}

func (r reader) QueueEntries(_ context.Context, roundID int64) ([]models.PenaltyQueueEntry, error) {
	var out []models.PenaltyQueueEntry
	for _, e := range r.st.queue {
		if e.RoundID == roundID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
