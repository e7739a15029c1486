package race

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/racetime"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

var (
	stateRegistered = []models.SessionState{models.SessionStateRegistered}
	stateDriving    = []models.SessionState{models.SessionStateDriving}
	stateActive     = []models.SessionState{models.SessionStateRegistered, models.SessionStateDriving}
)

// roundState is the round as seen by one operation.
type roundState struct {
	round   models.Round
	pauses  []models.RoundPause
	teams   map[int64]models.RoundTeam
	members map[int64]models.TeamMember
	now     time.Time
}

func loadRound(ctx context.Context, r store.Reader, roundID int64, now time.Time) (*roundState, error) {
	round, err := r.Round(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load round %d: %w", roundID, err)
	}
	pauses, err := r.Pauses(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pauses: %w", err)
	}
	teams, err := r.RoundTeams(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load teams: %w", err)
	}
	members, err := r.TeamMembers(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team members: %w", err)
	}
	return &roundState{
		round:   round,
		pauses:  pauses,
		teams:   lo.KeyBy(teams, func(t models.RoundTeam) int64 { return t.ID }),
		members: lo.KeyBy(members, func(m models.TeamMember) int64 { return m.ID }),
		now:     now,
	}, nil
}

func (st *roundState) pitLaneOpen() bool {
	return racetime.PitLaneOpen(st.round, st.pauses, st.now)
}

func (st *roundState) isPaused() bool {
	return racetime.IsPaused(st.round, st.pauses)
}

func (st *roundState) remainingSeconds() int64 {
	return int64(racetime.Remaining(st.round, st.pauses, st.now) / time.Second)
}

func (st *roundState) teamOf(memberID int64) models.RoundTeam {
	return st.teams[st.members[memberID].RoundTeamID]
}

// sortedTeams returns the round teams by car number.
func (st *roundState) sortedTeams() []models.RoundTeam {
	teams := lo.Values(st.teams)
	sortTeams(teams)
	return teams
}

func (st *roundState) teamMembers(roundTeamID int64) []models.TeamMember {
	members := lo.Filter(lo.Values(st.members), func(m models.TeamMember, _ int) bool {
		return m.RoundTeamID == roundTeamID
	})
	sortMembers(members)
	return members
}

func (st *roundState) laneDriver(memberID *int64) *events.LaneDriver {
	if memberID == nil {
		return nil
	}
	m := st.members[*memberID]
	team := st.teams[m.RoundTeamID]
	return &events.LaneDriver{
		TeamMemberID: m.ID,
		Nickname:     m.Nickname,
		TeamNumber:   team.Number,
		TeamName:     team.Name,
	}
}

func (st *roundState) emitRound(tx store.Tx) error {
	return store.EmitNew(tx, events.RoundTopic(st.round.ID), events.TypeRoundUpdate, st.round.ID,
		events.RoundUpdatePayload{
			IsPaused:         st.isPaused(),
			RemainingSeconds: st.remainingSeconds(),
			Started:          st.round.Started,
			Ready:            st.round.Ready,
			Ended:            st.round.Ended,
		})
}

func (st *roundState) emitPause(tx store.Tx) error {
	return store.EmitNew(tx, events.RoundTopic(st.round.ID), events.TypePauseUpdate, st.round.ID,
		events.PauseUpdatePayload{
			IsPaused:         st.isPaused(),
			RemainingSeconds: st.remainingSeconds(),
		})
}

func (st *roundState) emitSession(ctx context.Context, tx store.Tx, memberID int64, status string) error {
	sessions, err := tx.Sessions(ctx, st.round.ID, store.SessionQuery{TeamMemberID: memberID})
	if err != nil {
		return fmt.Errorf("failed to load sessions of %d: %w", memberID, err)
	}
	completed := lo.CountBy(sessions, func(s models.Session) bool {
		return s.State() == models.SessionStateFinished
	})
	return store.EmitNew(tx, events.RoundTopic(st.round.ID), events.TypeSessionUpdate, st.round.ID,
		events.SessionUpdatePayload{
			IsPaused:          st.isPaused(),
			TimeSpent:         int64(racetime.DrivingTime(sessions, st.pauses, st.now) / time.Second),
			DriverID:          memberID,
			DriverStatus:      status,
			CompletedSessions: completed,
		})
}

// emitLane announces a lane to its display and to the race control view.
func (st *roundState) emitLane(tx store.Tx, lane models.ChangeLane) error {
	payload := events.LaneUpdatePayload{
		RoundID: st.round.ID,
		Lane:    lane.Lane,
		Open:    lane.Open,
		Driver:  st.laneDriver(lane.TeamMemberID),
	}
	topic := events.LaneTopic(lane.Lane)
	if err := store.EmitNew(tx, topic, events.TypeLaneUpdate, st.round.ID, payload); err != nil {
		return err
	}
	return store.EmitNew(tx, topic, events.TypeRCLaneUpdate, st.round.ID, payload)
}

func (st *roundState) emitChangeDriver(tx store.Tx, payload events.ChangeDriverUpdatePayload) error {
	return store.EmitNew(tx, events.TopicChangeDriver, events.TypeChangeDriverUpdate, st.round.ID, payload)
}

func sortTeams(teams []models.RoundTeam) {
	slices.SortFunc(teams, func(a, b models.RoundTeam) int {
		return cmp.Or(cmp.Compare(a.Number, b.Number), cmp.Compare(a.ID, b.ID))
	})
}

func sortMembers(members []models.TeamMember) {
	slices.SortFunc(members, func(a, b models.TeamMember) int { return cmp.Compare(a.ID, b.ID) })
}
