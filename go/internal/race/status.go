package race

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/racetime"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// RoundStatus returns the clock of a round.
func (a *App) RoundStatus(ctx context.Context, roundID int64) (RoundStatus, error) {
	var out RoundStatus
	err := a.store.View(ctx, func(r store.Reader) error {
		st, err := loadRound(ctx, r, roundID, a.now())
		if err != nil {
			return err
		}
		out = RoundStatus{
			Round:       st.round,
			Elapsed:     racetime.Elapsed(st.round, st.pauses, st.now),
			Remaining:   racetime.Remaining(st.round, st.pauses, st.now),
			IsPaused:    st.isPaused(),
			PitLaneOpen: st.round.Running() && st.pitLaneOpen(),
		}
		return nil
	})
	if err != nil {
		return RoundStatus{}, fmt.Errorf("failed to get status of round %d: %w", roundID, err)
	}
	return out, nil
}

// TeamStatus returns, for each team, who is driving and for how long.
func (a *App) TeamStatus(ctx context.Context, roundID int64) ([]TeamStatus, error) {
	var out []TeamStatus
	err := a.store.View(ctx, func(r store.Reader) error {
		st, err := loadRound(ctx, r, roundID, a.now())
		if err != nil {
			return err
		}
		sessions, err := r.Sessions(ctx, roundID, store.SessionQuery{})
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		byTeam := lo.GroupBy(sessions, func(s models.Session) int64 { return st.members[s.TeamMemberID].RoundTeamID })
		byMember := lo.GroupBy(sessions, func(s models.Session) int64 { return s.TeamMemberID })

		for _, team := range st.sortedTeams() {
			own := byTeam[team.ID]
			ts := TeamStatus{
				RoundTeamID: team.ID,
				Number:      team.Number,
				Name:        team.Name,
				Changes:     max(lo.CountBy(own, func(s models.Session) bool { return s.Start != nil })-1, 0),
				Queued:      lo.CountBy(own, func(s models.Session) bool { return s.State() == models.SessionStateRegistered }),
			}
			if cur, ok := lo.Find(own, func(s models.Session) bool { return s.State() == models.SessionStateDriving }); ok {
				m := st.members[cur.TeamMemberID]
				ts.Driving = &DriverStatus{
					TeamMemberID: m.ID,
					Nickname:     m.Nickname,
					Since:        *cur.Start,
					Stint:        racetime.DrivingTime([]models.Session{cur}, st.pauses, st.now),
					TimeSpent:    racetime.DrivingTime(byMember[m.ID], st.pauses, st.now),
				}
			}
			out = append(out, ts)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get team status of round %d: %w", roundID, err)
	}
	return out, nil
}
