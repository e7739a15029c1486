package race

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/racetime"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// PostRaceCheck returns the driving rule breaches of a round. It can be run
// at any time; before the end of the race it reports the current standing.
func (a *App) PostRaceCheck(ctx context.Context, roundID int64) ([]PostRaceDirective, error) {
	var directives []PostRaceDirective
	err := a.store.View(ctx, func(r store.Reader) error {
		st, err := loadRound(ctx, r, roundID, a.now())
		if err != nil {
			return err
		}
		directives, err = postRaceDirectives(ctx, r, st)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check round %d: %w", roundID, err)
	}
	return directives, nil
}

func postRaceDirectives(ctx context.Context, r store.Reader, st *roundState) ([]PostRaceDirective, error) {
	sessions, err := r.Sessions(ctx, st.round.ID, store.SessionQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	byMember := lo.GroupBy(sessions, func(s models.Session) int64 { return s.TeamMemberID })

	var out []PostRaceDirective
	for _, team := range st.sortedTeams() {
		drivers := lo.Filter(st.teamMembers(team.ID), func(m models.TeamMember, _ int) bool { return m.Driver })
		maxTime, limited := st.round.DriveLimit.MaxFor(st.round.Duration, len(drivers))
		base := PostRaceDirective{RoundTeamID: team.ID, TeamNumber: team.Number, TeamName: team.Name}

		stints := 0
		for _, d := range drivers {
			own := byMember[d.ID]
			stints += lo.CountBy(own, func(s models.Session) bool { return s.Start != nil })
			spent := racetime.DrivingTime(own, st.pauses, st.now)

			dd := base
			dd.TeamMemberID = d.ID
			dd.Nickname = d.Nickname
			dd.Actual = spent
			if st.round.MinDriveTime > 0 && spent < st.round.MinDriveTime {
				dd.Kind = DirectiveMinDriveTime
				dd.Limit = st.round.MinDriveTime
				dd.Message = fmt.Sprintf("Driver %s of team %d drove %s, minimum is %s.",
					d.Nickname, team.Number, clock(spent), clock(dd.Limit))
				out = append(out, dd)
			}
			if limited && spent > maxTime {
				dd.Kind = DirectiveMaxDriveTime
				dd.Limit = maxTime
				dd.Message = fmt.Sprintf("Driver %s of team %d drove %s, maximum is %s.",
					d.Nickname, team.Number, clock(spent), clock(dd.Limit))
				out = append(out, dd)
			}
		}

		changes := max(stints-1, 0)
		if changes < st.round.RequiredChanges {
			td := base
			td.Kind = DirectiveRequiredChanges
			td.Changes = changes
			td.Required = st.round.RequiredChanges
			td.Message = fmt.Sprintf("Team %d made %d driver changes, %d required.",
				team.Number, changes, st.round.RequiredChanges)
			out = append(out, td)
		}
	}
	return out, nil
}

// clock formats a duration as h:mm:ss.
func clock(d time.Duration) string {
	s := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
}
