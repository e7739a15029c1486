// Package storetest seeds stores for tests of the packages built on them.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// TeamSpec describes a team to seed. Every driver weighs 75 unless Weights
// says otherwise.
type TeamSpec struct {
	Number  int
	Name    string
	Drivers []string
	Weights map[string]decimal.Decimal
	Manager string
}

// Fixture is a seeded championship with one round.
type Fixture struct {
	Store        store.Store
	Championship models.Championship
	Round        models.Round
	Teams        map[int]models.RoundTeam
	Members      map[string]models.TeamMember
}

// DefaultRound is a two hour round with two change lanes.
func DefaultRound(scheduled time.Time) models.Round {
	return models.Round{
		Name:               "Round 1",
		ScheduledStart:     scheduled,
		Duration:           2 * time.Hour,
		ChangeLanes:        2,
		PitlaneOpenAfter:   5 * time.Minute,
		PitlaneCloseBefore: 5 * time.Minute,
		DriveLimit:         models.DriveLimit{Policy: models.LimitPolicyNone},
		RequiredChanges:    1,
		MinDriveTime:       10 * time.Minute,
		QRKey:              []byte("0123456789abcdef0123456789abcdef"),
	}
}

// Seed creates a championship, the round and the teams in one transaction.
func Seed(t testing.TB, st store.Store, round models.Round, teams ...TeamSpec) *Fixture {
	t.Helper()
	ctx := context.Background()
	fx := &Fixture{
		Store:   st,
		Teams:   map[int]models.RoundTeam{},
		Members: map[string]models.TeamMember{},
	}

	err := st.Update(ctx, 0, func(tx store.Tx) error {
		fx.Championship = models.Championship{
			Name:  "Endurance " + round.Name,
			Start: round.ScheduledStart.AddDate(0, -1, 0),
			End:   round.ScheduledStart.AddDate(0, 6, 0),
		}
		if err := tx.InsertChampionship(ctx, &fx.Championship); err != nil {
			return err
		}
		round.ChampionshipID = fx.Championship.ID
		if err := tx.InsertRound(ctx, &round); err != nil {
			return err
		}
		fx.Round = round

		for _, spec := range teams {
			team := models.Team{Name: spec.Name}
			if err := tx.InsertTeam(ctx, &team); err != nil {
				return err
			}
			ct := models.ChampionshipTeam{ChampionshipID: fx.Championship.ID, TeamID: team.ID, Number: spec.Number}
			if err := tx.InsertChampionshipTeam(ctx, &ct); err != nil {
				return err
			}
			rt := models.RoundTeam{RoundID: round.ID, ChampionshipTeamID: ct.ID}
			if err := tx.InsertRoundTeam(ctx, &rt); err != nil {
				return err
			}
			fx.Teams[spec.Number] = rt

			for _, nick := range spec.Drivers {
				if err := fx.addMember(ctx, tx, rt, spec, nick, true); err != nil {
					return err
				}
			}
			if spec.Manager != "" {
				if err := fx.addMember(ctx, tx, rt, spec, spec.Manager, false); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	return fx
}

func (fx *Fixture) addMember(ctx context.Context, tx store.Tx, rt models.RoundTeam, spec TeamSpec, nick string, driver bool) error {
	person := models.Person{Surname: nick, Firstname: nick, Nickname: nick}
	if err := tx.InsertPerson(ctx, &person); err != nil {
		return err
	}
	weight := decimal.NewFromInt(75)
	if w, ok := spec.Weights[nick]; ok {
		weight = w
	}
	m := models.TeamMember{
		RoundTeamID: rt.ID,
		PersonID:    person.ID,
		Driver:      driver,
		Manager:     nick == spec.Manager,
		Weight:      weight,
	}
	if err := tx.InsertTeamMember(ctx, &m); err != nil {
		return err
	}
	fx.Members[nick] = m
	return nil
}

// Member returns the seeded member with that nickname.
func (fx *Fixture) Member(t testing.TB, nick string) models.TeamMember {
	t.Helper()
	m, ok := fx.Members[nick]
	require.True(t, ok, "no member %q", nick)
	return m
}

// MemberID is Member(t, nick).ID.
func (fx *Fixture) MemberID(t testing.TB, nick string) int64 {
	t.Helper()
	return fx.Member(t, nick).ID
}

// Register inserts a registered session for nick directly, bypassing the
// queue rules. Used to prepare the starting grid.
func (fx *Fixture) Register(t testing.TB, nick string, at time.Time) models.Session {
	t.Helper()
	s := models.Session{RoundID: fx.Round.ID, TeamMemberID: fx.MemberID(t, nick), Registered: &at}
	err := fx.Store.Update(context.Background(), fx.Round.ID, func(tx store.Tx) error {
		return tx.InsertSession(context.Background(), &s)
	})
	require.NoError(t, err)
	return s
}

// ReloadRound reads the round back from the store.
func (fx *Fixture) ReloadRound(t testing.TB) models.Round {
	t.Helper()
	var r models.Round
	err := fx.Store.View(context.Background(), func(rd store.Reader) error {
		var err error
		r, err = rd.Round(context.Background(), fx.Round.ID)
		return err
	})
	require.NoError(t, err)
	fx.Round = r
	return r
}

// Sessions returns the round's sessions matching q.
func (fx *Fixture) Sessions(t testing.TB, q store.SessionQuery) []models.Session {
	t.Helper()
	var out []models.Session
	err := fx.Store.View(context.Background(), func(rd store.Reader) error {
		var err error
		out, err = rd.Sessions(context.Background(), fx.Round.ID, q)
		return err
	})
	require.NoError(t, err)
	return out
}

// Lanes returns the round's change lanes.
func (fx *Fixture) Lanes(t testing.TB) []models.ChangeLane {
	t.Helper()
	var out []models.ChangeLane
	err := fx.Store.View(context.Background(), func(rd store.Reader) error {
		var err error
		out, err = rd.Lanes(context.Background(), fx.Round.ID)
		return err
	})
	require.NoError(t, err)
	return out
}

// AddPenalty creates a catalog penalty and its championship configuration.
func (fx *Fixture) AddPenalty(t testing.TB, name string, sanction models.Sanction, value int, role models.PenaltyRole) models.ChampionshipPenalty {
	t.Helper()
	var cp models.ChampionshipPenalty
	err := fx.Store.Update(context.Background(), 0, func(tx store.Tx) error {
		p := models.Penalty{Name: name, Description: name}
		if err := tx.InsertPenalty(context.Background(), &p); err != nil {
			return err
		}
		cp = models.ChampionshipPenalty{
			ChampionshipID: fx.Championship.ID,
			PenaltyID:      p.ID,
			Sanction:       sanction,
			Value:          value,
			Role:           role,
		}
		return tx.InsertChampionshipPenalty(context.Background(), &cp)
	})
	require.NoError(t, err)
	return cp
}

// SetClock moves a fake clock to t, firing the timers it passes.
func SetClock(clock *clockwork.FakeClock, t time.Time) {
	clock.Advance(t.Sub(clock.Now()))
}
