package race

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/qrcode"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// MaxChangeLanes is the number of pit lanes a track can have.
const MaxChangeLanes = 4

func (a *App) CreateChampionship(ctx context.Context, name string, start, end time.Time) (models.Championship, error) {
	c := models.Championship{Name: name, Start: start, End: end}
	err := a.store.Update(ctx, 0, func(tx store.Tx) error {
		return tx.InsertChampionship(ctx, &c)
	})
	if err != nil {
		return models.Championship{}, fmt.Errorf("failed to create championship: %w", err)
	}
	return c, nil
}

// ValidateRound checks the static settings of a round.
func ValidateRound(r models.Round) error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRound)
	case r.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidRound)
	case r.ChangeLanes < 1 || r.ChangeLanes > MaxChangeLanes:
		return fmt.Errorf("%w: change lanes must be between 1 and %d", ErrInvalidRound, MaxChangeLanes)
	case r.PitlaneOpenAfter < 0 || r.PitlaneCloseBefore < 0 ||
		r.PitlaneOpenAfter+r.PitlaneCloseBefore > r.Duration:
		return fmt.Errorf("%w: pit lane window does not fit the race", ErrInvalidRound)
	case r.RequiredChanges < 0 || r.MinDriveTime < 0 || r.DriveLimit.Value < 0:
		return fmt.Errorf("%w: negative limit", ErrInvalidRound)
	}
	switch r.DriveLimit.Policy {
	case "", models.LimitPolicyNone, models.LimitPolicyAbsolute, models.LimitPolicySharePlusPercent:
	default:
		return fmt.Errorf("%w: unknown drive limit policy %q", ErrInvalidRound, r.DriveLimit.Policy)
	}
	if err := r.WeightPenalty.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRound, err)
	}
	return nil
}

// CreateRound adds a round not yet ready with a fresh card key.
func (a *App) CreateRound(ctx context.Context, r models.Round) (models.Round, error) {
	if err := ValidateRound(r); err != nil {
		return models.Round{}, err
	}
	key, err := qrcode.NewKey()
	if err != nil {
		return models.Round{}, err
	}
	r.ID = 0
	r.Ready, r.Started, r.Ended = false, nil, nil
	r.QRKey = key
	if r.DriveLimit.Policy == "" {
		r.DriveLimit.Policy = models.LimitPolicyNone
	}
	err = a.store.Update(ctx, 0, func(tx store.Tx) error {
		if _, err := tx.Championship(ctx, r.ChampionshipID); err != nil {
			return err
		}
		return tx.InsertRound(ctx, &r)
	})
	if err != nil {
		return models.Round{}, fmt.Errorf("failed to create round: %w", err)
	}
	log.Info().Int64("round_id", r.ID).Str("name", r.Name).Msg("round created")
	return r, nil
}

// AddTeam registers a new team in a championship under a car number.
func (a *App) AddTeam(ctx context.Context, championshipID int64, name string, number int) (models.ChampionshipTeam, error) {
	if number < 1 || number > 99 {
		return models.ChampionshipTeam{}, fmt.Errorf("invalid car number %d", number)
	}
	ct := models.ChampionshipTeam{ChampionshipID: championshipID, Number: number}
	err := a.store.Update(ctx, 0, func(tx store.Tx) error {
		team := models.Team{Name: name}
		if err := tx.InsertTeam(ctx, &team); err != nil {
			return err
		}
		ct.TeamID = team.ID
		return tx.InsertChampionshipTeam(ctx, &ct)
	})
	if err != nil {
		return models.ChampionshipTeam{}, fmt.Errorf("failed to add team %s: %w", name, err)
	}
	return ct, nil
}

// EnterRound enters a championship team in a round.
func (a *App) EnterRound(ctx context.Context, roundID, championshipTeamID int64) (models.RoundTeam, error) {
	rt := models.RoundTeam{RoundID: roundID, ChampionshipTeamID: championshipTeamID}
	err := a.store.Update(ctx, roundID, func(tx store.Tx) error {
		round, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		ct, err := tx.ChampionshipTeam(ctx, championshipTeamID)
		if err != nil {
			return err
		}
		if ct.ChampionshipID != round.ChampionshipID {
			return fmt.Errorf("team %d is not in championship %d: %w", ct.Number, round.ChampionshipID, ErrWrongRound)
		}
		return tx.InsertRoundTeam(ctx, &rt)
	})
	if err != nil {
		return models.RoundTeam{}, fmt.Errorf("failed to enter team in round %d: %w", roundID, err)
	}
	return rt, nil
}

func (a *App) AddPerson(ctx context.Context, p models.Person) (models.Person, error) {
	err := a.store.Update(ctx, 0, func(tx store.Tx) error {
		return tx.InsertPerson(ctx, &p)
	})
	if err != nil {
		return models.Person{}, fmt.Errorf("failed to add person: %w", err)
	}
	return p, nil
}

// AddTeamMember places a person in a round team. A team has at most one
// manager and a person belongs to one team per round.
func (a *App) AddTeamMember(ctx context.Context, m models.TeamMember) (models.TeamMember, error) {
	var roundID int64
	err := a.store.View(ctx, func(r store.Reader) error {
		rt, err := r.RoundTeam(ctx, m.RoundTeamID)
		roundID = rt.RoundID
		return err
	})
	if err != nil {
		return models.TeamMember{}, fmt.Errorf("failed to find round team %d: %w", m.RoundTeamID, err)
	}

	err = a.store.Update(ctx, roundID, func(tx store.Tx) error {
		if _, err := tx.Person(ctx, m.PersonID); err != nil {
			return err
		}
		members, err := tx.TeamMembers(ctx, roundID)
		if err != nil {
			return err
		}
		if other, ok := lo.Find(members, func(o models.TeamMember) bool { return o.PersonID == m.PersonID }); ok {
			if other.RoundTeamID != m.RoundTeamID {
				return ErrPersonInOtherTeam
			}
			return fmt.Errorf("%s is already in this team: %w", other.Nickname, store.ErrConflict)
		}
		if m.Manager && lo.ContainsBy(members, func(o models.TeamMember) bool {
			return o.RoundTeamID == m.RoundTeamID && o.Manager
		}) {
			return ErrManagerExists
		}
		return tx.InsertTeamMember(ctx, &m)
	})
	if err != nil {
		return models.TeamMember{}, fmt.Errorf("failed to add team member: %w", err)
	}
	return m, nil
}

// WeightPenalties evaluates the round's weight rule for every driver. Drivers
// the rule does not match are left out.
func (a *App) WeightPenalties(ctx context.Context, roundID int64) ([]WeightPenalty, error) {
	var out []WeightPenalty
	err := a.store.View(ctx, func(r store.Reader) error {
		st, err := loadRound(ctx, r, roundID, a.now())
		if err != nil {
			return err
		}
		for _, team := range st.sortedTeams() {
			for _, m := range st.teamMembers(team.ID) {
				if !m.Driver {
					continue
				}
				value, ok := st.round.WeightPenalty.PenaltyFor(m.Weight)
				if !ok {
					continue
				}
				out = append(out, WeightPenalty{
					TeamMemberID: m.ID,
					Nickname:     m.Nickname,
					TeamNumber:   team.Number,
					Weight:       m.Weight,
					Value:        value,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute weight penalties: %w", err)
	}
	return out, nil
}

// EmptyTeams lists the round teams without any member.
func (a *App) EmptyTeams(ctx context.Context, roundID int64) ([]models.RoundTeam, error) {
	var out []models.RoundTeam
	err := a.store.View(ctx, func(r store.Reader) error {
		var err error
		out, err = emptyTeams(ctx, r, roundID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list empty teams: %w", err)
	}
	return out, nil
}

// DeleteEmptyTeams removes the round teams without any member. It is refused
// once the round is ready.
func (a *App) DeleteEmptyTeams(ctx context.Context, roundID int64) (int, error) {
	var deleted int
	err := a.store.Update(ctx, roundID, func(tx store.Tx) error {
		round, err := tx.Round(ctx, roundID)
		if err != nil {
			return err
		}
		if round.Ready {
			return fmt.Errorf("%w: round %d is ready", ErrInvalidTransition, roundID)
		}
		empty, err := emptyTeams(ctx, tx, roundID)
		if err != nil {
			return err
		}
		for _, rt := range empty {
			if err := tx.DeleteRoundTeam(ctx, rt.ID); err != nil {
				return err
			}
		}
		deleted = len(empty)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete empty teams: %w", err)
	}
	log.Info().Int64("round_id", roundID).Int("deleted", deleted).Msg("empty teams removed")
	return deleted, nil
}

func emptyTeams(ctx context.Context, r store.Reader, roundID int64) ([]models.RoundTeam, error) {
	teams, err := r.RoundTeams(ctx, roundID)
	if err != nil {
		return nil, err
	}
	members, err := r.TeamMembers(ctx, roundID)
	if err != nil {
		return nil, err
	}
	staffed := lo.SliceToMap(members, func(m models.TeamMember) (int64, bool) { return m.RoundTeamID, true })
	return lo.Filter(teams, func(t models.RoundTeam, _ int) bool { return !staffed[t.ID] }), nil
}
