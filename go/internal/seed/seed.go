// Package seed loads a championship described in YAML: the penalty
// catalog, the teams with their members and the rounds they enter.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/penalty"
	"github.com/frawau/gokartrace-sub000/go/internal/race"
)

var ErrInvalidPlan = errors.New("invalid seed file")

type Plan struct {
	Championship ChampionshipSpec `yaml:"championship"`
	Penalties    []PenaltySpec    `yaml:"penalties"`
	Teams        []TeamSpec       `yaml:"teams"`
	Rounds       []RoundSpec      `yaml:"rounds"`
}

type ChampionshipSpec struct {
	Name  string    `yaml:"name"`
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

type PenaltySpec struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Sanction    models.Sanction    `yaml:"sanction"`
	Value       int                `yaml:"value"`
	Option      string             `yaml:"option"`
	Role        models.PenaltyRole `yaml:"role"`
}

type TeamSpec struct {
	Number  int          `yaml:"number"`
	Name    string       `yaml:"name"`
	Members []MemberSpec `yaml:"members"`
}

// MemberSpec is a team member. Members drive unless driver is false.
type MemberSpec struct {
	Nickname  string          `yaml:"nickname"`
	Firstname string          `yaml:"firstname"`
	Surname   string          `yaml:"surname"`
	Weight    decimal.Decimal `yaml:"weight"`
	Driver    *bool           `yaml:"driver"`
	Manager   bool            `yaml:"manager"`
}

// RoundSpec is a round. Teams lists the car numbers entered; empty enters
// every team.
type RoundSpec struct {
	Name               string                   `yaml:"name"`
	Start              time.Time                `yaml:"start"`
	Duration           time.Duration            `yaml:"duration"`
	ChangeLanes        int                      `yaml:"change_lanes"`
	PitlaneOpenAfter   time.Duration            `yaml:"pitlane_open_after"`
	PitlaneCloseBefore time.Duration            `yaml:"pitlane_close_before"`
	DriveLimit         models.DriveLimit        `yaml:"drive_limit"`
	RequiredChanges    int                      `yaml:"required_changes"`
	MinDriveTime       time.Duration            `yaml:"min_drive_time"`
	WeightPenalty      models.WeightPenaltyRule `yaml:"weight_penalty"`
	Teams              []int                    `yaml:"teams"`
}

// Load reads and validates a seed file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) Validate() error {
	if p.Championship.Name == "" {
		return fmt.Errorf("%w: championship name is required", ErrInvalidPlan)
	}
	numbers := map[int]bool{}
	for _, team := range p.Teams {
		if numbers[team.Number] {
			return fmt.Errorf("%w: car number %d is used twice", ErrInvalidPlan, team.Number)
		}
		numbers[team.Number] = true
		for _, m := range team.Members {
			if m.Nickname == "" {
				return fmt.Errorf("%w: team %d has a member without nickname", ErrInvalidPlan, team.Number)
			}
		}
	}
	for _, r := range p.Rounds {
		for _, n := range r.Teams {
			if !numbers[n] {
				return fmt.Errorf("%w: round %s enters unknown team %d", ErrInvalidPlan, r.Name, n)
			}
		}
		if err := race.ValidateRound(r.round(0)); err != nil {
			return fmt.Errorf("%w: round %s: %w", ErrInvalidPlan, r.Name, err)
		}
	}
	return nil
}

func (r RoundSpec) round(championshipID int64) models.Round {
	return models.Round{
		ChampionshipID:     championshipID,
		Name:               r.Name,
		ScheduledStart:     r.Start,
		Duration:           r.Duration,
		ChangeLanes:        r.ChangeLanes,
		PitlaneOpenAfter:   r.PitlaneOpenAfter,
		PitlaneCloseBefore: r.PitlaneCloseBefore,
		DriveLimit:         r.DriveLimit,
		RequiredChanges:    r.RequiredChanges,
		MinDriveTime:       r.MinDriveTime,
		WeightPenalty:      r.WeightPenalty,
	}
}

// RosterApp is the part of the race application seeding goes through.
type RosterApp interface {
	CreateChampionship(ctx context.Context, name string, start, end time.Time) (models.Championship, error)
	CreateRound(ctx context.Context, r models.Round) (models.Round, error)
	AddTeam(ctx context.Context, championshipID int64, name string, number int) (models.ChampionshipTeam, error)
	EnterRound(ctx context.Context, roundID, championshipTeamID int64) (models.RoundTeam, error)
	AddPerson(ctx context.Context, p models.Person) (models.Person, error)
	AddTeamMember(ctx context.Context, m models.TeamMember) (models.TeamMember, error)
}

type PenaltyCatalog interface {
	AddChampionshipPenalty(ctx context.Context, entry penalty.CatalogEntry) (models.ChampionshipPenalty, error)
}

var (
	_ RosterApp      = (*race.App)(nil)
	_ PenaltyCatalog = (*penalty.App)(nil)
)

// Result summarises what Apply created.
type Result struct {
	ChampionshipID int64
	RoundIDs       []int64
	Teams          int
	Members        int
	Penalties      int
}

// Apply creates everything the plan describes. It stops at the first error;
// what was created before stays.
func Apply(ctx context.Context, roster RosterApp, catalog PenaltyCatalog, plan *Plan) (Result, error) {
	var res Result
	c, err := roster.CreateChampionship(ctx, plan.Championship.Name, plan.Championship.Start, plan.Championship.End)
	if err != nil {
		return res, err
	}
	res.ChampionshipID = c.ID

	for _, p := range plan.Penalties {
		_, err := catalog.AddChampionshipPenalty(ctx, penalty.CatalogEntry{
			ChampionshipID: c.ID,
			Name:           p.Name,
			Description:    p.Description,
			Sanction:       p.Sanction,
			Value:          p.Value,
			Option:         p.Option,
			Role:           p.Role,
		})
		if err != nil {
			return res, fmt.Errorf("penalty %s: %w", p.Name, err)
		}
		res.Penalties++
	}

	teams := map[int]models.ChampionshipTeam{}
	for _, t := range plan.Teams {
		ct, err := roster.AddTeam(ctx, c.ID, t.Name, t.Number)
		if err != nil {
			return res, err
		}
		teams[t.Number] = ct
		res.Teams++
	}

	persons := map[string]models.Person{}
	for _, spec := range plan.Rounds {
		round, err := roster.CreateRound(ctx, spec.round(c.ID))
		if err != nil {
			return res, err
		}
		res.RoundIDs = append(res.RoundIDs, round.ID)

		for _, t := range plan.Teams {
			if len(spec.Teams) > 0 && !contains(spec.Teams, t.Number) {
				continue
			}
			rt, err := roster.EnterRound(ctx, round.ID, teams[t.Number].ID)
			if err != nil {
				return res, err
			}
			for _, m := range t.Members {
				person, ok := persons[m.Nickname]
				if !ok {
					person, err = roster.AddPerson(ctx, models.Person{Surname: m.Surname, Firstname: m.Firstname, Nickname: m.Nickname})
					if err != nil {
						return res, err
					}
					persons[m.Nickname] = person
				}
				driver := m.Driver == nil || *m.Driver
				_, err := roster.AddTeamMember(ctx, models.TeamMember{
					RoundTeamID: rt.ID,
					PersonID:    person.ID,
					Driver:      driver,
					Manager:     m.Manager,
					Weight:      m.Weight,
				})
				if err != nil {
					return res, fmt.Errorf("member %s of team %d: %w", m.Nickname, t.Number, err)
				}
				res.Members++
			}
		}
		log.Info().Int64("round_id", round.ID).Str("name", round.Name).Msg("round seeded")
	}
	return res, nil
}

func contains(numbers []int, n int) bool {
	for _, v := range numbers {
		if v == n {
			return true
		}
	}
	return false
}
