package race

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
)

var (
	ErrPitLaneClosed     = errors.New("pit lane is closed")
	ErrAlreadyDriving    = errors.New("driver is already driving")
	ErrNotADriver        = errors.New("team member is not a driver")
	ErrDueInPitLane      = errors.New("driver is due in the pit lane")
	ErrNoSuccessor       = errors.New("no registered driver to take over")
	ErrSessionNotFound   = errors.New("no driving session found")
	ErrMultipleSessions  = errors.New("more than one driving session")
	ErrInvalidTransition = errors.New("invalid round transition")
	ErrWrongRound        = errors.New("team member is not part of this round")
	ErrManagerExists     = errors.New("team already has a manager")
	ErrPersonInOtherTeam = errors.New("person already belongs to another team in this round")
	ErrInvalidRound      = errors.New("invalid round definition")
)

// PreRaceCheckError lists everything preventing a round from becoming ready.
type PreRaceCheckError struct {
	Errors []string
}

func (e *PreRaceCheckError) Error() string {
	return "pre-race check failed: " + strings.Join(e.Errors, " ")
}

// RegisterResult tells whether DriverRegister queued or unqueued the driver.
type RegisterResult string

const (
	RegisterResultRegistered RegisterResult = "registered"
	RegisterResultRemoved    RegisterResult = "removed"
)

// DirectiveKind names the rule a post-race directive reports.
type DirectiveKind string

const (
	DirectiveMinDriveTime    DirectiveKind = "min_drive_time"
	DirectiveMaxDriveTime    DirectiveKind = "max_drive_time"
	DirectiveRequiredChanges DirectiveKind = "required_changes"
)

// PostRaceDirective is a breach of the driving rules found after the race.
// TeamMemberID is zero for team level directives.
type PostRaceDirective struct {
	Kind         DirectiveKind `json:"kind"`
	RoundTeamID  int64         `json:"round_team_id"`
	TeamNumber   int           `json:"team_number"`
	TeamName     string        `json:"team_name"`
	TeamMemberID int64         `json:"team_member_id,omitempty"`
	Nickname     string        `json:"nickname,omitempty"`
	Actual       time.Duration `json:"actual,omitempty"`
	Limit        time.Duration `json:"limit,omitempty"`
	Changes      int           `json:"changes,omitempty"`
	Required     int           `json:"required,omitempty"`
	Message      string        `json:"message"`
}

// SwapResult describes a completed driver change.
type SwapResult struct {
	TeamNumber int            `json:"team_number"`
	Ended      models.Session `json:"ended"`
	Started    models.Session `json:"started"`
}

// QueueEntry is one registered driver waiting for a change.
type QueueEntry struct {
	Position     int       `json:"position"`
	SessionID    int64     `json:"session_id"`
	TeamMemberID int64     `json:"team_member_id"`
	Nickname     string    `json:"nickname"`
	TeamNumber   int       `json:"team_number"`
	TeamName     string    `json:"team_name"`
	Registered   time.Time `json:"registered"`
	// Called is set for the first change_lanes entries.
	Called bool `json:"called"`
	Lane   int  `json:"lane,omitempty"`
}

// LaneView is a pit lane with the driver called to it.
type LaneView struct {
	Lane   int                `json:"lane"`
	Open   bool               `json:"open"`
	Driver *events.LaneDriver `json:"driver"`
}

// DriverStatus is the driver currently on track for a team.
type DriverStatus struct {
	TeamMemberID int64         `json:"team_member_id"`
	Nickname     string        `json:"nickname"`
	Since        time.Time     `json:"since"`
	Stint        time.Duration `json:"stint"`
	TimeSpent    time.Duration `json:"time_spent"`
}

// TeamStatus summarises a team during the race.
type TeamStatus struct {
	RoundTeamID int64         `json:"round_team_id"`
	Number      int           `json:"number"`
	Name        string        `json:"name"`
	Driving     *DriverStatus `json:"driving"`
	Changes     int           `json:"changes"`
	Queued      int           `json:"queued"`
}

// RoundStatus is the dashboard view of a round.
type RoundStatus struct {
	Round       models.Round  `json:"round"`
	Elapsed     time.Duration `json:"elapsed"`
	Remaining   time.Duration `json:"remaining"`
	IsPaused    bool          `json:"is_paused"`
	PitLaneOpen bool          `json:"pit_lane_open"`
}

// WeightPenalty is the handicap a driver receives from the round's weight
// rule.
type WeightPenalty struct {
	TeamMemberID int64           `json:"team_member_id"`
	Nickname     string          `json:"nickname"`
	TeamNumber   int             `json:"team_number"`
	Weight       decimal.Decimal `json:"weight"`
	Value        int             `json:"value"`
}
