package penalty

import (
	"errors"
	"time"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
)

var (
	ErrInvalidSanction   = errors.New("sanction is not served at the stop and go station")
	ErrWrongRound        = errors.New("team is not part of this round")
	ErrWrongChampionship = errors.New("penalty is not configured for the championship of this round")
)

// EnqueueRequest imposes a stop and go penalty. A zero Value takes the value
// configured for the championship penalty.
type EnqueueRequest struct {
	RoundID               int64  `json:"round_id"`
	OffenderID            int64  `json:"offender_id"`
	VictimID              *int64 `json:"victim_id,omitempty"`
	ChampionshipPenaltyID int64  `json:"championship_penalty_id"`
	Value                 int    `json:"value,omitempty"`
}

// QueueItem is a queued penalty with what the station and the race director
// need to display.
type QueueItem struct {
	QueueID        int64           `json:"queue_id"`
	RoundPenaltyID int64           `json:"round_penalty_id"`
	TeamNumber     int             `json:"team_number"`
	TeamName       string          `json:"team_name"`
	PenaltyName    string          `json:"penalty_name"`
	Sanction       models.Sanction `json:"sanction"`
	Value          int             `json:"value"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Status is the stop and go panel summary.
type Status struct {
	Next       *QueueItem `json:"next"`
	QueueCount int        `json:"queue_count"`
}
