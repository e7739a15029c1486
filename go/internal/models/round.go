package models

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Championship groups rounds and the penalties that apply to them.
type Championship struct {
	ID    int64     `json:"id"`
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LimitPolicy selects how the maximum driving time per driver is computed.
type LimitPolicy string

const (
	LimitPolicyNone             LimitPolicy = "none"
	LimitPolicyAbsolute         LimitPolicy = "absolute"
	LimitPolicySharePlusPercent LimitPolicy = "share_plus_percent"
)

// DriveLimit is the driving time limit policy of a round. Value is minutes
// for the absolute policy and a percentage for share_plus_percent.
type DriveLimit struct {
	Policy LimitPolicy `json:"policy" yaml:"policy"`
	Value  int         `json:"value" yaml:"value"`
}

// MaxFor returns the maximum driving time of one driver in a team of
// driverCount drivers. ok is false when the policy imposes no maximum.
func (l DriveLimit) MaxFor(duration time.Duration, driverCount int) (max time.Duration, ok bool) {
	switch l.Policy {
	case LimitPolicyAbsolute:
		return time.Duration(l.Value) * time.Minute, true
	case LimitPolicySharePlusPercent:
		if driverCount <= 0 {
			return 0, false
		}
		share := duration.Seconds() / float64(driverCount)
		secs := share * (1 + float64(l.Value)/100)
		return time.Duration(int64(secs)) * time.Second, true
	default:
		return 0, false
	}
}

// Comparator is the predicate used by a weight penalty rule.
type Comparator string

const (
	ComparatorGreater      Comparator = ">"
	ComparatorGreaterEqual Comparator = ">="
	ComparatorLess         Comparator = "<"
	ComparatorLessEqual    Comparator = "<="
)

// WeightThreshold pairs a weight with the penalty value it triggers.
type WeightThreshold struct {
	Weight decimal.Decimal `json:"weight" yaml:"weight"`
	Value  int             `json:"value" yaml:"value"`
}

// WeightPenaltyRule is an ordered decision table over driver weights.
type WeightPenaltyRule struct {
	Comparator Comparator        `json:"comparator" yaml:"comparator"`
	Thresholds []WeightThreshold `json:"thresholds" yaml:"thresholds"`
}

var ErrInvalidComparator = errors.New("invalid weight penalty comparator")

// Validate checks the comparator. An empty rule is valid and never matches.
func (r WeightPenaltyRule) Validate() error {
	if len(r.Thresholds) == 0 && r.Comparator == "" {
		return nil
	}
	switch r.Comparator {
	case ComparatorGreater, ComparatorGreaterEqual, ComparatorLess, ComparatorLessEqual:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidComparator, r.Comparator)
	}
}

// Sorted returns the thresholds in evaluation order: descending for > and >=,
// ascending for < and <=.
func (r WeightPenaltyRule) Sorted() []WeightThreshold {
	out := make([]WeightThreshold, len(r.Thresholds))
	copy(out, r.Thresholds)
	desc := r.Comparator == ComparatorGreater || r.Comparator == ComparatorGreaterEqual
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Weight.GreaterThan(out[j].Weight)
		}
		return out[i].Weight.LessThan(out[j].Weight)
	})
	return out
}

// PenaltyFor returns the value of the first threshold matching weight.
func (r WeightPenaltyRule) PenaltyFor(weight decimal.Decimal) (int, bool) {
	for _, th := range r.Sorted() {
		var match bool
		switch r.Comparator {
		case ComparatorGreater:
			match = weight.GreaterThan(th.Weight)
		case ComparatorGreaterEqual:
			match = weight.GreaterThanOrEqual(th.Weight)
		case ComparatorLess:
			match = weight.LessThan(th.Weight)
		case ComparatorLessEqual:
			match = weight.LessThanOrEqual(th.Weight)
		}
		if match {
			return th.Value, true
		}
	}
	return 0, false
}

// Round is one race of a championship.
type Round struct {
	ID                 int64             `json:"id"`
	ChampionshipID     int64             `json:"championship_id"`
	Name               string            `json:"name"`
	ScheduledStart     time.Time         `json:"scheduled_start"`
	Duration           time.Duration     `json:"duration"`
	ChangeLanes        int               `json:"change_lanes"`
	PitlaneOpenAfter   time.Duration     `json:"pitlane_open_after"`
	PitlaneCloseBefore time.Duration     `json:"pitlane_close_before"`
	DriveLimit         DriveLimit        `json:"drive_limit"`
	RequiredChanges    int               `json:"required_changes"`
	MinDriveTime       time.Duration     `json:"min_drive_time"`
	WeightPenalty      WeightPenaltyRule `json:"weight_penalty"`
	Ready              bool              `json:"ready"`
	Started            *time.Time        `json:"started,omitempty"`
	Ended              *time.Time        `json:"ended,omitempty"`
	QRKey              []byte            `json:"-"`
}

// Running is true between start and end of the race.
func (r Round) Running() bool {
	return r.Started != nil && r.Ended == nil
}

// RoundPause is a neutralisation period. End is nil while the pause is open.
type RoundPause struct {
	ID      int64      `json:"id"`
	RoundID int64      `json:"round_id"`
	Start   time.Time  `json:"start"`
	End     *time.Time `json:"end,omitempty"`
}
