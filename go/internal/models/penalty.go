package models

import (
	"fmt"
	"strings"
	"time"
)

// SanctionKind enumerates the closed set of sanctions.
type SanctionKind string

const (
	SanctionStopGo       SanctionKind = "stop_go"
	SanctionSelfStopGo   SanctionKind = "self_stop_go"
	SanctionLaps         SanctionKind = "laps"
	SanctionPostRaceLaps SanctionKind = "post_race_laps"
	SanctionNamed        SanctionKind = "named"
)

// Sanction is what a championship penalty does to the offender. Name is only
// set for SanctionNamed.
type Sanction struct {
	Kind SanctionKind `json:"kind"`
	Name string       `json:"name,omitempty"`
}

func StopGo() Sanction       { return Sanction{Kind: SanctionStopGo} }
func SelfStopGo() Sanction   { return Sanction{Kind: SanctionSelfStopGo} }
func Laps() Sanction         { return Sanction{Kind: SanctionLaps} }
func PostRaceLaps() Sanction { return Sanction{Kind: SanctionPostRaceLaps} }
func Named(name string) Sanction {
	return Sanction{Kind: SanctionNamed, Name: name}
}

// IsStopAndGo reports whether the sanction is served at the stop&go station.
func (s Sanction) IsStopAndGo() bool {
	return s.Kind == SanctionStopGo || s.Kind == SanctionSelfStopGo
}

// String renders the storage form: the kind, or "named:<name>".
func (s Sanction) String() string {
	if s.Kind == SanctionNamed {
		return string(SanctionNamed) + ":" + s.Name
	}
	return string(s.Kind)
}

// ParseSanction is the inverse of Sanction.String.
func ParseSanction(v string) (Sanction, error) {
	switch SanctionKind(v) {
	case SanctionStopGo, SanctionSelfStopGo, SanctionLaps, SanctionPostRaceLaps:
		return Sanction{Kind: SanctionKind(v)}, nil
	}
	if name, ok := strings.CutPrefix(v, string(SanctionNamed)+":"); ok && name != "" {
		return Named(name), nil
	}
	return Sanction{}, fmt.Errorf("unknown sanction %q", v)
}

func (s Sanction) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Sanction) UnmarshalText(b []byte) error {
	parsed, err := ParseSanction(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PenaltyRole marks championship penalties the core applies on its own.
type PenaltyRole string

const (
	PenaltyRoleNone                PenaltyRole = ""
	PenaltyRoleIgnoringStopGo      PenaltyRole = "ignoring_stop_go"
	PenaltyRoleDriverChangeTooLong PenaltyRole = "driver_change_too_long"
)

// Penalty is a catalog entry.
type Penalty struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ChampionshipPenalty configures a catalog penalty for a championship.
type ChampionshipPenalty struct {
	ID             int64       `json:"id"`
	ChampionshipID int64       `json:"championship_id"`
	PenaltyID      int64       `json:"penalty_id"`
	Name           string      `json:"name"`
	Sanction       Sanction    `json:"sanction"`
	Value          int         `json:"value"`
	Option         string      `json:"option,omitempty"`
	Role           PenaltyRole `json:"role,omitempty"`
}

// RoundPenalty is a penalty imposed on a team during a round.
type RoundPenalty struct {
	ID                    int64      `json:"id"`
	RoundID               int64      `json:"round_id"`
	OffenderID            int64      `json:"offender_id"`
	VictimID              *int64     `json:"victim_id,omitempty"`
	ChampionshipPenaltyID int64      `json:"championship_penalty_id"`
	Value                 int        `json:"value"`
	Imposed               time.Time  `json:"imposed"`
	Served                *time.Time `json:"served,omitempty"`
}

// PenaltyQueueEntry orders stop&go penalties waiting to be served. The entry
// with the oldest timestamp of a round is the active one.
type PenaltyQueueEntry struct {
	ID             int64     `json:"id"`
	RoundID        int64     `json:"round_id"`
	RoundPenaltyID int64     `json:"round_penalty_id"`
	Timestamp      time.Time `json:"timestamp"`
}
