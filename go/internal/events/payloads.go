package events

import "time"

// RoundUpdatePayload is published on round.<id> whenever the lifecycle moves.
type RoundUpdatePayload struct {
	IsPaused         bool       `json:"is_paused"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	Started          *time.Time `json:"started"`
	Ready            bool       `json:"ready"`
	Ended            *time.Time `json:"ended"`
}

// PauseUpdatePayload is published on round.<id> when a pause opens or closes.
type PauseUpdatePayload struct {
	IsPaused         bool  `json:"is_paused"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// DriverStatus values of a session update.
const (
	DriverStatusRegister = "register"
	DriverStatusStart    = "start"
	DriverStatusEnd      = "end"
	DriverStatusReset    = "reset"
)

// SessionUpdatePayload is published on round.<id> when a driver's session
// changes state.
type SessionUpdatePayload struct {
	IsPaused          bool   `json:"is_paused"`
	TimeSpent         int64  `json:"time_spent"`
	DriverID          int64  `json:"driver_id"`
	DriverStatus      string `json:"driver_status"`
	CompletedSessions int    `json:"completed_sessions"`
}

// LaneDriver describes the driver called to a lane.
type LaneDriver struct {
	TeamMemberID int64  `json:"team_member_id"`
	Nickname     string `json:"nickname"`
	TeamNumber   int    `json:"team_number"`
	TeamName     string `json:"team_name"`
}

// LaneUpdatePayload is published on lane.<n>.
type LaneUpdatePayload struct {
	RoundID int64       `json:"round_id"`
	Lane    int         `json:"lane"`
	Open    bool        `json:"open"`
	Driver  *LaneDriver `json:"driver"`
}

// ChangeDriverUpdatePayload is published on changedriver after a swap.
type ChangeDriverUpdatePayload struct {
	RoundID     int64 `json:"round_id"`
	TeamNumber  int   `json:"team_number"`
	EndedID     int64 `json:"ended_id"`
	StartedID   int64 `json:"started_id"`
	QueueLength int   `json:"queue_length"`
}

// PenaltyRequiredPayload arms the stop&go station.
type PenaltyRequiredPayload struct {
	Team      int       `json:"team"`
	Duration  int       `json:"duration"`
	PenaltyID int64     `json:"penalty_id"`
	QueueID   int64     `json:"queue_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PenaltyChangedPayload accompanies penalty_cancelled and penalty_delayed.
type PenaltyChangedPayload struct {
	Team      int   `json:"team"`
	PenaltyID int64 `json:"penalty_id"`
	QueueID   int64 `json:"queue_id"`
}

// ResetStationPayload clears the station display.
type ResetStationPayload struct {
	RoundID int64 `json:"round_id"`
}

// PenaltyQueueUpdatePayload summarises the queue after every change.
type PenaltyQueueUpdatePayload struct {
	ServingTeam *int  `json:"serving_team"`
	QueueCount  int   `json:"queue_count"`
	RoundID     int64 `json:"round_id"`
}

// FenceStatusPayload relays the station's fence interlock state.
type FenceStatusPayload struct {
	Enabled bool `json:"enabled"`
}
