package models

import "time"

// SessionState is derived from the three session timestamps.
type SessionState string

const (
	SessionStateCreated    SessionState = "created"
	SessionStateRegistered SessionState = "registered"
	SessionStateDriving    SessionState = "driving"
	SessionStateFinished   SessionState = "finished"
)

// Session is one stint of a team member, from queue registration to the end
// of driving.
type Session struct {
	ID           int64      `json:"id"`
	RoundID      int64      `json:"round_id"`
	TeamMemberID int64      `json:"team_member_id"`
	Registered   *time.Time `json:"registered,omitempty"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
}

func (s Session) State() SessionState {
	switch {
	case s.Registered == nil:
		return SessionStateCreated
	case s.Start == nil:
		return SessionStateRegistered
	case s.End == nil:
		return SessionStateDriving
	default:
		return SessionStateFinished
	}
}

// ChangeLane is a pit lane bay. TeamMemberID is the driver called to it.
type ChangeLane struct {
	ID           int64  `json:"id"`
	RoundID      int64  `json:"round_id"`
	Lane         int    `json:"lane"`
	TeamMemberID *int64 `json:"team_member_id,omitempty"`
	Open         bool   `json:"open"`
}
