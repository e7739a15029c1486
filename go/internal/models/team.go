package models

import (
	"github.com/shopspring/decimal"
)

// Team is a racing team, independent of any championship.
type Team struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ChampionshipTeam registers a team in a championship under a car number.
type ChampionshipTeam struct {
	ID             int64 `json:"id"`
	ChampionshipID int64 `json:"championship_id"`
	TeamID         int64 `json:"team_id"`
	Number         int   `json:"number"`
}

// RoundTeam is a championship team taking part in one round.
// Number and Name are read-only copies of the championship team data.
type RoundTeam struct {
	ID                 int64  `json:"id"`
	RoundID            int64  `json:"round_id"`
	ChampionshipTeamID int64  `json:"championship_team_id"`
	Number             int    `json:"number"`
	Name               string `json:"name"`
}

// Person is somebody who can be a driver or a manager.
type Person struct {
	ID        int64  `json:"id"`
	Surname   string `json:"surname"`
	Firstname string `json:"firstname"`
	Nickname  string `json:"nickname"`
}

// TeamMember places a person in a round team.
type TeamMember struct {
	ID          int64           `json:"id"`
	RoundTeamID int64           `json:"round_team_id"`
	PersonID    int64           `json:"person_id"`
	Driver      bool            `json:"driver"`
	Manager     bool            `json:"manager"`
	Weight      decimal.Decimal `json:"weight"`
	Nickname    string          `json:"nickname"`
}
