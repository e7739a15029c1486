package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
)

func (t *tx) insert(ctx context.Context, what string, sql string, args ...any) (int64, error) {
	var id int64
	if err := t.q.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, mapErr("insert "+what, err)
	}
	return id, nil
}

func (t *tx) exec(ctx context.Context, kind string, id int64, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(fmt.Sprintf("%s %d", kind, id), err)
	}
	return checkAffected(tag, kind, id)
}

func (t *tx) InsertChampionship(ctx context.Context, c *models.Championship) error {
	id, err := t.insert(ctx, "championship", `
		insert into championships (name, start_date, end_date) values ($1, $2, $3) returning id`,
		c.Name, c.Start, c.End)
	c.ID = id
	return err
}

func roundArgs(r models.Round) ([]any, error) {
	rule, err := json.Marshal(r.WeightPenalty)
	if err != nil {
		return nil, fmt.Errorf("encode weight penalty: %w", err)
	}
	policy := r.DriveLimit.Policy
	if policy == "" {
		policy = models.LimitPolicyNone
	}
	return []any{
		r.ChampionshipID, r.Name, r.ScheduledStart, secs(r.Duration), r.ChangeLanes,
		secs(r.PitlaneOpenAfter), secs(r.PitlaneCloseBefore), string(policy), r.DriveLimit.Value,
		r.RequiredChanges, secs(r.MinDriveTime), rule, r.Ready, r.Started, r.Ended, r.QRKey,
	}, nil
}

func (t *tx) InsertRound(ctx context.Context, r *models.Round) error {
	args, err := roundArgs(*r)
	if err != nil {
		return err
	}
	id, err := t.insert(ctx, "round", `
		insert into rounds (championship_id, name, scheduled_start, duration_seconds, change_lanes,
			pitlane_open_after_seconds, pitlane_close_before_seconds, limit_policy, limit_value,
			required_changes, min_drive_time_seconds, weight_penalty, ready, started, ended, qr_key)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		returning id`, args...)
	r.ID = id
	return err
}

func (t *tx) UpdateRound(ctx context.Context, r models.Round) error {
	args, err := roundArgs(r)
	if err != nil {
		return err
	}
	return t.exec(ctx, "round", r.ID, `
		update rounds set championship_id=$1, name=$2, scheduled_start=$3, duration_seconds=$4,
			change_lanes=$5, pitlane_open_after_seconds=$6, pitlane_close_before_seconds=$7,
			limit_policy=$8, limit_value=$9, required_changes=$10, min_drive_time_seconds=$11,
			weight_penalty=$12, ready=$13, started=$14, ended=$15, qr_key=$16
		where id=$17`, append(args, r.ID)...)
}

func (t *tx) InsertPause(ctx context.Context, p *models.RoundPause) error {
	id, err := t.insert(ctx, "pause", `
		insert into round_pauses (round_id, start_at, end_at) values ($1, $2, $3) returning id`,
		p.RoundID, p.Start, p.End)
	p.ID = id
	return err
}

func (t *tx) UpdatePause(ctx context.Context, p models.RoundPause) error {
	return t.exec(ctx, "pause", p.ID, `update round_pauses set start_at=$1, end_at=$2 where id=$3`,
		p.Start, p.End, p.ID)
}

func (t *tx) DeletePause(ctx context.Context, id int64) error {
	return t.exec(ctx, "pause", id, `delete from round_pauses where id=$1`, id)
}

func (t *tx) InsertTeam(ctx context.Context, team *models.Team) error {
	id, err := t.insert(ctx, "team", `insert into teams (name) values ($1) returning id`, team.Name)
	team.ID = id
	return err
}

func (t *tx) InsertChampionshipTeam(ctx context.Context, ct *models.ChampionshipTeam) error {
	id, err := t.insert(ctx, "championship team", `
		insert into championship_teams (championship_id, team_id, number) values ($1, $2, $3) returning id`,
		ct.ChampionshipID, ct.TeamID, ct.Number)
	ct.ID = id
	return err
}

func (t *tx) InsertRoundTeam(ctx context.Context, rt *models.RoundTeam) error {
	id, err := t.insert(ctx, "round team", `
		insert into round_teams (round_id, championship_team_id) values ($1, $2) returning id`,
		rt.RoundID, rt.ChampionshipTeamID)
	if err != nil {
		return err
	}
	loaded, err := t.RoundTeam(ctx, id)
	if err != nil {
		return err
	}
	*rt = loaded
	return nil
}

func (t *tx) DeleteRoundTeam(ctx context.Context, id int64) error {
	return t.exec(ctx, "round team", id, `delete from round_teams where id=$1`, id)
}

func (t *tx) InsertPerson(ctx context.Context, p *models.Person) error {
	id, err := t.insert(ctx, "person", `
		insert into persons (surname, firstname, nickname) values ($1, $2, $3) returning id`,
		p.Surname, p.Firstname, p.Nickname)
	p.ID = id
	return err
}

func (t *tx) InsertTeamMember(ctx context.Context, m *models.TeamMember) error {
	id, err := t.insert(ctx, "team member", `
		insert into team_members (round_team_id, person_id, driver, manager, weight)
		values ($1, $2, $3, $4, $5::numeric) returning id`,
		m.RoundTeamID, m.PersonID, m.Driver, m.Manager, m.Weight.String())
	if err != nil {
		return err
	}
	loaded, err := t.TeamMember(ctx, id)
	if err != nil {
		return err
	}
	*m = loaded
	return nil
}

func (t *tx) UpdateTeamMember(ctx context.Context, m models.TeamMember) error {
	return t.exec(ctx, "team member", m.ID, `
		update team_members set round_team_id=$1, person_id=$2, driver=$3, manager=$4, weight=$5::numeric
		where id=$6`,
		m.RoundTeamID, m.PersonID, m.Driver, m.Manager, m.Weight.String(), m.ID)
}

func (t *tx) InsertSession(ctx context.Context, s *models.Session) error {
	id, err := t.insert(ctx, "session", `
		insert into sessions (round_id, team_member_id, registered, start_at, end_at)
		values ($1, $2, $3, $4, $5) returning id`,
		s.RoundID, s.TeamMemberID, s.Registered, s.Start, s.End)
	s.ID = id
	return err
}

func (t *tx) UpdateSession(ctx context.Context, s models.Session) error {
	return t.exec(ctx, "session", s.ID, `
		update sessions set registered=$1, start_at=$2, end_at=$3 where id=$4`,
		s.Registered, s.Start, s.End, s.ID)
}

func (t *tx) DeleteSession(ctx context.Context, id int64) error {
	return t.exec(ctx, "session", id, `delete from sessions where id=$1`, id)
}

func (t *tx) InsertLane(ctx context.Context, l *models.ChangeLane) error {
	id, err := t.insert(ctx, "lane", `
		insert into change_lanes (round_id, lane, team_member_id, open) values ($1, $2, $3, $4) returning id`,
		l.RoundID, l.Lane, l.TeamMemberID, l.Open)
	l.ID = id
	return err
}

func (t *tx) UpdateLane(ctx context.Context, l models.ChangeLane) error {
	return t.exec(ctx, "lane", l.ID, `update change_lanes set team_member_id=$1, open=$2 where id=$3`,
		l.TeamMemberID, l.Open, l.ID)
}

func (t *tx) DeleteLanes(ctx context.Context, roundID int64) error {
	if _, err := t.q.Exec(ctx, `delete from change_lanes where round_id=$1`, roundID); err != nil {
		return mapErr("delete lanes", err)
	}
	return nil
}

func (t *tx) InsertPenalty(ctx context.Context, p *models.Penalty) error {
	id, err := t.insert(ctx, "penalty", `
		insert into penalties (name, description) values ($1, $2) returning id`, p.Name, p.Description)
	p.ID = id
	return err
}

func (t *tx) InsertChampionshipPenalty(ctx context.Context, cp *models.ChampionshipPenalty) error {
	id, err := t.insert(ctx, "championship penalty", `
		insert into championship_penalties (championship_id, penalty_id, sanction, value, option, role)
		values ($1, $2, $3, $4, $5, $6) returning id`,
		cp.ChampionshipID, cp.PenaltyID, cp.Sanction.String(), cp.Value, cp.Option, string(cp.Role))
	if err != nil {
		return err
	}
	loaded, err := t.ChampionshipPenalty(ctx, id)
	if err != nil {
		return err
	}
	*cp = loaded
	return nil
}

func (t *tx) InsertRoundPenalty(ctx context.Context, p *models.RoundPenalty) error {
	id, err := t.insert(ctx, "round penalty", `
		insert into round_penalties (round_id, offender_id, victim_id, championship_penalty_id, value, imposed, served)
		values ($1, $2, $3, $4, $5, $6, $7) returning id`,
		p.RoundID, p.OffenderID, p.VictimID, p.ChampionshipPenaltyID, p.Value, p.Imposed, p.Served)
	p.ID = id
	return err
}

func (t *tx) UpdateRoundPenalty(ctx context.Context, p models.RoundPenalty) error {
	return t.exec(ctx, "round penalty", p.ID, `
		update round_penalties set victim_id=$1, value=$2, imposed=$3, served=$4 where id=$5`,
		p.VictimID, p.Value, p.Imposed, p.Served, p.ID)
}

func (t *tx) DeleteRoundPenalty(ctx context.Context, id int64) error {
	return t.exec(ctx, "round penalty", id, `delete from round_penalties where id=$1`, id)
}

func (t *tx) InsertQueueEntry(ctx context.Context, e *models.PenaltyQueueEntry) error {
	id, err := t.insert(ctx, "queue entry", `
		insert into penalty_queue (round_id, round_penalty_id, ts) values ($1, $2, $3) returning id`,
		e.RoundID, e.RoundPenaltyID, e.Timestamp)
	e.ID = id
	return err
}

func (t *tx) UpdateQueueEntry(ctx context.Context, e models.PenaltyQueueEntry) error {
	return t.exec(ctx, "queue entry", e.ID, `update penalty_queue set ts=$1 where id=$2`, e.Timestamp, e.ID)
}

func (t *tx) DeleteQueueEntry(ctx context.Context, id int64) error {
	return t.exec(ctx, "queue entry", id, `delete from penalty_queue where id=$1`, id)
}
