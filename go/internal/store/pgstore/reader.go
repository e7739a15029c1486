package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

type reader struct {
	q Querier
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (T, error)) ([]T, error) {
	if err != nil {
		return nil, mapErr("query", err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, mapErr("query", rows.Err())
}

func one[T any](row pgx.Row, scan func(pgx.Row) (T, error), kind string, id int64) (T, error) {
	v, err := scan(row)
	if err != nil {
		var zero T
		return zero, mapErr(fmt.Sprintf("%s %d", kind, id), err)
	}
	return v, nil
}

func secs(d time.Duration) int64 { return int64(d / time.Second) }

func fromSecs(s int64) time.Duration { return time.Duration(s) * time.Second }

var championshipSelector = `select c.id, c.name, c.start_date, c.end_date from championships c`

func scanChampionship(row pgx.Row) (models.Championship, error) {
	var c models.Championship
	err := row.Scan(&c.ID, &c.Name, &c.Start, &c.End)
	return c, err
}

func (r reader) Championship(ctx context.Context, id int64) (models.Championship, error) {
	return one(r.q.QueryRow(ctx, championshipSelector+` where c.id=$1`, id), scanChampionship, "championship", id)
}

var roundSelector = `select r.id, r.championship_id, r.name, r.scheduled_start, r.duration_seconds,
	r.change_lanes, r.pitlane_open_after_seconds, r.pitlane_close_before_seconds,
	r.limit_policy, r.limit_value, r.required_changes, r.min_drive_time_seconds,
	r.weight_penalty, r.ready, r.started, r.ended, r.qr_key
	from rounds r`

func scanRound(row pgx.Row) (models.Round, error) {
	var (
		r                                          models.Round
		duration, openAfter, closeBefore, minDrive int64
		policy                                     string
		rule                                       []byte
	)
	err := row.Scan(&r.ID, &r.ChampionshipID, &r.Name, &r.ScheduledStart, &duration,
		&r.ChangeLanes, &openAfter, &closeBefore,
		&policy, &r.DriveLimit.Value, &r.RequiredChanges, &minDrive,
		&rule, &r.Ready, &r.Started, &r.Ended, &r.QRKey)
	if err != nil {
		return r, err
	}
	r.Duration = fromSecs(duration)
	r.PitlaneOpenAfter = fromSecs(openAfter)
	r.PitlaneCloseBefore = fromSecs(closeBefore)
	r.MinDriveTime = fromSecs(minDrive)
	r.DriveLimit.Policy = models.LimitPolicy(policy)
	if len(rule) > 0 {
		if err := json.Unmarshal(rule, &r.WeightPenalty); err != nil {
			return r, fmt.Errorf("decode weight penalty of round %d: %w", r.ID, err)
		}
	}
	return r, nil
}

func (r reader) Round(ctx context.Context, id int64) (models.Round, error) {
	return one(r.q.QueryRow(ctx, roundSelector+` where r.id=$1`, id), scanRound, "round", id)
}

func (r reader) RoundsScheduledBetween(ctx context.Context, from, to time.Time) ([]models.Round, error) {
	rows, err := r.q.Query(ctx, roundSelector+`
		where r.scheduled_start >= $1 and r.scheduled_start < $2 and r.ended is null
		order by r.scheduled_start, r.id`, from, to)
	return collect(rows, err, scanRound)
}

func scanPause(row pgx.Row) (models.RoundPause, error) {
	var p models.RoundPause
	err := row.Scan(&p.ID, &p.RoundID, &p.Start, &p.End)
	return p, err
}

func (r reader) Pauses(ctx context.Context, roundID int64) ([]models.RoundPause, error) {
	rows, err := r.q.Query(ctx, `select id, round_id, start_at, end_at from round_pauses
		where round_id=$1 order by start_at, id`, roundID)
	return collect(rows, err, scanPause)
}

func scanTeam(row pgx.Row) (models.Team, error) {
	var t models.Team
	err := row.Scan(&t.ID, &t.Name)
	return t, err
}

func (r reader) Team(ctx context.Context, id int64) (models.Team, error) {
	return one(r.q.QueryRow(ctx, `select id, name from teams where id=$1`, id), scanTeam, "team", id)
}

func scanChampionshipTeam(row pgx.Row) (models.ChampionshipTeam, error) {
	var t models.ChampionshipTeam
	err := row.Scan(&t.ID, &t.ChampionshipID, &t.TeamID, &t.Number)
	return t, err
}

func (r reader) ChampionshipTeam(ctx context.Context, id int64) (models.ChampionshipTeam, error) {
	return one(r.q.QueryRow(ctx, `select id, championship_id, team_id, number
		from championship_teams where id=$1`, id), scanChampionshipTeam, "championship team", id)
}

var roundTeamSelector = `select rt.id, rt.round_id, rt.championship_team_id, ct.number, t.name
	from round_teams rt
	join championship_teams ct on ct.id = rt.championship_team_id
	join teams t on t.id = ct.team_id`

func scanRoundTeam(row pgx.Row) (models.RoundTeam, error) {
	var t models.RoundTeam
	err := row.Scan(&t.ID, &t.RoundID, &t.ChampionshipTeamID, &t.Number, &t.Name)
	return t, err
}

func (r reader) RoundTeam(ctx context.Context, id int64) (models.RoundTeam, error) {
	return one(r.q.QueryRow(ctx, roundTeamSelector+` where rt.id=$1`, id), scanRoundTeam, "round team", id)
}

func (r reader) RoundTeams(ctx context.Context, roundID int64) ([]models.RoundTeam, error) {
	rows, err := r.q.Query(ctx, roundTeamSelector+` where rt.round_id=$1 order by ct.number, rt.id`, roundID)
	return collect(rows, err, scanRoundTeam)
}

func scanPerson(row pgx.Row) (models.Person, error) {
	var p models.Person
	err := row.Scan(&p.ID, &p.Surname, &p.Firstname, &p.Nickname)
	return p, err
}

func (r reader) Person(ctx context.Context, id int64) (models.Person, error) {
	return one(r.q.QueryRow(ctx, `select id, surname, firstname, nickname from persons where id=$1`, id),
		scanPerson, "person", id)
}

var memberSelector = `select tm.id, tm.round_team_id, tm.person_id, tm.driver, tm.manager,
	tm.weight::text, p.nickname
	from team_members tm
	join persons p on p.id = tm.person_id`

func scanMember(row pgx.Row) (models.TeamMember, error) {
	var (
		m      models.TeamMember
		weight string
	)
	if err := row.Scan(&m.ID, &m.RoundTeamID, &m.PersonID, &m.Driver, &m.Manager, &weight, &m.Nickname); err != nil {
		return m, err
	}
	w, err := decimal.NewFromString(weight)
	if err != nil {
		return m, fmt.Errorf("decode weight of team member %d: %w", m.ID, err)
	}
	m.Weight = w
	return m, nil
}

func (r reader) TeamMember(ctx context.Context, id int64) (models.TeamMember, error) {
	return one(r.q.QueryRow(ctx, memberSelector+` where tm.id=$1`, id), scanMember, "team member", id)
}

func (r reader) TeamMembers(ctx context.Context, roundID int64) ([]models.TeamMember, error) {
	rows, err := r.q.Query(ctx, memberSelector+`
		join round_teams rt on rt.id = tm.round_team_id
		where rt.round_id=$1 order by tm.id`, roundID)
	return collect(rows, err, scanMember)
}

func scanSession(row pgx.Row) (models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.RoundID, &s.TeamMemberID, &s.Registered, &s.Start, &s.End)
	return s, err
}

// stateClause is the predicate on the session timestamps of each state.
var stateClause = map[models.SessionState]string{
	models.SessionStateCreated:    `s.registered is null`,
	models.SessionStateRegistered: `(s.registered is not null and s.start_at is null)`,
	models.SessionStateDriving:    `(s.registered is not null and s.start_at is not null and s.end_at is null)`,
	models.SessionStateFinished:   `(s.registered is not null and s.start_at is not null and s.end_at is not null)`,
}

func (r reader) Sessions(ctx context.Context, roundID int64, q store.SessionQuery) ([]models.Session, error) {
	var sb strings.Builder
	sb.WriteString(`select s.id, s.round_id, s.team_member_id, s.registered, s.start_at, s.end_at
		from sessions s
		join team_members tm on tm.id = s.team_member_id
		where s.round_id=$1`)
	args := []any{roundID}
	if q.TeamMemberID != 0 {
		args = append(args, q.TeamMemberID)
		fmt.Fprintf(&sb, ` and s.team_member_id=$%d`, len(args))
	}
	if q.RoundTeamID != 0 {
		args = append(args, q.RoundTeamID)
		fmt.Fprintf(&sb, ` and tm.round_team_id=$%d`, len(args))
	}
	if len(q.States) > 0 {
		clauses := make([]string, 0, len(q.States))
		for _, st := range q.States {
			clauses = append(clauses, stateClause[st])
		}
		sb.WriteString(` and (` + strings.Join(clauses, ` or `) + `)`)
	}
	sb.WriteString(` order by s.registered nulls first, s.id`)

	rows, err := r.q.Query(ctx, sb.String(), args...)
	return collect(rows, err, scanSession)
}

func scanLane(row pgx.Row) (models.ChangeLane, error) {
	var l models.ChangeLane
	err := row.Scan(&l.ID, &l.RoundID, &l.Lane, &l.TeamMemberID, &l.Open)
	return l, err
}

func (r reader) Lanes(ctx context.Context, roundID int64) ([]models.ChangeLane, error) {
	rows, err := r.q.Query(ctx, `select id, round_id, lane, team_member_id, open
		from change_lanes where round_id=$1 order by lane`, roundID)
	return collect(rows, err, scanLane)
}

func scanPenalty(row pgx.Row) (models.Penalty, error) {
	var p models.Penalty
	err := row.Scan(&p.ID, &p.Name, &p.Description)
	return p, err
}

func (r reader) Penalty(ctx context.Context, id int64) (models.Penalty, error) {
	return one(r.q.QueryRow(ctx, `select id, name, description from penalties where id=$1`, id),
		scanPenalty, "penalty", id)
}

var championshipPenaltySelector = `select cp.id, cp.championship_id, cp.penalty_id, p.name,
	cp.sanction, cp.value, cp.option, cp.role
	from championship_penalties cp
	join penalties p on p.id = cp.penalty_id`

func scanChampionshipPenalty(row pgx.Row) (models.ChampionshipPenalty, error) {
	var (
		cp             models.ChampionshipPenalty
		sanction, role string
	)
	if err := row.Scan(&cp.ID, &cp.ChampionshipID, &cp.PenaltyID, &cp.Name,
		&sanction, &cp.Value, &cp.Option, &role); err != nil {
		return cp, err
	}
	s, err := models.ParseSanction(sanction)
	if err != nil {
		return cp, err
	}
	cp.Sanction = s
	cp.Role = models.PenaltyRole(role)
	return cp, nil
}

func (r reader) ChampionshipPenalty(ctx context.Context, id int64) (models.ChampionshipPenalty, error) {
	return one(r.q.QueryRow(ctx, championshipPenaltySelector+` where cp.id=$1`, id),
		scanChampionshipPenalty, "championship penalty", id)
}

func (r reader) ChampionshipPenalties(ctx context.Context, championshipID int64) ([]models.ChampionshipPenalty, error) {
	rows, err := r.q.Query(ctx, championshipPenaltySelector+` where cp.championship_id=$1 order by cp.id`, championshipID)
	return collect(rows, err, scanChampionshipPenalty)
}

var roundPenaltySelector = `select id, round_id, offender_id, victim_id, championship_penalty_id,
	value, imposed, served from round_penalties`

func scanRoundPenalty(row pgx.Row) (models.RoundPenalty, error) {
	var p models.RoundPenalty
	err := row.Scan(&p.ID, &p.RoundID, &p.OffenderID, &p.VictimID, &p.ChampionshipPenaltyID,
		&p.Value, &p.Imposed, &p.Served)
	return p, err
}

func (r reader) RoundPenalty(ctx context.Context, id int64) (models.RoundPenalty, error) {
	return one(r.q.QueryRow(ctx, roundPenaltySelector+` where id=$1`, id), scanRoundPenalty, "round penalty", id)
}

func (r reader) RoundPenalties(ctx context.Context, roundID int64) ([]models.RoundPenalty, error) {
	rows, err := r.q.Query(ctx, roundPenaltySelector+` where round_id=$1 order by id`, roundID)
	return collect(rows, err, scanRoundPenalty)
}

func scanQueueEntry(row pgx.Row) (models.PenaltyQueueEntry, error) {
	var e models.PenaltyQueueEntry
	err := row.Scan(&e.ID, &e.RoundID, &e.RoundPenaltyID, &e.Timestamp)
	return e, err
}

func (r reader) QueueEntry(ctx context.Context, id int64) (models.PenaltyQueueEntry, error) {
	return one(r.q.QueryRow(ctx, `select id, round_id, round_penalty_id, ts from penalty_queue where id=$1`, id),
		scanQueueEntry, "queue entry", id)
}

func (r reader) QueueEntries(ctx context.Context, roundID int64) ([]models.PenaltyQueueEntry, error) {
	rows, err := r.q.Query(ctx, `select id, round_id, round_penalty_id, ts from penalty_queue
		where round_id=$1 order by ts, id`, roundID)
	return collect(rows, err, scanQueueEntry)
}
