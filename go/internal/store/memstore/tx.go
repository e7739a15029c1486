package memstore

import (
	"context"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
)

func (t *tx) InsertChampionship(_ context.Context, c *models.Championship) error {
	for _, other := range t.st.championships {
		if other.Name == c.Name {
			return conflict("championship %q exists", c.Name)
		}
	}
	c.ID = t.st.id()
	t.st.championships[c.ID] = *c
	return nil
}

func (t *tx) InsertRound(_ context.Context, r *models.Round) error {
	if _, ok := t.st.championships[r.ChampionshipID]; !ok {
		return notFound("championship", r.ChampionshipID)
	}
	for _, other := range t.st.rounds {
		if other.ChampionshipID == r.ChampionshipID && other.Name == r.Name {
			return conflict("round %q exists", r.Name)
		}
	}
	r.ID = t.st.id()
	t.st.rounds[r.ID] = *r
	return nil
}

func (t *tx) UpdateRound(_ context.Context, r models.Round) error {
	if _, ok := t.st.rounds[r.ID]; !ok {
		return notFound("round", r.ID)
	}
	t.st.rounds[r.ID] = r
	return nil
}

func (t *tx) InsertPause(_ context.Context, p *models.RoundPause) error {
	if _, ok := t.st.rounds[p.RoundID]; !ok {
		return notFound("round", p.RoundID)
	}
	if p.End == nil {
		for _, other := range t.st.pauses {
			if other.RoundID == p.RoundID && other.End == nil {
				return conflict("round %d already has an open pause", p.RoundID)
			}
		}
	}
	p.ID = t.st.id()
	t.st.pauses[p.ID] = *p
	return nil
}

func (t *tx) UpdatePause(_ context.Context, p models.RoundPause) error {
	if _, ok := t.st.pauses[p.ID]; !ok {
		return notFound("pause", p.ID)
	}
	if p.End == nil {
		for _, other := range t.st.pauses {
			if other.ID != p.ID && other.RoundID == p.RoundID && other.End == nil {
				return conflict("round %d already has an open pause", p.RoundID)
			}
		}
	}
	t.st.pauses[p.ID] = p
	return nil
}

func (t *tx) DeletePause(_ context.Context, id int64) error {
	if _, ok := t.st.pauses[id]; !ok {
		return notFound("pause", id)
	}
	delete(t.st.pauses, id)
	return nil
}

func (t *tx) InsertTeam(_ context.Context, team *models.Team) error {
	for _, other := range t.st.teams {
		if other.Name == team.Name {
			return conflict("team %q exists", team.Name)
		}
	}
	team.ID = t.st.id()
	t.st.teams[team.ID] = *team
	return nil
}

func (t *tx) InsertChampionshipTeam(_ context.Context, ct *models.ChampionshipTeam) error {
	if _, ok := t.st.teams[ct.TeamID]; !ok {
		return notFound("team", ct.TeamID)
	}
	for _, other := range t.st.championshipTeams {
		if other.ChampionshipID != ct.ChampionshipID {
			continue
		}
		if other.Number == ct.Number {
			return conflict("number %d is taken", ct.Number)
		}
		if other.TeamID == ct.TeamID {
			return conflict("team %d already registered", ct.TeamID)
		}
	}
	ct.ID = t.st.id()
	t.st.championshipTeams[ct.ID] = *ct
	return nil
}

func (t *tx) InsertRoundTeam(_ context.Context, rt *models.RoundTeam) error {
	ct, ok := t.st.championshipTeams[rt.ChampionshipTeamID]
	if !ok {
		return notFound("championship team", rt.ChampionshipTeamID)
	}
	for _, other := range t.st.roundTeams {
		if other.RoundID == rt.RoundID && other.ChampionshipTeamID == rt.ChampionshipTeamID {
			return conflict("team %d already in round %d", ct.Number, rt.RoundID)
		}
	}
	rt.ID = t.st.id()
	rt.Number = ct.Number
	rt.Name = t.st.teams[ct.TeamID].Name
	t.st.roundTeams[rt.ID] = *rt
	return nil
}

func (t *tx) DeleteRoundTeam(_ context.Context, id int64) error {
	if _, ok := t.st.roundTeams[id]; !ok {
		return notFound("round team", id)
	}
	for mid, m := range t.st.members {
		if m.RoundTeamID != id {
			continue
		}
		for sid, s := range t.st.sessions {
			if s.TeamMemberID == mid {
				delete(t.st.sessions, sid)
			}
		}
		for lid, l := range t.st.lanes {
			if l.TeamMemberID != nil && *l.TeamMemberID == mid {
				l.TeamMemberID = nil
				t.st.lanes[lid] = l
			}
		}
		delete(t.st.members, mid)
	}
	for pid, p := range t.st.roundPenalties {
		if p.OffenderID == id {
			t.deleteRoundPenalty(pid)
		} else if p.VictimID != nil && *p.VictimID == id {
			p.VictimID = nil
			t.st.roundPenalties[pid] = p
		}
	}
	delete(t.st.roundTeams, id)
	return nil
}

func (t *tx) InsertPerson(_ context.Context, p *models.Person) error {
	p.ID = t.st.id()
	t.st.persons[p.ID] = *p
	return nil
}

func (t *tx) InsertTeamMember(_ context.Context, m *models.TeamMember) error {
	if _, ok := t.st.roundTeams[m.RoundTeamID]; !ok {
		return notFound("round team", m.RoundTeamID)
	}
	person, ok := t.st.persons[m.PersonID]
	if !ok {
		return notFound("person", m.PersonID)
	}
	for _, other := range t.st.members {
		if other.RoundTeamID == m.RoundTeamID && other.PersonID == m.PersonID {
			return conflict("person %d already in team %d", m.PersonID, m.RoundTeamID)
		}
	}
	m.ID = t.st.id()
	m.Nickname = person.Nickname
	t.st.members[m.ID] = *m
	return nil
}

func (t *tx) UpdateTeamMember(_ context.Context, m models.TeamMember) error {
	old, ok := t.st.members[m.ID]
	if !ok {
		return notFound("team member", m.ID)
	}
	m.Nickname = old.Nickname
	t.st.members[m.ID] = m
	return nil
}

func (t *tx) InsertSession(_ context.Context, s *models.Session) error {
	if _, ok := t.st.members[s.TeamMemberID]; !ok {
		return notFound("team member", s.TeamMemberID)
	}
	s.ID = t.st.id()
	t.st.sessions[s.ID] = *s
	return nil
}

func (t *tx) UpdateSession(_ context.Context, s models.Session) error {
	if _, ok := t.st.sessions[s.ID]; !ok {
		return notFound("session", s.ID)
	}
	t.st.sessions[s.ID] = s
	return nil
}

func (t *tx) DeleteSession(_ context.Context, id int64) error {
	if _, ok := t.st.sessions[id]; !ok {
		return notFound("session", id)
	}
	delete(t.st.sessions, id)
	return nil
}

func (t *tx) InsertLane(_ context.Context, l *models.ChangeLane) error {
	for _, other := range t.st.lanes {
		if other.RoundID == l.RoundID && other.Lane == l.Lane {
			return conflict("lane %d exists in round %d", l.Lane, l.RoundID)
		}
	}
	if err := t.checkLaneDriver(*l); err != nil {
		return err
	}
	l.ID = t.st.id()
	t.st.lanes[l.ID] = *l
	return nil
}

func (t *tx) UpdateLane(_ context.Context, l models.ChangeLane) error {
	if _, ok := t.st.lanes[l.ID]; !ok {
		return notFound("lane", l.ID)
	}
	if err := t.checkLaneDriver(l); err != nil {
		return err
	}
	t.st.lanes[l.ID] = l
	return nil
}

// checkLaneDriver keeps a team member out of two lanes of the same round.
func (t *tx) checkLaneDriver(l models.ChangeLane) error {
	if l.TeamMemberID == nil {
		return nil
	}
	for _, other := range t.st.lanes {
		if other.ID == l.ID || other.RoundID != l.RoundID || other.TeamMemberID == nil {
			continue
		}
		if *other.TeamMemberID == *l.TeamMemberID {
			return conflict("team member %d already in lane %d", *l.TeamMemberID, other.Lane)
		}
	}
	return nil
}

func (t *tx) DeleteLanes(_ context.Context, roundID int64) error {
	for id, l := range t.st.lanes {
		if l.RoundID == roundID {
			delete(t.st.lanes, id)
		}
	}
	return nil
}

func (t *tx) InsertPenalty(_ context.Context, p *models.Penalty) error {
	for _, other := range t.st.penalties {
		if other.Name == p.Name {
			return conflict("penalty %q exists", p.Name)
		}
	}
	p.ID = t.st.id()
	t.st.penalties[p.ID] = *p
	return nil
}

func (t *tx) InsertChampionshipPenalty(_ context.Context, cp *models.ChampionshipPenalty) error {
	p, ok := t.st.penalties[cp.PenaltyID]
	if !ok {
		return notFound("penalty", cp.PenaltyID)
	}
	if _, ok := t.st.championships[cp.ChampionshipID]; !ok {
		return notFound("championship", cp.ChampionshipID)
	}
	cp.ID = t.st.id()
	cp.Name = p.Name
	t.st.championshipPenalties[cp.ID] = *cp
	return nil
}

func (t *tx) InsertRoundPenalty(_ context.Context, p *models.RoundPenalty) error {
	if _, ok := t.st.roundTeams[p.OffenderID]; !ok {
		return notFound("round team", p.OffenderID)
	}
	if _, ok := t.st.championshipPenalties[p.ChampionshipPenaltyID]; !ok {
		return notFound("championship penalty", p.ChampionshipPenaltyID)
	}
	p.ID = t.st.id()
	t.st.roundPenalties[p.ID] = *p
	return nil
}

func (t *tx) UpdateRoundPenalty(_ context.Context, p models.RoundPenalty) error {
	if _, ok := t.st.roundPenalties[p.ID]; !ok {
		return notFound("round penalty", p.ID)
	}
	t.st.roundPenalties[p.ID] = p
	return nil
}

func (t *tx) DeleteRoundPenalty(_ context.Context, id int64) error {
	if _, ok := t.st.roundPenalties[id]; !ok {
		return notFound("round penalty", id)
	}
	t.deleteRoundPenalty(id)
	return nil
}

func (t *tx) deleteRoundPenalty(id int64) {
	for qid, e := range t.st.queue {
		if e.RoundPenaltyID == id {
			delete(t.st.queue, qid)
		}
	}
	delete(t.st.roundPenalties, id)
}

func (t *tx) InsertQueueEntry(_ context.Context, e *models.PenaltyQueueEntry) error {
	if _, ok := t.st.roundPenalties[e.RoundPenaltyID]; !ok {
		return notFound("round penalty", e.RoundPenaltyID)
	}
	e.ID = t.st.id()
	t.st.queue[e.ID] = *e
	return nil
}

func (t *tx) UpdateQueueEntry(_ context.Context, e models.PenaltyQueueEntry) error {
	if _, ok := t.st.queue[e.ID]; !ok {
		return notFound("queue entry", e.ID)
	}
	t.st.queue[e.ID] = e
	return nil
}

func (t *tx) DeleteQueueEntry(_ context.Context, id int64) error {
	if _, ok := t.st.queue[id]; !ok {
		return notFound("queue entry", id)
	}
	delete(t.st.queue, id)
	return nil
}
