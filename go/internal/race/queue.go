package race

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// DriverRegister puts a driver in the queue, or takes them out when they are
// already in it. Once the race started the pit lane must be open, and a
// driver already called to a lane can no longer leave the queue.
func (a *App) DriverRegister(ctx context.Context, roundID, teamMemberID int64) (RegisterResult, error) {
	var result RegisterResult
	err := a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := loadRound(ctx, tx, roundID, a.now())
		if err != nil {
			return err
		}
		if st.round.Ended != nil || (st.round.Started != nil && !st.pitLaneOpen()) {
			return ErrPitLaneClosed
		}
		member, ok := st.members[teamMemberID]
		if !ok {
			return fmt.Errorf("%w: team member %d", ErrWrongRound, teamMemberID)
		}
		if !member.Driver {
			return fmt.Errorf("%w: %s", ErrNotADriver, member.Nickname)
		}

		sessions, err := tx.Sessions(ctx, roundID, store.SessionQuery{TeamMemberID: teamMemberID, States: stateActive})
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		if lo.ContainsBy(sessions, func(s models.Session) bool { return s.State() == models.SessionStateDriving }) {
			return fmt.Errorf("%w: %s", ErrAlreadyDriving, member.Nickname)
		}

		if len(sessions) > 0 {
			if st.round.Running() {
				called, err := calledDrivers(ctx, tx, st)
				if err != nil {
					return err
				}
				if called[teamMemberID] {
					return fmt.Errorf("%w: %s", ErrDueInPitLane, member.Nickname)
				}
			}
			if err := tx.DeleteSession(ctx, sessions[0].ID); err != nil {
				return fmt.Errorf("failed to remove session: %w", err)
			}
			result = RegisterResultRemoved
			if err := st.emitSession(ctx, tx, teamMemberID, events.DriverStatusReset); err != nil {
				return err
			}
		} else {
			now := st.now
			s := models.Session{RoundID: roundID, TeamMemberID: teamMemberID, Registered: &now}
			if err := tx.InsertSession(ctx, &s); err != nil {
				return fmt.Errorf("failed to register driver: %w", err)
			}
			result = RegisterResultRegistered
			if err := st.emitSession(ctx, tx, teamMemberID, events.DriverStatusRegister); err != nil {
				return err
			}
		}

		log.Info().
			Int64("round_id", roundID).
			Int64("team_member_id", teamMemberID).
			Str("result", string(result)).
			Msg("driver queue updated")
		return rebalance(ctx, tx, st)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// calledDrivers is the set of drivers at the head of the queue.
func calledDrivers(ctx context.Context, r store.Reader, st *roundState) (map[int64]bool, error) {
	queue, err := r.Sessions(ctx, st.round.ID, store.SessionQuery{States: stateRegistered})
	if err != nil {
		return nil, fmt.Errorf("failed to load driver queue: %w", err)
	}
	head := queue[:min(st.round.ChangeLanes, len(queue))]
	return lo.SliceToMap(head, func(s models.Session) (int64, bool) { return s.TeamMemberID, true }), nil
}

// DriverEndSession swaps the driver on track with the first driver of the
// same team waiting in the queue. Nothing changes when nobody is waiting.
func (a *App) DriverEndSession(ctx context.Context, roundID, teamMemberID int64) (SwapResult, error) {
	var result SwapResult
	err := a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := loadRound(ctx, tx, roundID, a.now())
		if err != nil {
			return err
		}
		member, ok := st.members[teamMemberID]
		if !ok {
			return fmt.Errorf("%w: team member %d", ErrWrongRound, teamMemberID)
		}

		driving, err := tx.Sessions(ctx, roundID, store.SessionQuery{TeamMemberID: teamMemberID, States: stateDriving})
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		switch {
		case len(driving) == 0:
			return fmt.Errorf("%w: %s", ErrSessionNotFound, member.Nickname)
		case len(driving) > 1:
			return fmt.Errorf("%w: %s has %d", ErrMultipleSessions, member.Nickname, len(driving))
		}

		queue, err := tx.Sessions(ctx, roundID, store.SessionQuery{RoundTeamID: member.RoundTeamID, States: stateRegistered})
		if err != nil {
			return fmt.Errorf("failed to load team queue: %w", err)
		}
		next, ok := lo.Find(queue, func(s models.Session) bool { return s.TeamMemberID != teamMemberID })
		if !ok {
			return fmt.Errorf("%w: team %d", ErrNoSuccessor, st.teams[member.RoundTeamID].Number)
		}

		now := st.now
		current := driving[0]
		current.End = &now
		if err := tx.UpdateSession(ctx, current); err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		next.Start = &now
		if err := tx.UpdateSession(ctx, next); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		if err := st.emitSession(ctx, tx, current.TeamMemberID, events.DriverStatusEnd); err != nil {
			return err
		}
		if err := st.emitSession(ctx, tx, next.TeamMemberID, events.DriverStatusStart); err != nil {
			return err
		}
		if err := rebalance(ctx, tx, st); err != nil {
			return err
		}

		remaining, err := tx.Sessions(ctx, roundID, store.SessionQuery{States: stateRegistered})
		if err != nil {
			return fmt.Errorf("failed to load driver queue: %w", err)
		}
		team := st.teams[member.RoundTeamID]
		result = SwapResult{TeamNumber: team.Number, Ended: current, Started: next}
		log.Info().
			Int64("round_id", roundID).
			Int("team_number", team.Number).
			Int64("ended_id", current.TeamMemberID).
			Int64("started_id", next.TeamMemberID).
			Msg("driver changed")
		return st.emitChangeDriver(tx, events.ChangeDriverUpdatePayload{
			RoundID:     roundID,
			TeamNumber:  team.Number,
			EndedID:     current.TeamMemberID,
			StartedID:   next.TeamMemberID,
			QueueLength: len(remaining),
		})
	})
	if err != nil {
		return SwapResult{}, err
	}
	return result, nil
}

// Queue lists the registered drivers in the order they will be called.
func (a *App) Queue(ctx context.Context, roundID int64) ([]QueueEntry, error) {
	var out []QueueEntry
	err := a.store.View(ctx, func(r store.Reader) error {
		st, err := loadRound(ctx, r, roundID, a.now())
		if err != nil {
			return err
		}
		queue, err := r.Sessions(ctx, roundID, store.SessionQuery{States: stateRegistered})
		if err != nil {
			return fmt.Errorf("failed to load driver queue: %w", err)
		}
		lanes, err := r.Lanes(ctx, roundID)
		if err != nil {
			return fmt.Errorf("failed to load lanes: %w", err)
		}
		laneOf := make(map[int64]int)
		for _, l := range lanes {
			if l.TeamMemberID != nil {
				laneOf[*l.TeamMemberID] = l.Lane
			}
		}
		out = lo.Map(queue, func(s models.Session, i int) QueueEntry {
			m := st.members[s.TeamMemberID]
			team := st.teams[m.RoundTeamID]
			return QueueEntry{
				Position:     i + 1,
				SessionID:    s.ID,
				TeamMemberID: m.ID,
				Nickname:     m.Nickname,
				TeamNumber:   team.Number,
				TeamName:     team.Name,
				Registered:   *s.Registered,
				Called:       i < st.round.ChangeLanes,
				Lane:         laneOf[m.ID],
			}
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue of round %d: %w", roundID, err)
	}
	return out, nil
}

// Lanes lists the pit lanes of the round.
func (a *App) Lanes(ctx context.Context, roundID int64) ([]LaneView, error) {
	var out []LaneView
	err := a.store.View(ctx, func(r store.Reader) error {
		st, err := loadRound(ctx, r, roundID, a.now())
		if err != nil {
			return err
		}
		lanes, err := r.Lanes(ctx, roundID)
		if err != nil {
			return err
		}
		out = lo.Map(lanes, func(l models.ChangeLane, _ int) LaneView {
			return LaneView{Lane: l.Lane, Open: l.Open, Driver: st.laneDriver(l.TeamMemberID)}
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get lanes of round %d: %w", roundID, err)
	}
	return out, nil
}
