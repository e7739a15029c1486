package race

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/racetime"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// minDriverWeight is the lowest weight accepted for a driver. Anything at or
// below it is a weight that was never entered.
var minDriverWeight = decimal.NewFromInt(10)

// PreRaceCheck makes the round ready: every team has exactly one driver
// registered to start and every driver has been weighed. The pit lanes are
// created closed and empty. Nothing changes when a check fails; the failures
// are returned as a *PreRaceCheckError.
func (a *App) PreRaceCheck(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := loadRound(ctx, tx, roundID, a.now())
		if err != nil {
			return err
		}
		if st.round.Ready {
			return nil
		}

		registered, err := tx.Sessions(ctx, roundID, store.SessionQuery{States: stateRegistered})
		if err != nil {
			return fmt.Errorf("failed to load registered sessions: %w", err)
		}
		starters := lo.CountValuesBy(lo.Uniq(lo.Map(registered, func(s models.Session, _ int) int64 {
			return s.TeamMemberID
		})), func(memberID int64) int64 { return st.members[memberID].RoundTeamID })

		var problems []string
		for _, team := range st.sortedTeams() {
			for _, m := range st.teamMembers(team.ID) {
				if m.Driver && m.Weight.LessThanOrEqual(minDriverWeight) {
					problems = append(problems, fmt.Sprintf("Driver %s in team %s has a weight of %s.",
						m.Nickname, team.Name, m.Weight.String()))
				}
			}
			if n := starters[team.ID]; n != 1 {
				problems = append(problems, fmt.Sprintf("Team %s has %d registered to start. Expected 1.", team.Name, n))
			}
		}
		if len(problems) > 0 {
			return &PreRaceCheckError{Errors: problems}
		}

		st.round.Ready = true
		if err := tx.UpdateRound(ctx, st.round); err != nil {
			return fmt.Errorf("failed to update round: %w", err)
		}
		if err := tx.DeleteLanes(ctx, roundID); err != nil {
			return fmt.Errorf("failed to clear lanes: %w", err)
		}
		for i := 1; i <= st.round.ChangeLanes; i++ {
			lane := models.ChangeLane{RoundID: roundID, Lane: i}
			if err := tx.InsertLane(ctx, &lane); err != nil {
				return fmt.Errorf("failed to create lane %d: %w", i, err)
			}
			if err := st.emitLane(tx, lane); err != nil {
				return err
			}
		}
		log.Info().Int64("round_id", roundID).Int("lanes", st.round.ChangeLanes).Msg("round ready")
		return st.emitRound(tx)
	})
}

// StartRace starts the clock. The registered starter of each team starts
// driving; later registrations stay in the queue.
func (a *App) StartRace(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := loadRound(ctx, tx, roundID, a.now())
		if err != nil {
			return err
		}
		if !st.round.Ready || st.round.Started != nil || st.round.Ended != nil {
			return fmt.Errorf("%w: start round %d", ErrInvalidTransition, roundID)
		}
		now := st.now
		st.round.Started = &now
		if err := tx.UpdateRound(ctx, st.round); err != nil {
			return fmt.Errorf("failed to update round: %w", err)
		}

		registered, err := tx.Sessions(ctx, roundID, store.SessionQuery{States: stateRegistered})
		if err != nil {
			return fmt.Errorf("failed to load registered sessions: %w", err)
		}
		// Only the earliest registration of each team starts. Later ones stay
		// queued for the first change.
		started := make(map[int64]bool)
		for _, s := range registered {
			team := st.members[s.TeamMemberID].RoundTeamID
			if started[team] {
				continue
			}
			started[team] = true
			s.Start = &now
			if err := tx.UpdateSession(ctx, s); err != nil {
				return fmt.Errorf("failed to start session %d: %w", s.ID, err)
			}
			if err := st.emitSession(ctx, tx, s.TeamMemberID, events.DriverStatusStart); err != nil {
				return err
			}
		}
		if err := rebalance(ctx, tx, st); err != nil {
			return err
		}
		log.Info().Int64("round_id", roundID).Int("drivers", len(started)).Msg("race started")
		return st.emitRound(tx)
	})
}

func (a *App) running(ctx context.Context, tx store.Tx, roundID int64, op string) (*roundState, error) {
	st, err := loadRound(ctx, tx, roundID, a.now())
	if err != nil {
		return nil, err
	}
	if !st.round.Running() {
		return nil, fmt.Errorf("%w: %s round %d", ErrInvalidTransition, op, roundID)
	}
	return st, nil
}

// PauseRace neutralises the race. It does nothing when already paused.
func (a *App) PauseRace(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := a.running(ctx, tx, roundID, "pause")
		if err != nil {
			return err
		}
		if racetime.OpenPause(st.pauses) != nil {
			return nil
		}
		pause := models.RoundPause{RoundID: roundID, Start: st.now}
		if err := tx.InsertPause(ctx, &pause); err != nil {
			return fmt.Errorf("failed to open pause: %w", err)
		}
		st.pauses = append(st.pauses, pause)
		log.Info().Int64("round_id", roundID).Msg("race paused")
		return emitPauseAndRound(tx, st)
	})
}

// RestartRace ends the open pause. It does nothing when not paused.
func (a *App) RestartRace(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := a.running(ctx, tx, roundID, "restart")
		if err != nil {
			return err
		}
		open := racetime.OpenPause(st.pauses)
		if open == nil {
			return nil
		}
		if err := closePause(ctx, tx, st, open.ID); err != nil {
			return err
		}
		log.Info().Int64("round_id", roundID).Msg("race restarted")
		return emitPauseAndRound(tx, st)
	})
}

// FalseRestart reopens the last closed pause. It does nothing while a pause
// is open or when the race was never paused.
func (a *App) FalseRestart(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := a.running(ctx, tx, roundID, "false restart")
		if err != nil {
			return err
		}
		if racetime.OpenPause(st.pauses) != nil {
			return nil
		}
		i, ok := lastClosedPause(st.pauses)
		if !ok {
			return nil
		}
		st.pauses[i].End = nil
		if err := tx.UpdatePause(ctx, st.pauses[i]); err != nil {
			return fmt.Errorf("failed to reopen pause: %w", err)
		}
		log.Info().Int64("round_id", roundID).Msg("restart undone")
		return emitPauseAndRound(tx, st)
	})
}

// FalseStart puts a started round back to ready. Drivers on track go back to
// the queue, everything else recorded since the start is discarded.
func (a *App) FalseStart(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := a.running(ctx, tx, roundID, "false start")
		if err != nil {
			return err
		}
		started := *st.round.Started

		sessions, err := tx.Sessions(ctx, roundID, store.SessionQuery{})
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		for _, s := range sessions {
			switch {
			case s.State() == models.SessionStateDriving:
				s.Start = nil
				if err := tx.UpdateSession(ctx, s); err != nil {
					return fmt.Errorf("failed to revert session %d: %w", s.ID, err)
				}
				if err := st.emitSession(ctx, tx, s.TeamMemberID, events.DriverStatusRegister); err != nil {
					return err
				}
			case s.State() == models.SessionStateFinished,
				s.State() == models.SessionStateRegistered && s.Registered.After(started):
				if err := tx.DeleteSession(ctx, s.ID); err != nil {
					return fmt.Errorf("failed to discard session %d: %w", s.ID, err)
				}
				if err := st.emitSession(ctx, tx, s.TeamMemberID, events.DriverStatusReset); err != nil {
					return err
				}
			}
		}

		for _, p := range st.pauses {
			if err := tx.DeletePause(ctx, p.ID); err != nil {
				return fmt.Errorf("failed to discard pause %d: %w", p.ID, err)
			}
		}
		st.pauses = nil

		lanes, err := tx.Lanes(ctx, roundID)
		if err != nil {
			return fmt.Errorf("failed to load lanes: %w", err)
		}
		for _, lane := range lanes {
			if lane.TeamMemberID == nil && !lane.Open {
				continue
			}
			lane.TeamMemberID = nil
			lane.Open = false
			if err := tx.UpdateLane(ctx, lane); err != nil {
				return fmt.Errorf("failed to reset lane %d: %w", lane.Lane, err)
			}
			if err := st.emitLane(tx, lane); err != nil {
				return err
			}
		}

		st.round.Started = nil
		if err := tx.UpdateRound(ctx, st.round); err != nil {
			return fmt.Errorf("failed to update round: %w", err)
		}
		log.Warn().Int64("round_id", roundID).Msg("false start, round back to ready")
		return st.emitRound(tx)
	})
}

// EndRace stops the race. Drivers on track finish, the queue is discarded and
// the round's lanes are removed. The post-race directives are returned.
func (a *App) EndRace(ctx context.Context, roundID int64) ([]PostRaceDirective, error) {
	var directives []PostRaceDirective
	err := a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := a.running(ctx, tx, roundID, "end")
		if err != nil {
			return err
		}
		if open := racetime.OpenPause(st.pauses); open != nil {
			if err := closePause(ctx, tx, st, open.ID); err != nil {
				return err
			}
		}
		now := st.now
		st.round.Ended = &now
		if err := tx.UpdateRound(ctx, st.round); err != nil {
			return fmt.Errorf("failed to update round: %w", err)
		}

		active, err := tx.Sessions(ctx, roundID, store.SessionQuery{States: stateActive})
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		for _, s := range active {
			if s.State() == models.SessionStateDriving {
				s.End = &now
				if err := tx.UpdateSession(ctx, s); err != nil {
					return fmt.Errorf("failed to finish session %d: %w", s.ID, err)
				}
				if err := st.emitSession(ctx, tx, s.TeamMemberID, events.DriverStatusEnd); err != nil {
					return err
				}
				continue
			}
			if err := tx.DeleteSession(ctx, s.ID); err != nil {
				return fmt.Errorf("failed to discard session %d: %w", s.ID, err)
			}
			if err := st.emitSession(ctx, tx, s.TeamMemberID, events.DriverStatusReset); err != nil {
				return err
			}
		}

		lanes, err := tx.Lanes(ctx, roundID)
		if err != nil {
			return fmt.Errorf("failed to load lanes: %w", err)
		}
		if err := tx.DeleteLanes(ctx, roundID); err != nil {
			return fmt.Errorf("failed to remove lanes: %w", err)
		}
		for _, lane := range lanes {
			if err := st.emitLane(tx, models.ChangeLane{ID: lane.ID, RoundID: roundID, Lane: lane.Lane}); err != nil {
				return err
			}
		}

		directives, err = postRaceDirectives(ctx, tx, st)
		if err != nil {
			return err
		}
		log.Info().Int64("round_id", roundID).Int("directives", len(directives)).Msg("race ended")
		return st.emitRound(tx)
	})
	if err != nil {
		return nil, err
	}
	return directives, nil
}

func closePause(ctx context.Context, tx store.Tx, st *roundState, pauseID int64) error {
	for i := range st.pauses {
		if st.pauses[i].ID != pauseID {
			continue
		}
		end := st.now
		st.pauses[i].End = &end
		if err := tx.UpdatePause(ctx, st.pauses[i]); err != nil {
			return fmt.Errorf("failed to close pause: %w", err)
		}
		return nil
	}
	return fmt.Errorf("pause %d: %w", pauseID, store.ErrNotFound)
}

// lastClosedPause returns the index of the closed pause that started last.
func lastClosedPause(pauses []models.RoundPause) (int, bool) {
	idx := -1
	for i, p := range pauses {
		if p.End == nil {
			continue
		}
		if idx < 0 || p.Start.After(pauses[idx].Start) {
			idx = i
		}
	}
	return idx, idx >= 0
}

func emitPauseAndRound(tx store.Tx, st *roundState) error {
	if err := st.emitPause(tx); err != nil {
		return err
	}
	return st.emitRound(tx)
}
