package race

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// rebalance makes the lanes mirror the head of the driver queue. Drivers
// that left the head are cleared from their lane. While the pit lane is open
// free lanes are filled, lowest lane first, in queue order; once it closed a
// cleared lane is also shut and stays empty.
func rebalance(ctx context.Context, tx store.Tx, st *roundState) error {
	if !st.round.Running() {
		return nil
	}
	queue, err := tx.Sessions(ctx, st.round.ID, store.SessionQuery{States: stateRegistered})
	if err != nil {
		return fmt.Errorf("failed to load driver queue: %w", err)
	}
	lanes, err := tx.Lanes(ctx, st.round.ID)
	if err != nil {
		return fmt.Errorf("failed to load lanes: %w", err)
	}

	called := lo.Map(queue[:min(st.round.ChangeLanes, len(queue))], func(s models.Session, _ int) int64 {
		return s.TeamMemberID
	})
	isCalled := lo.SliceToMap(called, func(id int64) (int64, bool) { return id, true })
	open := st.pitLaneOpen()

	holding := make(map[int64]bool, len(lanes))
	changed := make(map[int]bool)
	for i := range lanes {
		l := &lanes[i]
		if l.TeamMemberID == nil {
			continue
		}
		if isCalled[*l.TeamMemberID] {
			holding[*l.TeamMemberID] = true
			continue
		}
		l.TeamMemberID = nil
		if !open {
			l.Open = false
		}
		changed[i] = true
	}

	if open {
		for _, memberID := range called {
			if holding[memberID] {
				continue
			}
			_, i, ok := lo.FindIndexOf(lanes, func(l models.ChangeLane) bool { return l.TeamMemberID == nil })
			if !ok {
				break
			}
			id := memberID
			lanes[i].TeamMemberID = &id
			holding[memberID] = true
			changed[i] = true
		}
	}

	for i, lane := range lanes {
		if !changed[i] {
			continue
		}
		if err := tx.UpdateLane(ctx, lane); err != nil {
			return fmt.Errorf("failed to update lane %d: %w", lane.Lane, err)
		}
		if err := st.emitLane(tx, lane); err != nil {
			return err
		}
	}
	return nil
}

// OpenPitLane opens every lane of the round and calls the head of the queue.
func (a *App) OpenPitLane(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := loadRound(ctx, tx, roundID, a.now())
		if err != nil {
			return err
		}
		if !st.round.Running() {
			return nil
		}
		lanes, err := tx.Lanes(ctx, roundID)
		if err != nil {
			return fmt.Errorf("failed to load lanes: %w", err)
		}
		for _, lane := range lanes {
			if lane.Open {
				continue
			}
			lane.Open = true
			if err := tx.UpdateLane(ctx, lane); err != nil {
				return fmt.Errorf("failed to open lane %d: %w", lane.Lane, err)
			}
			if err := st.emitLane(tx, lane); err != nil {
				return err
			}
		}
		log.Info().Int64("round_id", roundID).Int("lanes", len(lanes)).Msg("pit lane opened")
		return rebalance(ctx, tx, st)
	})
}

// ClosePitLane closes the open lanes nobody has been called to. Lanes with a
// driver stay open until that driver changed.
func (a *App) ClosePitLane(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := loadRound(ctx, tx, roundID, a.now())
		if err != nil {
			return err
		}
		lanes, err := tx.Lanes(ctx, roundID)
		if err != nil {
			return fmt.Errorf("failed to load lanes: %w", err)
		}
		closed := 0
		for _, lane := range lanes {
			if !lane.Open || lane.TeamMemberID != nil {
				continue
			}
			lane.Open = false
			if err := tx.UpdateLane(ctx, lane); err != nil {
				return fmt.Errorf("failed to close lane %d: %w", lane.Lane, err)
			}
			if err := st.emitLane(tx, lane); err != nil {
				return err
			}
			closed++
		}
		log.Info().Int64("round_id", roundID).Int("lanes", closed).Msg("pit lane closed")
		return nil
	})
}
