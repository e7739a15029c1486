// Package penalty keeps the stop and go queue of a round. The oldest entry
// is the active one, shown at the station; the others wait behind it.
package penalty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// Config holds the queue timings.
type Config struct {
	// SettleDelay separates a station reset from the next announcement.
	SettleDelay time.Duration
}

func DefaultConfig() Config {
	return Config{SettleDelay: 10 * time.Second}
}

type App struct {
	store  store.Store
	clock  clockwork.Clock
	config Config

	timersMu sync.Mutex
	timers   map[int64]*settle

	// armed maps a round to the queue entry last announced to the station.
	armedMu sync.Mutex
	armed   map[int64]int64
}

func NewApp(st store.Store, clock clockwork.Clock, config Config) *App {
	return &App{
		store:  st,
		clock:  clock,
		config: config,
		timers: make(map[int64]*settle),
		armed:  make(map[int64]int64),
	}
}

func (a *App) now() time.Time {
	return a.clock.Now().UTC().Truncate(time.Microsecond)
}

// Enqueue imposes a stop and go penalty and queues it. When the queue was
// empty the station is armed right away.
func (a *App) Enqueue(ctx context.Context, req EnqueueRequest) (models.RoundPenalty, error) {
	var rp models.RoundPenalty
	err := a.store.Update(ctx, req.RoundID, func(tx store.Tx) error {
		cp, err := tx.ChampionshipPenalty(ctx, req.ChampionshipPenaltyID)
		if err != nil {
			return err
		}
		if err := a.checkChampionship(ctx, tx, req.RoundID, cp); err != nil {
			return err
		}
		if !cp.Sanction.IsStopAndGo() {
			return fmt.Errorf("%w: %s", ErrInvalidSanction, cp.Name)
		}
		if err := a.checkTeam(ctx, tx, req.RoundID, req.OffenderID); err != nil {
			return err
		}
		if req.VictimID != nil {
			if err := a.checkTeam(ctx, tx, req.RoundID, *req.VictimID); err != nil {
				return err
			}
		}

		rp = models.RoundPenalty{
			RoundID:               req.RoundID,
			OffenderID:            req.OffenderID,
			VictimID:              req.VictimID,
			ChampionshipPenaltyID: cp.ID,
			Value:                 req.Value,
			Imposed:               a.now(),
		}
		if rp.Value == 0 {
			rp.Value = cp.Value
		}
		return a.enqueue(ctx, tx, &rp)
	})
	if err != nil {
		return models.RoundPenalty{}, err
	}
	return rp, nil
}

// enqueue inserts rp and its queue entry, arming the station when the queue
// was empty.
func (a *App) enqueue(ctx context.Context, tx store.Tx, rp *models.RoundPenalty) error {
	entries, err := tx.QueueEntries(ctx, rp.RoundID)
	if err != nil {
		return fmt.Errorf("failed to load penalty queue: %w", err)
	}
	wasEmpty := len(entries) == 0

	if err := tx.InsertRoundPenalty(ctx, rp); err != nil {
		return fmt.Errorf("failed to impose penalty: %w", err)
	}
	entry := models.PenaltyQueueEntry{RoundID: rp.RoundID, RoundPenaltyID: rp.ID, Timestamp: rp.Imposed}
	if err := tx.InsertQueueEntry(ctx, &entry); err != nil {
		return fmt.Errorf("failed to queue penalty: %w", err)
	}

	log.Info().
		Int64("round_id", rp.RoundID).
		Int64("queue_id", entry.ID).
		Int64("offender_id", rp.OffenderID).
		Int("value", rp.Value).
		Bool("active", wasEmpty).
		Msg("stop and go penalty queued")

	if wasEmpty {
		tx.AfterCommit(func(context.Context) { a.cancelTimer(rp.RoundID) })
		if err := a.emitRequired(ctx, tx, entry); err != nil {
			return err
		}
	}
	return a.emitQueueUpdate(ctx, tx, rp.RoundID)
}

func (a *App) checkChampionship(ctx context.Context, r store.Reader, roundID int64, cp models.ChampionshipPenalty) error {
	round, err := r.Round(ctx, roundID)
	if err != nil {
		return err
	}
	if cp.ChampionshipID != round.ChampionshipID {
		return fmt.Errorf("%w: %s", ErrWrongChampionship, cp.Name)
	}
	return nil
}

func (a *App) checkTeam(ctx context.Context, r store.Reader, roundID, roundTeamID int64) error {
	rt, err := r.RoundTeam(ctx, roundTeamID)
	if err != nil {
		return err
	}
	if rt.RoundID != roundID {
		return fmt.Errorf("%w: team %d", ErrWrongRound, rt.Number)
	}
	return nil
}

// Serve marks the active penalty served and clears the station. The next
// penalty is announced after the settle delay.
func (a *App) Serve(ctx context.Context, roundID int64) (models.RoundPenalty, error) {
	var rp models.RoundPenalty
	err := a.store.Update(ctx, roundID, func(tx store.Tx) error {
		entries, err := tx.QueueEntries(ctx, roundID)
		if err != nil {
			return fmt.Errorf("failed to load penalty queue: %w", err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("no active penalty in round %d: %w", roundID, store.ErrNotFound)
		}
		rp, err = a.serve(ctx, tx, entries[0])
		return err
	})
	if err != nil {
		return models.RoundPenalty{}, err
	}
	return rp, nil
}

func (a *App) serve(ctx context.Context, tx store.Tx, active models.PenaltyQueueEntry) (models.RoundPenalty, error) {
	rp, err := tx.RoundPenalty(ctx, active.RoundPenaltyID)
	if err != nil {
		return models.RoundPenalty{}, err
	}
	now := a.now()
	rp.Served = &now
	if err := tx.UpdateRoundPenalty(ctx, rp); err != nil {
		return models.RoundPenalty{}, fmt.Errorf("failed to mark penalty served: %w", err)
	}
	if err := tx.DeleteQueueEntry(ctx, active.ID); err != nil {
		return models.RoundPenalty{}, fmt.Errorf("failed to dequeue penalty: %w", err)
	}
	log.Info().Int64("round_id", active.RoundID).Int64("queue_id", active.ID).Msg("stop and go penalty served")
	return rp, a.progress(ctx, tx, active.RoundID, true)
}

// Cancel revokes a queued penalty altogether.
func (a *App) Cancel(ctx context.Context, queueID int64) error {
	roundID, err := a.roundOf(ctx, queueID)
	if err != nil {
		return err
	}
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		entry, err := tx.QueueEntry(ctx, queueID)
		if err != nil {
			return err
		}
		item, err := a.item(ctx, tx, entry)
		if err != nil {
			return err
		}
		head, err := a.isHead(ctx, tx, entry)
		if err != nil {
			return err
		}
		if err := tx.DeleteRoundPenalty(ctx, entry.RoundPenaltyID); err != nil {
			return fmt.Errorf("failed to cancel penalty: %w", err)
		}
		err = store.EmitNew(tx, events.TopicStopAndGo, events.TypePenaltyCancelled, roundID, events.PenaltyChangedPayload{
			Team:      item.TeamNumber,
			PenaltyID: entry.RoundPenaltyID,
			QueueID:   entry.ID,
		})
		if err != nil {
			return err
		}
		log.Info().Int64("round_id", roundID).Int64("queue_id", queueID).Bool("active", head).Msg("stop and go penalty cancelled")
		return a.progress(ctx, tx, roundID, head)
	})
}

// Delay sends a penalty to the back of the queue. When the championship
// configures a penalty for ignoring a stop and go, the team receives it.
func (a *App) Delay(ctx context.Context, queueID int64) error {
	roundID, err := a.roundOf(ctx, queueID)
	if err != nil {
		return err
	}
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		entry, err := tx.QueueEntry(ctx, queueID)
		if err != nil {
			return err
		}
		item, err := a.item(ctx, tx, entry)
		if err != nil {
			return err
		}
		head, err := a.isHead(ctx, tx, entry)
		if err != nil {
			return err
		}
		now := a.now()
		entry.Timestamp = now
		if err := tx.UpdateQueueEntry(ctx, entry); err != nil {
			return fmt.Errorf("failed to delay penalty: %w", err)
		}

		rp, err := tx.RoundPenalty(ctx, entry.RoundPenaltyID)
		if err != nil {
			return err
		}
		extra, ok, err := a.rolePenaltyFor(ctx, tx, rp.RoundID, rp.OffenderID, models.PenaltyRoleIgnoringStopGo)
		if err != nil {
			return err
		}
		if ok {
			if err := tx.InsertRoundPenalty(ctx, &extra); err != nil {
				return fmt.Errorf("failed to impose penalty for ignoring stop and go: %w", err)
			}
			log.Info().
				Int64("round_id", roundID).
				Int("team_number", item.TeamNumber).
				Int64("championship_penalty_id", extra.ChampionshipPenaltyID).
				Msg("penalty imposed for ignoring stop and go")
		}

		err = store.EmitNew(tx, events.TopicStopAndGo, events.TypePenaltyDelayed, roundID, events.PenaltyChangedPayload{
			Team:      item.TeamNumber,
			PenaltyID: entry.RoundPenaltyID,
			QueueID:   entry.ID,
		})
		if err != nil {
			return err
		}
		log.Info().Int64("round_id", roundID).Int64("queue_id", queueID).Bool("active", head).Msg("stop and go penalty delayed")
		return a.progress(ctx, tx, roundID, head)
	})
}

// DriverChangeTooLong imposes the championship's penalty for a driver change
// that took too long. A stop and go sanction is queued, a laps sanction is
// served on the spot and anything else is recorded for the race director.
func (a *App) DriverChangeTooLong(ctx context.Context, roundID, offenderID int64) (models.RoundPenalty, error) {
	var rp models.RoundPenalty
	err := a.store.Update(ctx, roundID, func(tx store.Tx) error {
		if err := a.checkTeam(ctx, tx, roundID, offenderID); err != nil {
			return err
		}
		var (
			ok  bool
			err error
		)
		rp, ok, err = a.rolePenaltyFor(ctx, tx, roundID, offenderID, models.PenaltyRoleDriverChangeTooLong)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no penalty for %s in round %d: %w", models.PenaltyRoleDriverChangeTooLong, roundID, store.ErrNotFound)
		}
		cp, err := tx.ChampionshipPenalty(ctx, rp.ChampionshipPenaltyID)
		if err != nil {
			return err
		}

		switch {
		case cp.Sanction.IsStopAndGo():
			return a.enqueue(ctx, tx, &rp)
		case cp.Sanction.Kind == models.SanctionLaps:
			served := rp.Imposed
			rp.Served = &served
		}
		if err := tx.InsertRoundPenalty(ctx, &rp); err != nil {
			return fmt.Errorf("failed to impose %s: %w", cp.Name, err)
		}
		log.Info().
			Int64("round_id", roundID).
			Int64("offender_id", offenderID).
			Str("penalty", cp.Name).
			Msg("penalty imposed for a slow driver change")
		return nil
	})
	if err != nil {
		return models.RoundPenalty{}, err
	}
	return rp, nil
}

// progress publishes the queue after a change. When the head of the queue
// changed the station is cleared and the new head is announced after the
// settle delay; otherwise the station keeps serving.
func (a *App) progress(ctx context.Context, tx store.Tx, roundID int64, headChanged bool) error {
	if headChanged {
		err := store.EmitNew(tx, events.TopicStopAndGo, events.TypeResetStation, roundID, events.ResetStationPayload{RoundID: roundID})
		if err != nil {
			return err
		}
		tx.AfterCommit(func(context.Context) {
			a.disarm(roundID)
			a.scheduleAnnounce(roundID)
		})
	}
	return a.emitQueueUpdate(ctx, tx, roundID)
}

// isHead reports whether entry is the active penalty of its round.
func (a *App) isHead(ctx context.Context, r store.Reader, entry models.PenaltyQueueEntry) (bool, error) {
	entries, err := r.QueueEntries(ctx, entry.RoundID)
	if err != nil {
		return false, fmt.Errorf("failed to load penalty queue: %w", err)
	}
	return len(entries) > 0 && entries[0].ID == entry.ID, nil
}

// announce arms the station with the head of the queue, if it is not armed
// with it already.
func (a *App) announce(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		entries, err := tx.QueueEntries(ctx, roundID)
		if err != nil {
			return fmt.Errorf("failed to load penalty queue: %w", err)
		}
		if len(entries) == 0 || a.isArmed(roundID, entries[0].ID) {
			return nil
		}
		return a.emitRequired(ctx, tx, entries[0])
	})
}

func (a *App) arm(roundID, queueID int64) {
	a.armedMu.Lock()
	defer a.armedMu.Unlock()
	a.armed[roundID] = queueID
}

func (a *App) disarm(roundID int64) {
	a.armedMu.Lock()
	defer a.armedMu.Unlock()
	delete(a.armed, roundID)
}

func (a *App) isArmed(roundID, queueID int64) bool {
	a.armedMu.Lock()
	defer a.armedMu.Unlock()
	id, ok := a.armed[roundID]
	return ok && id == queueID
}

func (a *App) roundOf(ctx context.Context, queueID int64) (int64, error) {
	var roundID int64
	err := a.store.View(ctx, func(r store.Reader) error {
		entry, err := r.QueueEntry(ctx, queueID)
		roundID = entry.RoundID
		return err
	})
	return roundID, err
}

// rolePenalty finds the championship penalty holding a role for the round.
func (a *App) rolePenalty(ctx context.Context, r store.Reader, roundID int64, role models.PenaltyRole) (models.ChampionshipPenalty, bool, error) {
	round, err := r.Round(ctx, roundID)
	if err != nil {
		return models.ChampionshipPenalty{}, false, err
	}
	penalties, err := r.ChampionshipPenalties(ctx, round.ChampionshipID)
	if err != nil {
		return models.ChampionshipPenalty{}, false, fmt.Errorf("failed to load championship penalties: %w", err)
	}
	for _, cp := range penalties {
		if cp.Role == role {
			return cp, true, nil
		}
	}
	return models.ChampionshipPenalty{}, false, nil
}

// rolePenaltyFor builds, without inserting it, the penalty holding role for
// offender. ok is false when the championship configures none.
func (a *App) rolePenaltyFor(ctx context.Context, r store.Reader, roundID, offenderID int64, role models.PenaltyRole) (models.RoundPenalty, bool, error) {
	template, ok, err := a.rolePenalty(ctx, r, roundID, role)
	if err != nil || !ok {
		return models.RoundPenalty{}, false, err
	}
	return models.RoundPenalty{
		RoundID:               roundID,
		OffenderID:            offenderID,
		ChampionshipPenaltyID: template.ID,
		Value:                 template.Value,
		Imposed:               a.now(),
	}, true, nil
}

func (a *App) emitRequired(ctx context.Context, tx store.Tx, entry models.PenaltyQueueEntry) error {
	item, err := a.item(ctx, tx, entry)
	if err != nil {
		return err
	}
	log.Info().
		Int64("round_id", entry.RoundID).
		Int64("queue_id", entry.ID).
		Int("team_number", item.TeamNumber).
		Int("duration", item.Value).
		Msg("stop and go penalty announced")
	tx.AfterCommit(func(context.Context) { a.arm(entry.RoundID, entry.ID) })
	return store.EmitNew(tx, events.TopicStopAndGo, events.TypePenaltyRequired, entry.RoundID, events.PenaltyRequiredPayload{
		Team:      item.TeamNumber,
		Duration:  item.Value,
		PenaltyID: entry.RoundPenaltyID,
		QueueID:   entry.ID,
		Timestamp: entry.Timestamp,
	})
}

func (a *App) emitQueueUpdate(ctx context.Context, tx store.Tx, roundID int64) error {
	entries, err := tx.QueueEntries(ctx, roundID)
	if err != nil {
		return fmt.Errorf("failed to load penalty queue: %w", err)
	}
	payload := events.PenaltyQueueUpdatePayload{QueueCount: len(entries), RoundID: roundID}
	if len(entries) > 0 {
		item, err := a.item(ctx, tx, entries[0])
		if err != nil {
			return err
		}
		payload.ServingTeam = &item.TeamNumber
	}
	return store.EmitNew(tx, events.TopicStopAndGo, events.TypePenaltyQueueUpdate, roundID, payload)
}

func (a *App) item(ctx context.Context, r store.Reader, entry models.PenaltyQueueEntry) (QueueItem, error) {
	rp, err := r.RoundPenalty(ctx, entry.RoundPenaltyID)
	if err != nil {
		return QueueItem{}, err
	}
	team, err := r.RoundTeam(ctx, rp.OffenderID)
	if err != nil {
		return QueueItem{}, err
	}
	cp, err := r.ChampionshipPenalty(ctx, rp.ChampionshipPenaltyID)
	if err != nil {
		return QueueItem{}, err
	}
	return QueueItem{
		QueueID:        entry.ID,
		RoundPenaltyID: rp.ID,
		TeamNumber:     team.Number,
		TeamName:       team.Name,
		PenaltyName:    cp.Name,
		Sanction:       cp.Sanction,
		Value:          rp.Value,
		Timestamp:      entry.Timestamp,
	}, nil
}
