package penalty

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// settle is a pending announcement of a round's queue head.
type settle struct {
	timer clockwork.Timer
	stop  chan struct{}
}

// scheduleAnnounce announces the head of the round's queue once the settle
// delay has elapsed, replacing any announcement still pending.
func (a *App) scheduleAnnounce(roundID int64) {
	s := &settle{timer: a.clock.NewTimer(a.config.SettleDelay), stop: make(chan struct{})}
	a.replaceTimer(roundID, s)

	go func() {
		select {
		case <-s.timer.Chan():
			a.removeTimer(roundID, s)
			if err := a.announce(context.Background(), roundID); err != nil {
				log.Error().Err(err).Int64("round_id", roundID).Msg("failed to announce next penalty")
			}
		case <-s.stop:
		}
	}()

	log.Debug().
		Int64("round_id", roundID).
		Dur("delay", a.config.SettleDelay).
		Msg("scheduled penalty announcement")
}

// replaceTimer installs s for the round, cancelling the previous one.
func (a *App) replaceTimer(roundID int64, s *settle) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if existing, ok := a.timers[roundID]; ok {
		existing.cancel()
		log.Debug().Int64("round_id", roundID).Msg("replaced pending penalty announcement")
	}
	a.timers[roundID] = s
}

// cancelTimer drops the pending announcement of a round, if any.
func (a *App) cancelTimer(roundID int64) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if s, ok := a.timers[roundID]; ok {
		s.cancel()
		delete(a.timers, roundID)
		log.Debug().Int64("round_id", roundID).Msg("cancelled pending penalty announcement")
	}
}

// removeTimer forgets a fired timer unless it was replaced meanwhile.
func (a *App) removeTimer(roundID int64, s *settle) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if a.timers[roundID] == s {
		delete(a.timers, roundID)
	}
}

// Close cancels every pending announcement.
func (a *App) Close() {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	for id, s := range a.timers {
		s.cancel()
		delete(a.timers, id)
	}
}

func (s *settle) cancel() {
	stopAndDrainTimer(s.timer)
	close(s.stop)
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
