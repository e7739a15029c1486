// Package race runs a round: its lifecycle from the pre-race check to the
// end of the race, the driver queue and the pit lanes drivers are called to.
package race

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
)

// App implements the race control operations. Every mutation runs in one
// store transaction holding the round.
type App struct {
	store store.Store
	clock clockwork.Clock
}

func NewApp(st store.Store, clock clockwork.Clock) *App {
	return &App{store: st, clock: clock}
}

func (a *App) now() time.Time {
	return a.clock.Now().UTC().Truncate(time.Microsecond)
}

// Round returns a round.
func (a *App) Round(ctx context.Context, roundID int64) (models.Round, error) {
	var round models.Round
	err := a.store.View(ctx, func(r store.Reader) error {
		var err error
		round, err = r.Round(ctx, roundID)
		return err
	})
	if err != nil {
		return models.Round{}, fmt.Errorf("failed to get round %d: %w", roundID, err)
	}
	return round, nil
}

// CurrentRound is the first round scheduled yesterday or today that has not
// ended. ok is false when there is none.
func (a *App) CurrentRound(ctx context.Context) (round models.Round, ok bool, err error) {
	now := a.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	err = a.store.View(ctx, func(r store.Reader) error {
		rounds, err := r.RoundsScheduledBetween(ctx, today.AddDate(0, 0, -1), today.AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		if len(rounds) > 0 {
			round, ok = rounds[0], true
		}
		return nil
	})
	if err != nil {
		return models.Round{}, false, fmt.Errorf("failed to find current round: %w", err)
	}
	return round, ok, nil
}

// AnnounceRound publishes the round state without changing it.
func (a *App) AnnounceRound(ctx context.Context, roundID int64) error {
	return a.store.Update(ctx, roundID, func(tx store.Tx) error {
		st, err := loadRound(ctx, tx, roundID, a.now())
		if err != nil {
			return err
		}
		return st.emitRound(tx)
	})
}
