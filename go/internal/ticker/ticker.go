// Package ticker drives the time based transitions of the current round:
// opening the pit lane, closing it before the end and ending the race.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/race"
)

type Config struct {
	Interval time.Duration
	// Slack extends the look ahead window past the next tick.
	Slack time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Slack:    5 * time.Second,
	}
}

// Window is how far ahead a tick handles a deadline.
func (c Config) Window() time.Duration {
	return c.Interval + c.Slack
}

// RaceApp is what the ticker needs from race control.
type RaceApp interface {
	CurrentRound(ctx context.Context) (models.Round, bool, error)
	RoundStatus(ctx context.Context, roundID int64) (race.RoundStatus, error)
	AnnounceRound(ctx context.Context, roundID int64) error
	OpenPitLane(ctx context.Context, roundID int64) error
	ClosePitLane(ctx context.Context, roundID int64) error
	EndRace(ctx context.Context, roundID int64) ([]race.PostRaceDirective, error)
}

var _ RaceApp = (*race.App)(nil)

// Action is what a tick did.
type Action string

const (
	ActionNone         Action = ""
	ActionBusy         Action = "busy"
	ActionOpenPitLane  Action = "open_pit_lane"
	ActionEndRace      Action = "end_race"
	ActionClosePitLane Action = "close_pit_lane"
	ActionAbandoned    Action = "abandoned"
)

type Ticker struct {
	app    RaceApp
	clock  clockwork.Clock
	config Config
	id     uuid.UUID

	tick sync.Mutex

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func New(app RaceApp, clock clockwork.Clock, cfg Config) *Ticker {
	return &Ticker{
		app:    app,
		clock:  clock,
		config: cfg,
		id:     uuid.New(),
	}
}

func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("race ticker already running")
	}
	t.running = true
	t.stopChan = make(chan struct{})

	t.wg.Add(1)
	go t.run(ctx, t.stopChan)

	log.Info().
		Str("ticker_id", t.id.String()).
		Dur("interval", t.config.Interval).
		Dur("slack", t.config.Slack).
		Msg("race ticker started")
	return nil
}

func (t *Ticker) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return fmt.Errorf("race ticker not running")
	}
	t.running = false
	close(t.stopChan)
	t.mu.Unlock()

	t.wg.Wait()
	log.Info().Str("ticker_id", t.id.String()).Msg("race ticker stopped")
	return nil
}

func (t *Ticker) run(ctx context.Context, stop <-chan struct{}) {
	defer t.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := t.clock.NewTicker(t.config.Interval)
	defer ticker.Stop()

	var ticks sync.WaitGroup
	defer ticks.Wait()

	fire := func() {
		ticks.Add(1)
		go func() {
			defer ticks.Done()
			if _, err := t.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("ticker_id", t.id.String()).Msg("race tick failed")
			}
		}()
	}

	fire()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fire()
		}
	}
}

// Tick handles the current round once. It may wait up to one window for a
// deadline. A tick that finds another one in progress returns ActionBusy.
func (t *Ticker) Tick(ctx context.Context) (Action, error) {
	if !t.tick.TryLock() {
		log.Debug().Str("ticker_id", t.id.String()).Msg("previous race tick still running")
		return ActionBusy, nil
	}
	defer t.tick.Unlock()

	round, ok, err := t.app.CurrentRound(ctx)
	if err != nil || !ok {
		return ActionNone, err
	}
	if err := t.app.AnnounceRound(ctx, round.ID); err != nil {
		return ActionNone, fmt.Errorf("failed to announce round %d: %w", round.ID, err)
	}
	if !round.Ready || round.Started == nil || round.Ended != nil {
		return ActionNone, nil
	}

	status, err := t.app.RoundStatus(ctx, round.ID)
	if err != nil {
		return ActionNone, err
	}

	window := t.config.Window()
	untilOpen := func(s race.RoundStatus) time.Duration { return s.Round.PitlaneOpenAfter - s.Elapsed }
	untilEnd := func(s race.RoundStatus) time.Duration { return s.Remaining }
	untilClose := func(s race.RoundStatus) time.Duration { return s.Remaining - s.Round.PitlaneCloseBefore }

	switch {
	case status.Elapsed < round.PitlaneOpenAfter:
		if untilOpen(status) > window {
			return ActionNone, nil
		}
		if ok, err := t.waitFor(ctx, round.ID, untilOpen); !ok || err != nil {
			return ActionAbandoned, err
		}
		log.Info().Int64("round_id", round.ID).Msg("opening pit lane")
		return ActionOpenPitLane, t.app.OpenPitLane(ctx, round.ID)

	case untilEnd(status) <= window:
		if ok, err := t.waitFor(ctx, round.ID, untilEnd); !ok || err != nil {
			return ActionAbandoned, err
		}
		log.Info().Int64("round_id", round.ID).Msg("race time is up")
		directives, err := t.app.EndRace(ctx, round.ID)
		if err != nil {
			return ActionEndRace, err
		}
		for _, d := range directives {
			log.Info().
				Int64("round_id", round.ID).
				Int("team_number", d.TeamNumber).
				Str("kind", string(d.Kind)).
				Msg(d.Message)
		}
		return ActionEndRace, nil

	case untilClose(status) <= window:
		if ok, err := t.waitFor(ctx, round.ID, untilClose); !ok || err != nil {
			return ActionAbandoned, err
		}
		log.Info().Int64("round_id", round.ID).Msg("closing pit lane")
		return ActionClosePitLane, t.app.ClosePitLane(ctx, round.ID)
	}
	return ActionNone, nil
}

// waitFor sleeps until remaining reports the deadline has passed. The round
// is re-read after every sleep; a pause, an end or a deadline moved beyond
// the window abandons the wait.
func (t *Ticker) waitFor(ctx context.Context, roundID int64, remaining func(race.RoundStatus) time.Duration) (bool, error) {
	for {
		status, err := t.app.RoundStatus(ctx, roundID)
		if err != nil {
			return false, err
		}
		if !status.Round.Running() || status.IsPaused {
			log.Info().Int64("round_id", roundID).Msg("round no longer running, deadline abandoned")
			return false, nil
		}
		d := remaining(status)
		if d <= 0 {
			return true, nil
		}
		if d > t.config.Window() {
			return false, nil
		}

		timer := t.clock.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.Chan():
		}
	}
}
