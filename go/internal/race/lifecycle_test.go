package race

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/events/eventstest"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/racetime"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
	"github.com/frawau/gokartrace-sub000/go/internal/store/storetest"
)

func TestPreRaceCheckReportsEveryProblem(t *testing.T) {
	light := alpha
	light.Weights = map[string]decimal.Decimal{"A3": decimal.Zero}
	h := newHarness(t, storetest.DefaultRound(t0), light, bravo)
	h.Register(t, "B1", t0.Add(-30*time.Minute))
	h.Register(t, "B2", t0.Add(-29*time.Minute))

	err := h.app.PreRaceCheck(h.ctx, h.Round.ID)

	var failed *PreRaceCheckError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, []string{
		"Driver A3 in team Alpha has a weight of 0.",
		"Team Alpha has 0 registered to start. Expected 1.",
		"Team Bravo has 2 registered to start. Expected 1.",
	}, failed.Errors)
	assert.False(t, h.ReloadRound(t).Ready)
	assert.Empty(t, h.Lanes(t))
	assert.Empty(t, h.events.Events())
}

func TestPreRaceCheckIsIdempotent(t *testing.T) {
	h := newHarness(t, storetest.DefaultRound(t0), alpha, bravo)
	h.Register(t, "A1", t0.Add(-30*time.Minute))
	h.Register(t, "B1", t0.Add(-29*time.Minute))

	require.NoError(t, h.app.PreRaceCheck(h.ctx, h.Round.ID))
	lanes := h.Lanes(t)
	require.Len(t, lanes, 2)
	for i, l := range lanes {
		assert.Equal(t, i+1, l.Lane)
		assert.False(t, l.Open)
		assert.Nil(t, l.TeamMemberID)
	}
	assert.True(t, h.ReloadRound(t).Ready)

	h.events.Reset()
	require.NoError(t, h.app.PreRaceCheck(h.ctx, h.Round.ID))
	assert.Equal(t, lanes, h.Lanes(t))
	assert.Empty(t, h.events.Events())
}

func TestStartRace(t *testing.T) {
	h := newHarness(t, storetest.DefaultRound(t0), alpha, bravo)
	require.ErrorIs(t, h.app.StartRace(h.ctx, h.Round.ID), ErrInvalidTransition, "not ready")

	h.Register(t, "A1", t0.Add(-30*time.Minute))
	h.Register(t, "B1", t0.Add(-29*time.Minute))
	require.NoError(t, h.app.PreRaceCheck(h.ctx, h.Round.ID))

	// Registering after the check queues A2 behind the starter.
	res, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err)
	assert.Equal(t, RegisterResultRegistered, res)

	storetest.SetClock(h.clock, t0)
	require.NoError(t, h.app.StartRace(h.ctx, h.Round.ID))

	round := h.ReloadRound(t)
	require.NotNil(t, round.Started)
	assert.Equal(t, t0, *round.Started)
	assert.Equal(t, []string{"A1", "B1"}, h.driving(t))
	assert.Equal(t, []string{"A2"}, h.queued(t))
	assert.Equal(t, []string{"", ""}, h.laneDrivers(t), "pit lane is not open at the start")
	h.checkInvariants(t)

	require.ErrorIs(t, h.app.StartRace(h.ctx, h.Round.ID), ErrInvalidTransition, "already started")
}

func TestPauseAndRestart(t *testing.T) {
	h := started(t)

	h.at(10 * time.Minute)
	require.NoError(t, h.app.PauseRace(h.ctx, h.Round.ID))
	h.at(11 * time.Minute)
	require.NoError(t, h.app.PauseRace(h.ctx, h.Round.ID), "pausing twice is a no-op")

	status, err := h.app.RoundStatus(h.ctx, h.Round.ID)
	require.NoError(t, err)
	assert.True(t, status.IsPaused)
	assert.Equal(t, 10*time.Minute, status.Elapsed)

	h.at(15 * time.Minute)
	require.NoError(t, h.app.RestartRace(h.ctx, h.Round.ID))
	require.NoError(t, h.app.RestartRace(h.ctx, h.Round.ID), "restarting twice is a no-op")

	h.at(20 * time.Minute)
	status, err = h.app.RoundStatus(h.ctx, h.Round.ID)
	require.NoError(t, err)
	assert.False(t, status.IsPaused)
	assert.Equal(t, 15*time.Minute, status.Elapsed)
	assert.Equal(t, 2*time.Hour-15*time.Minute, status.Remaining)

	pauses := h.pauses(t)
	require.Len(t, pauses, 1)
	assert.Equal(t, t0.Add(10*time.Minute), pauses[0].Start)
	assert.Equal(t, t0.Add(15*time.Minute), *pauses[0].End)

	updates := h.events.OfType(events.TypePauseUpdate)
	require.Len(t, updates, 2)
	assert.True(t, eventstest.Decode[events.PauseUpdatePayload](t, updates[0]).IsPaused)
	last := eventstest.Decode[events.PauseUpdatePayload](t, updates[1])
	assert.False(t, last.IsPaused)
	assert.Equal(t, int64((2*time.Hour-10*time.Minute)/time.Second), last.RemainingSeconds)
}

func TestFalseRestartReopensLastPause(t *testing.T) {
	h := started(t)
	require.NoError(t, h.app.FalseRestart(h.ctx, h.Round.ID), "never paused")
	assert.Empty(t, h.pauses(t))

	h.at(10 * time.Minute)
	require.NoError(t, h.app.PauseRace(h.ctx, h.Round.ID))
	h.at(12 * time.Minute)
	require.NoError(t, h.app.RestartRace(h.ctx, h.Round.ID))
	h.at(20 * time.Minute)
	require.NoError(t, h.app.PauseRace(h.ctx, h.Round.ID))
	h.at(25 * time.Minute)
	require.NoError(t, h.app.RestartRace(h.ctx, h.Round.ID))

	h.at(26 * time.Minute)
	require.NoError(t, h.app.FalseRestart(h.ctx, h.Round.ID))
	pauses := h.pauses(t)
	require.Len(t, pauses, 2)
	assert.NotNil(t, pauses[0].End)
	assert.Nil(t, pauses[1].End, "the last pause is open again")

	require.NoError(t, h.app.FalseRestart(h.ctx, h.Round.ID), "no-op while paused")
	assert.Equal(t, pauses, h.pauses(t))

	status, err := h.app.RoundStatus(h.ctx, h.Round.ID)
	require.NoError(t, err)
	assert.True(t, status.IsPaused)
	assert.Equal(t, 18*time.Minute, status.Elapsed)
}

func TestTransitionsRequireRunningRound(t *testing.T) {
	h := newHarness(t, storetest.DefaultRound(t0), alpha, bravo)
	ops := map[string]func() error{
		"pause":         func() error { return h.app.PauseRace(h.ctx, h.Round.ID) },
		"restart":       func() error { return h.app.RestartRace(h.ctx, h.Round.ID) },
		"false start":   func() error { return h.app.FalseStart(h.ctx, h.Round.ID) },
		"false restart": func() error { return h.app.FalseRestart(h.ctx, h.Round.ID) },
		"end": func() error {
			_, err := h.app.EndRace(h.ctx, h.Round.ID)
			return err
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), ErrInvalidTransition)
		})
	}
}

func TestFalseStartReturnsToReady(t *testing.T) {
	h := started(t)

	h.at(10 * time.Minute)
	_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err)
	_, err = h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "B2"))
	require.NoError(t, err)
	_, err = h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.NoError(t, err)
	require.NoError(t, h.app.PauseRace(h.ctx, h.Round.ID))

	h.at(12 * time.Minute)
	require.NoError(t, h.app.FalseStart(h.ctx, h.Round.ID))

	round := h.ReloadRound(t)
	assert.True(t, round.Ready)
	assert.Nil(t, round.Started)
	assert.Empty(t, h.driving(t))
	assert.Equal(t, []string{"B1", "A2"}, h.queued(t), "one starter per team")
	assert.Empty(t, h.pauses(t))
	for _, l := range h.Lanes(t) {
		assert.False(t, l.Open)
		assert.Nil(t, l.TeamMemberID)
	}
	assert.Empty(t, h.Sessions(t, store.SessionQuery{States: []models.SessionState{models.SessionStateFinished}}))

	h.at(20 * time.Minute)
	require.NoError(t, h.app.StartRace(h.ctx, h.Round.ID))
	assert.Equal(t, []string{"B1", "A2"}, h.driving(t))
	h.checkInvariants(t)
}

func TestEndRace(t *testing.T) {
	h := started(t)

	// A second round of the championship keeps its lanes.
	other := storetest.DefaultRound(t0.Add(24 * time.Hour))
	other.Name = "Round 2"
	other.ChampionshipID = h.Championship.ID
	other, err := h.app.CreateRound(h.ctx, other)
	require.NoError(t, err)
	require.NoError(t, h.app.PreRaceCheck(h.ctx, other.ID))

	h.at(20 * time.Minute)
	_, err = h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err)
	_, err = h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.NoError(t, err)
	_, err = h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.NoError(t, err)

	h.at(90 * time.Minute)
	require.NoError(t, h.app.PauseRace(h.ctx, h.Round.ID))
	h.at(100 * time.Minute)
	directives, err := h.app.EndRace(h.ctx, h.Round.ID)
	require.NoError(t, err)

	round := h.ReloadRound(t)
	require.NotNil(t, round.Ended)
	assert.Equal(t, t0.Add(100*time.Minute), *round.Ended)
	assert.Empty(t, h.driving(t))
	assert.Empty(t, h.queued(t))
	assert.Empty(t, h.Lanes(t))
	for _, p := range h.pauses(t) {
		assert.NotNil(t, p.End)
	}

	var otherLanes []models.ChangeLane
	require.NoError(t, h.Store.View(h.ctx, func(r store.Reader) error {
		otherLanes, err = r.Lanes(h.ctx, other.ID)
		return err
	}))
	assert.Len(t, otherLanes, 2)

	// Bravo never changed driver.
	require.NotEmpty(t, directives)
	last := directives[len(directives)-1]
	assert.Equal(t, DirectiveRequiredChanges, last.Kind)
	assert.Equal(t, 12, last.TeamNumber)
	assert.Equal(t, 0, last.Changes)
	assert.Equal(t, 1, last.Required)

	_, err = h.app.EndRace(h.ctx, h.Round.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "B2"))
	assert.ErrorIs(t, err, ErrPitLaneClosed)
}

func TestTimeAccountingWithPause(t *testing.T) {
	h := started(t)

	h.at(600 * time.Second)
	require.NoError(t, h.app.PauseRace(h.ctx, h.Round.ID))
	h.at(900 * time.Second)
	require.NoError(t, h.app.RestartRace(h.ctx, h.Round.ID))
	h.at(1400 * time.Second)
	_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err)

	h.events.Reset()
	h.at(1500 * time.Second)
	_, err = h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.NoError(t, err)

	var ended events.SessionUpdatePayload
	for _, ev := range h.events.OfType(events.TypeSessionUpdate) {
		p := eventstest.Decode[events.SessionUpdatePayload](t, ev)
		if p.DriverStatus == events.DriverStatusEnd {
			ended = p
		}
	}
	assert.Equal(t, h.MemberID(t, "A1"), ended.DriverID)
	assert.Equal(t, int64(1200), ended.TimeSpent)
	assert.Equal(t, 1, ended.CompletedSessions)

	sessions := h.Sessions(t, store.SessionQuery{TeamMemberID: h.MemberID(t, "A1")})
	assert.Equal(t, 1200*time.Second, racetime.DrivingTime(sessions, h.pauses(t), h.clock.Now()))
}

func TestPostRaceCheck(t *testing.T) {
	tests := []struct {
		name   string
		limit  models.DriveLimit
		expect []DirectiveKind
	}{
		{
			// A1 drives 115 minutes, A2 5 and A3 never. Bravo keeps B1 out.
			name:   "no limit",
			limit:  models.DriveLimit{Policy: models.LimitPolicyNone},
			expect: []DirectiveKind{DirectiveMinDriveTime, DirectiveMinDriveTime, DirectiveMinDriveTime, DirectiveRequiredChanges},
		},
		{
			name:   "absolute",
			limit:  models.DriveLimit{Policy: models.LimitPolicyAbsolute, Value: 60},
			expect: []DirectiveKind{DirectiveMaxDriveTime, DirectiveMinDriveTime, DirectiveMinDriveTime, DirectiveMaxDriveTime, DirectiveMinDriveTime, DirectiveRequiredChanges},
		},
		{
			// Alpha may drive 2h / 3 * 1.5 = 60 minutes each, Bravo 90.
			name:   "share plus percent",
			limit:  models.DriveLimit{Policy: models.LimitPolicySharePlusPercent, Value: 50},
			expect: []DirectiveKind{DirectiveMaxDriveTime, DirectiveMinDriveTime, DirectiveMinDriveTime, DirectiveMaxDriveTime, DirectiveMinDriveTime, DirectiveRequiredChanges},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := started(t, func(r *models.Round) { r.DriveLimit = tt.limit })

			h.at(110 * time.Minute)
			_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
			require.NoError(t, err)
			h.at(115 * time.Minute)
			_, err = h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
			require.NoError(t, err)
			h.at(2 * time.Hour)
			directives, err := h.app.EndRace(h.ctx, h.Round.ID)
			require.NoError(t, err)

			kinds := make([]DirectiveKind, len(directives))
			for i, d := range directives {
				kinds[i] = d.Kind
			}
			assert.Equal(t, tt.expect, kinds)

			check, err := h.app.PostRaceCheck(h.ctx, h.Round.ID)
			require.NoError(t, err)
			assert.Equal(t, directives, check)
		})
	}
}

func (h *harness) pauses(t *testing.T) []models.RoundPause {
	t.Helper()
	var out []models.RoundPause
	require.NoError(t, h.Store.View(h.ctx, func(r store.Reader) error {
		var err error
		out, err = r.Pauses(h.ctx, h.Round.ID)
		return err
	}))
	return out
}
