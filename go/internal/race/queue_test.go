package race

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/events/eventstest"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
	"github.com/frawau/gokartrace-sub000/go/internal/store/storetest"
)

func TestSimpleSwap(t *testing.T) {
	h := started(t)
	h.at(10 * time.Minute)

	res, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err)
	assert.Equal(t, RegisterResultRegistered, res)
	assert.Equal(t, []string{"A2", ""}, h.laneDrivers(t))
	h.checkInvariants(t)

	lane := h.events.OfType(events.TypeLaneUpdate)
	require.Len(t, lane, 1)
	assert.Equal(t, events.LaneTopic(1), lane[0].Topic)
	assert.Equal(t, &events.LaneDriver{
		TeamMemberID: h.MemberID(t, "A2"),
		Nickname:     "A2",
		TeamNumber:   7,
		TeamName:     "Alpha",
	}, eventstest.Decode[events.LaneUpdatePayload](t, lane[0]).Driver)
	assert.Len(t, h.events.OfType(events.TypeRCLaneUpdate), 1)

	h.events.Reset()
	h.at(11 * time.Minute)
	swap, err := h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.NoError(t, err)
	assert.Equal(t, 7, swap.TeamNumber)
	assert.Equal(t, h.MemberID(t, "A1"), swap.Ended.TeamMemberID)
	assert.Equal(t, h.MemberID(t, "A2"), swap.Started.TeamMemberID)

	assert.Equal(t, []string{"B1", "A2"}, h.driving(t))
	assert.Empty(t, h.queued(t))
	assert.Equal(t, []string{"", ""}, h.laneDrivers(t))
	h.checkInvariants(t)

	changes := h.events.OfType(events.TypeChangeDriverUpdate)
	require.Len(t, changes, 1)
	assert.Equal(t, events.ChangeDriverUpdatePayload{
		RoundID:     h.Round.ID,
		TeamNumber:  7,
		EndedID:     h.MemberID(t, "A1"),
		StartedID:   h.MemberID(t, "A2"),
		QueueLength: 0,
	}, eventstest.Decode[events.ChangeDriverUpdatePayload](t, changes[0]))
}

func TestCancellationRefusedAtTheFront(t *testing.T) {
	h := started(t, func(r *models.Round) { r.ChangeLanes = 1 })
	h.at(10 * time.Minute)

	_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err)
	h.at(10*time.Minute + time.Second)
	_, err = h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, h.laneDrivers(t))

	_, err = h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.ErrorIs(t, err, ErrDueInPitLane)
	assert.Equal(t, []string{"A2", "A3"}, h.queued(t))

	res, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A3"))
	require.NoError(t, err)
	assert.Equal(t, RegisterResultRemoved, res)
	assert.Equal(t, []string{"A2"}, h.queued(t))
	h.checkInvariants(t)
}

func TestRegisterTogglesBeforeTheStart(t *testing.T) {
	h := newHarness(t, storetest.DefaultRound(t0), alpha, bravo)
	id := h.MemberID(t, "A1")

	res, err := h.app.DriverRegister(h.ctx, h.Round.ID, id)
	require.NoError(t, err)
	assert.Equal(t, RegisterResultRegistered, res)

	res, err = h.app.DriverRegister(h.ctx, h.Round.ID, id)
	require.NoError(t, err)
	assert.Equal(t, RegisterResultRemoved, res)
	assert.Empty(t, h.queued(t))

	statuses := []string{}
	for _, ev := range h.events.OfType(events.TypeSessionUpdate) {
		statuses = append(statuses, eventstest.Decode[events.SessionUpdatePayload](t, ev).DriverStatus)
	}
	assert.Equal(t, []string{events.DriverStatusRegister, events.DriverStatusReset}, statuses)
}

func TestDriverRegisterErrors(t *testing.T) {
	tests := []struct {
		name string
		at   time.Duration
		nick string
		want error
	}{
		{"pit lane not open yet", 4 * time.Minute, "A2", ErrPitLaneClosed},
		{"pit lane closed", 116 * time.Minute, "A2", ErrPitLaneClosed},
		{"manager", 10 * time.Minute, "AM", ErrNotADriver},
		{"on track", 10 * time.Minute, "A1", ErrAlreadyDriving},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := started(t)
			h.at(tt.at)
			_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, tt.nick))
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, h.queued(t))
			assert.Empty(t, h.events.Events())
		})
	}

	t.Run("member of another round", func(t *testing.T) {
		h := started(t)
		h.at(10 * time.Minute)
		_, err := h.app.DriverRegister(h.ctx, h.Round.ID, 9999)
		assert.ErrorIs(t, err, ErrWrongRound)
	})
}

func TestPitLaneBoundaries(t *testing.T) {
	h := started(t)

	h.at(5 * time.Minute)
	_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err, "open at exactly pitlane_open_after")

	h.at(115 * time.Minute)
	_, err = h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "B2"))
	require.NoError(t, err, "open at exactly duration - pitlane_close_before")

	h.at(115*time.Minute + time.Second)
	_, err = h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A3"))
	require.ErrorIs(t, err, ErrPitLaneClosed)
}

func TestEndSessionWithoutSuccessorChangesNothing(t *testing.T) {
	h := started(t)
	h.at(10 * time.Minute)
	_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "B2"))
	require.NoError(t, err)
	h.events.Reset()

	before := h.Sessions(t, store.SessionQuery{})
	lanes := h.Lanes(t)

	h.at(20 * time.Minute)
	_, err = h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.ErrorIs(t, err, ErrNoSuccessor)

	if diff := cmp.Diff(before, h.Sessions(t, store.SessionQuery{})); diff != "" {
		t.Errorf("sessions changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, lanes, h.Lanes(t))
	assert.Empty(t, h.events.Events())
}

func TestEndSessionErrors(t *testing.T) {
	h := started(t)
	h.at(10 * time.Minute)

	_, err := h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The in-memory store does not guard against two open stints of one
	// driver; the swap refuses to pick one.
	require.NoError(t, h.Store.Update(h.ctx, h.Round.ID, func(tx store.Tx) error {
		for _, at := range []time.Time{t0, t0.Add(time.Minute)} {
			s := models.Session{RoundID: h.Round.ID, TeamMemberID: h.MemberID(t, "B2"), Registered: &at, Start: &at}
			if err := tx.InsertSession(h.ctx, &s); err != nil {
				return err
			}
		}
		return nil
	}))
	_, err = h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "B2"))
	assert.ErrorIs(t, err, ErrMultipleSessions)
}

func TestLaneAdvancesToNextCandidate(t *testing.T) {
	h := started(t)
	for i, nick := range []string{"A2", "B2", "A3"} {
		h.at(10*time.Minute + time.Duration(i)*time.Second)
		_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, nick))
		require.NoError(t, err)
		h.checkInvariants(t)
	}
	assert.Equal(t, []string{"A2", "B2"}, h.laneDrivers(t))

	h.at(12 * time.Minute)
	_, err := h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A3", "B2"}, h.laneDrivers(t), "A3 takes the lane A2 left")
	h.checkInvariants(t)

	queue, err := h.app.Queue(h.ctx, h.Round.ID)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, QueueEntry{
		Position:     1,
		SessionID:    queue[0].SessionID,
		TeamMemberID: h.MemberID(t, "B2"),
		Nickname:     "B2",
		TeamNumber:   12,
		TeamName:     "Bravo",
		Registered:   t0.Add(10*time.Minute + time.Second),
		Called:       true,
		Lane:         2,
	}, queue[0])
	assert.Equal(t, 1, queue[1].Lane)

	lanes, err := h.app.Lanes(h.ctx, h.Round.ID)
	require.NoError(t, err)
	require.Len(t, lanes, 2)
	assert.Equal(t, "A3", lanes[0].Driver.Nickname)
}

func TestLaneClosesAfterPitLaneWindow(t *testing.T) {
	h := started(t)
	h.at(100 * time.Minute)
	_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err)
	require.NoError(t, h.app.OpenPitLane(h.ctx, h.Round.ID))
	assert.Equal(t, []string{"A2", ""}, h.laneDrivers(t))

	h.at(116 * time.Minute)
	require.NoError(t, h.app.ClosePitLane(h.ctx, h.Round.ID))
	lanes := h.Lanes(t)
	assert.True(t, lanes[0].Open, "lane with a driver stays open")
	assert.False(t, lanes[1].Open)

	_, err = h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.NoError(t, err)
	lanes = h.Lanes(t)
	assert.Nil(t, lanes[0].TeamMemberID)
	assert.False(t, lanes[0].Open)
	h.checkInvariants(t)
}

func TestTeamStatus(t *testing.T) {
	h := started(t)
	h.at(10 * time.Minute)
	_, err := h.app.DriverRegister(h.ctx, h.Round.ID, h.MemberID(t, "A2"))
	require.NoError(t, err)
	h.at(30 * time.Minute)
	_, err = h.app.DriverEndSession(h.ctx, h.Round.ID, h.MemberID(t, "A1"))
	require.NoError(t, err)
	h.at(40 * time.Minute)

	teams, err := h.app.TeamStatus(h.ctx, h.Round.ID)
	require.NoError(t, err)
	require.Len(t, teams, 2)

	assert.Equal(t, 7, teams[0].Number)
	assert.Equal(t, 1, teams[0].Changes)
	require.NotNil(t, teams[0].Driving)
	assert.Equal(t, "A2", teams[0].Driving.Nickname)
	assert.Equal(t, 10*time.Minute, teams[0].Driving.Stint)

	assert.Equal(t, 12, teams[1].Number)
	assert.Equal(t, 0, teams[1].Changes)
	assert.Equal(t, 40*time.Minute, teams[1].Driving.TimeSpent)
}

func TestConcurrentRegistrationsKeepInvariants(t *testing.T) {
	h := started(t, func(r *models.Round) { r.ChangeLanes = 3 })
	h.at(10 * time.Minute)

	nicks := []string{"A2", "A3", "B2"}
	errs := make(chan error, len(nicks))
	for _, nick := range nicks {
		id := h.MemberID(t, nick)
		go func() {
			_, err := h.app.DriverRegister(h.ctx, h.Round.ID, id)
			errs <- err
		}()
	}
	for range nicks {
		require.NoError(t, <-errs)
	}
	assert.ElementsMatch(t, nicks, h.queued(t))
	assert.ElementsMatch(t, nicks, h.laneDrivers(t))
	h.checkInvariants(t)
}
