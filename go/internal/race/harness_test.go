package race

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/events/eventstest"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/store"
	"github.com/frawau/gokartrace-sub000/go/internal/store/memstore"
	"github.com/frawau/gokartrace-sub000/go/internal/store/storetest"
)

var t0 = time.Date(2026, 5, 9, 10, 0, 0, 0, time.UTC)

type harness struct {
	*storetest.Fixture
	app    *App
	clock  *clockwork.FakeClock
	events *eventstest.Recorder
	ctx    context.Context
}

var (
	alpha = storetest.TeamSpec{Number: 7, Name: "Alpha", Drivers: []string{"A1", "A2", "A3"}, Manager: "AM"}
	bravo = storetest.TeamSpec{Number: 12, Name: "Bravo", Drivers: []string{"B1", "B2"}}
)

func newHarness(t *testing.T, round models.Round, teams ...storetest.TeamSpec) *harness {
	t.Helper()
	rec := &eventstest.Recorder{}
	st := memstore.New(rec)
	clock := clockwork.NewFakeClockAt(t0.Add(-10 * time.Minute))
	return &harness{
		Fixture: storetest.Seed(t, st, round, teams...),
		app:     NewApp(st, clock),
		clock:   clock,
		events:  rec,
		ctx:     context.Background(),
	}
}

// started returns a running race where A1 and B1 started at t0.
func started(t *testing.T, mutate ...func(*models.Round)) *harness {
	t.Helper()
	round := storetest.DefaultRound(t0)
	for _, m := range mutate {
		m(&round)
	}
	h := newHarness(t, round, alpha, bravo)
	h.Register(t, "A1", t0.Add(-30*time.Minute))
	h.Register(t, "B1", t0.Add(-29*time.Minute))
	require.NoError(t, h.app.PreRaceCheck(h.ctx, h.Round.ID))
	storetest.SetClock(h.clock, t0)
	require.NoError(t, h.app.StartRace(h.ctx, h.Round.ID))
	h.events.Reset()
	return h
}

// at moves the clock to t0+d.
func (h *harness) at(d time.Duration) {
	storetest.SetClock(h.clock, t0.Add(d))
}

func (h *harness) driving(t *testing.T) []string {
	t.Helper()
	return h.nicks(t, h.Sessions(t, store.SessionQuery{States: []models.SessionState{models.SessionStateDriving}}))
}

func (h *harness) queued(t *testing.T) []string {
	t.Helper()
	return h.nicks(t, h.Sessions(t, store.SessionQuery{States: []models.SessionState{models.SessionStateRegistered}}))
}

func (h *harness) nicks(t *testing.T, sessions []models.Session) []string {
	t.Helper()
	byID := make(map[int64]string, len(h.Members))
	for nick, m := range h.Members {
		byID[m.ID] = nick
	}
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, byID[s.TeamMemberID])
	}
	return out
}

// laneDrivers returns the nickname per lane, "" for an empty lane.
func (h *harness) laneDrivers(t *testing.T) []string {
	t.Helper()
	byID := make(map[int64]string, len(h.Members))
	for nick, m := range h.Members {
		byID[m.ID] = nick
	}
	var out []string
	for _, l := range h.Lanes(t) {
		if l.TeamMemberID == nil {
			out = append(out, "")
			continue
		}
		out = append(out, byID[*l.TeamMemberID])
	}
	return out
}

// checkInvariants verifies the driver and lane rules that hold after every
// operation on a running round.
func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	round := h.ReloadRound(t)

	perTeam := map[int64]int{}
	for _, s := range h.Sessions(t, store.SessionQuery{States: []models.SessionState{models.SessionStateDriving}}) {
		perTeam[h.memberTeam(s.TeamMemberID)]++
	}
	for team, n := range perTeam {
		require.LessOrEqual(t, n, 1, "team %d has %d drivers on track", team, n)
	}

	seen := map[int64]bool{}
	for _, l := range h.Lanes(t) {
		if l.TeamMemberID == nil {
			continue
		}
		require.False(t, seen[*l.TeamMemberID], "driver %d holds two lanes", *l.TeamMemberID)
		seen[*l.TeamMemberID] = true
	}

	if round.Running() {
		status, err := h.app.RoundStatus(h.ctx, round.ID)
		require.NoError(t, err)
		if status.PitLaneOpen {
			queue := h.Sessions(t, store.SessionQuery{States: []models.SessionState{models.SessionStateRegistered}})
			want := map[int64]bool{}
			for _, s := range queue[:min(round.ChangeLanes, len(queue))] {
				want[s.TeamMemberID] = true
			}
			require.Equal(t, want, seen, "lanes do not mirror the head of the queue")
		}
	}
}

func (h *harness) memberTeam(memberID int64) int64 {
	for _, m := range h.Members {
		if m.ID == memberID {
			return m.RoundTeamID
		}
	}
	return 0
}
