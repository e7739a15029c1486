package station

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/stopandgo"
)

type fakeDisplay struct {
	mu      sync.Mutex
	screens []Screen
}

func (d *fakeDisplay) Show(s Screen) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screens = append(d.screens, s)
	return nil
}

func (d *fakeDisplay) last() Screen {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screens[len(d.screens)-1]
}

type fakeRelay struct {
	mu sync.Mutex
	on bool
}

func (r *fakeRelay) On() error  { r.set(true); return nil }
func (r *fakeRelay) Off() error { r.set(false); return nil }

func (r *fakeRelay) set(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.on = on
}

func (r *fakeRelay) energised() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

type fakeSender struct {
	mu   sync.Mutex
	sent []stopandgo.Message
}

func (s *fakeSender) Send(msg stopandgo.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) messages() []stopandgo.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stopandgo.Message(nil), s.sent...)
}

func (s *fakeSender) count(r stopandgo.Response) int {
	n := 0
	for _, m := range s.messages() {
		if m.Response == r {
			n++
		}
	}
	return n
}

type harness struct {
	station *Station
	clock   *clockwork.FakeClock
	display *fakeDisplay
	relay   *fakeRelay
	sender  *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clockwork.NewFakeClock(),
		display: &fakeDisplay{},
		relay:   &fakeRelay{},
		sender:  &fakeSender{},
	}
	h.station = New(h.clock, h.display, h.relay, DefaultConfig())
	h.station.SetSender(h.sender)
	h.station.SetConnected(true)
	t.Cleanup(h.station.Close)
	return h
}

func (h *harness) state() State {
	return h.station.Status().State
}

// tick advances one countdown step and waits for the station to show it.
func (h *harness) tick(t *testing.T, remaining int) {
	t.Helper()
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.station.Status().Remaining == remaining },
		time.Second, time.Millisecond, "countdown did not reach %d", remaining)
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state() == state },
		time.Second, time.Millisecond, "station did not reach %s", state)
}

func (h *harness) blockUntil(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
}

func TestBreachPath(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "Race Mode", h.display.last().Text)

	h.station.HandleMessage(stopandgo.PenaltyRequired(5, 5, 1))
	assert.Equal(t, StateWaitCountdown, h.state())
	assert.Equal(t, Screen{Text: "5", Background: Orange, Foreground: Black, Large: true}, h.display.last())
	assert.True(t, h.relay.energised())

	h.station.FenceChanged(true)
	assert.Equal(t, StateBreached, h.state())
	assert.Equal(t, Screen{Text: "5", Background: Red, Foreground: Yellow, Large: true}, h.display.last())

	h.station.ButtonPressed()
	assert.True(t, h.station.Status().Counting)
	assert.False(t, h.relay.energised())
	for _, n := range []int{4, 3, 2, 1, 0} {
		h.tick(t, n)
		assert.Equal(t, Red, h.display.last().Background)
	}
	assert.Equal(t, StateBreached, h.state())
	assert.False(t, h.station.Status().Counting)
	assert.Equal(t, Screen{Text: "0", Background: Red, Foreground: Yellow}, h.display.last())
	assert.Zero(t, h.sender.count(stopandgo.ResponsePenaltyServed))

	h.station.ButtonPressed()
	assert.False(t, h.station.Status().Counting, "the fence is still breached")

	h.station.FenceChanged(false)
	assert.Equal(t, StateBreached, h.state())
	h.station.ButtonPressed()
	assert.Equal(t, StateCountdown, h.state())
	assert.Equal(t, Screen{Text: "5", Background: Orange, Foreground: Black}, h.display.last())

	for _, n := range []int{4, 3, 2, 1} {
		h.tick(t, n)
	}
	h.clock.Advance(time.Second)
	h.waitState(t, StateGreen)
	assert.Equal(t, Green, h.display.last().Background)
	assert.Equal(t, []stopandgo.Message{stopandgo.PenaltyServed(5)}, h.sender.messages())

	// The report repeats until acknowledged.
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return h.sender.count(stopandgo.ResponsePenaltyServed) == 2 }, time.Second, time.Millisecond)

	h.station.HandleMessage(stopandgo.PenaltyAcknowledged(5))
	assert.Equal(t, StateIdle, h.state())
	assert.Equal(t, "Race Mode", h.display.last().Text)

	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, h.sender.count(stopandgo.ResponsePenaltyServed))
}

func TestGreenTimeout(t *testing.T) {
	h := newHarness(t)
	h.station.HandleMessage(stopandgo.PenaltyRequired(9, 1, 1))
	h.station.ButtonPressed()
	h.clock.Advance(time.Second)
	h.waitState(t, StateGreen)

	h.blockUntil(t, 2)
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return h.sender.count(stopandgo.ResponsePenaltyServed) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateGreen, h.state())

	h.blockUntil(t, 2)
	h.clock.Advance(5 * time.Second)
	h.waitState(t, StateIdle)
	require.Eventually(t, func() bool { return h.sender.count(stopandgo.ResponsePenaltyServed) == 3 }, time.Second, time.Millisecond)

	h.station.HandleMessage(stopandgo.PenaltyAcknowledged(8))
	h.blockUntil(t, 1)
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return h.sender.count(stopandgo.ResponsePenaltyServed) == 4 }, time.Second, time.Millisecond)

	h.station.HandleMessage(stopandgo.PenaltyAcknowledged(9))
	h.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 4, h.sender.count(stopandgo.ResponsePenaltyServed))
}

func TestBreachDuringCountdownKeepsCounting(t *testing.T) {
	h := newHarness(t)
	h.station.HandleMessage(stopandgo.PenaltyRequired(3, 3, 1))
	h.station.ButtonPressed()
	h.tick(t, 2)

	h.station.FenceChanged(true)
	assert.Equal(t, StateBreached, h.state())
	assert.Equal(t, Screen{Text: "2", Background: Red, Foreground: Yellow}, h.display.last())

	h.tick(t, 1)
	h.tick(t, 0)
	assert.Equal(t, StateBreached, h.state())
	assert.Zero(t, h.sender.count(stopandgo.ResponsePenaltyServed))
}

func TestTransientDisplays(t *testing.T) {
	tests := []struct {
		name   string
		act    func(s *Station)
		state  State
		screen Color
	}{
		{name: "button", act: func(s *Station) { s.ButtonPressed() }, state: StateButtonPressed, screen: Blue},
		{name: "fence", act: func(s *Station) { s.FenceChanged(true) }, state: StateFenceBreach, screen: Red},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.act(h.station)
			assert.Equal(t, tt.state, h.state())
			assert.Equal(t, tt.screen, h.display.last().Background)

			h.clock.Advance(2 * time.Second)
			assert.Equal(t, tt.state, h.state())
			h.clock.Advance(time.Second)
			h.waitState(t, StateIdle)
			assert.Equal(t, "Race Mode", h.display.last().Text)
		})
	}
}

func TestFenceDisabled(t *testing.T) {
	h := newHarness(t)
	h.station.HandleMessage(stopandgo.SetFence(false))
	assert.Equal(t, []stopandgo.Message{stopandgo.FenceStatus(false)}, h.sender.messages())

	h.station.FenceChanged(true)
	assert.Equal(t, StateIdle, h.state())

	h.station.HandleMessage(stopandgo.PenaltyRequired(4, 5, 1))
	assert.Equal(t, StateWaitCountdown, h.state(), "a breached fence is ignored while disabled")

	h.station.HandleMessage(stopandgo.GetFenceStatus())
	assert.Equal(t, stopandgo.FenceStatus(false), h.sender.messages()[1])
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		msg   stopandgo.Message
		want  State
	}{
		{
			name:  "reset during countdown",
			setup: func(h *harness) { h.station.ButtonPressed() },
			msg:   stopandgo.Reset(),
			want:  StateIdle,
		},
		{
			name: "force complete while waiting",
			msg:  stopandgo.ForceComplete(),
			want: StateGreen,
		},
		{
			name: "same penalty again",
			setup: func(h *harness) {
				h.station.ButtonPressed()
			},
			msg:  stopandgo.PenaltyRequired(4, 5, 1),
			want: StateCountdown,
		},
		{
			name: "next penalty replaces the current one",
			setup: func(h *harness) {
				h.station.ButtonPressed()
			},
			msg:  stopandgo.PenaltyRequired(6, 5, 2),
			want: StateWaitCountdown,
		},
		{
			name: "ack for another team",
			msg:  stopandgo.PenaltyAcknowledged(6),
			want: StateWaitCountdown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.station.HandleMessage(stopandgo.PenaltyRequired(4, 5, 1))
			if tt.setup != nil {
				tt.setup(h)
			}
			h.station.HandleMessage(tt.msg)
			assert.Equal(t, tt.want, h.state())
		})
	}
}

func TestDisconnectedIdleScreen(t *testing.T) {
	h := newHarness(t)
	h.station.SetConnected(false)
	assert.Equal(t, "Connecting", h.display.last().Text)
	assert.False(t, h.station.Status().Connected)
}

func TestRenderCostShortensSteps(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.RenderCost = 100 * time.Millisecond
	s := New(h.clock, h.display, h.relay, cfg)
	t.Cleanup(s.Close)

	s.HandleMessage(stopandgo.PenaltyRequired(2, 3, 1))
	s.ButtonPressed()
	h.clock.Advance(900 * time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Remaining == 2 }, time.Second, time.Millisecond)
}
