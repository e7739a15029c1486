// Package station is the trackside stop and go device: a display, a relay
// holding the exit barrier, a button for the marshal and a fence sensor.
// Station is the state machine; Client connects it to race control.
package station

import (
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/stopandgo"
)

type State string

const (
	StateIdle          State = "idle"
	StateWaitCountdown State = "wait_countdown"
	StateCountdown     State = "countdown"
	StateBreached      State = "breached"
	StateGreen         State = "green"
	StateButtonPressed State = "button_pressed"
	StateFenceBreach   State = "fence_breach"
)

// Sender delivers station responses to race control.
type Sender interface {
	Send(msg stopandgo.Message) error
}

type Config struct {
	GreenTimeout     time.Duration
	TransientDisplay time.Duration
	ServedRetry      time.Duration
	// RenderCost is subtracted from every countdown step.
	RenderCost time.Duration
}

func DefaultConfig() Config {
	return Config{
		GreenTimeout:     10 * time.Second,
		TransientDisplay: 3 * time.Second,
		ServedRetry:      5 * time.Second,
	}
}

// Status is a snapshot of the station.
type Status struct {
	State        State `json:"state"`
	Team         int   `json:"team"`
	Remaining    int   `json:"remaining"`
	Counting     bool  `json:"counting"`
	FenceEnabled bool  `json:"fence_enabled"`
	Connected    bool  `json:"connected"`
}

type Station struct {
	clock   clockwork.Clock
	display Display
	relay   Relay
	config  Config

	mu        sync.Mutex
	sender    Sender
	state     State
	connected bool

	fenceEnabled  bool
	fenceBreached bool

	team      int
	duration  int
	penaltyID int64
	remaining int
	counting  bool

	// gen invalidates the countdown and state timers of a left state.
	gen        uint64
	stepTimer  clockwork.Timer
	stateTimer clockwork.Timer

	retryTeam  int
	retryGen   uint64
	retryTimer clockwork.Timer
}

func New(clock clockwork.Clock, display Display, relay Relay, config Config) *Station {
	s := &Station{
		clock:        clock,
		display:      display,
		relay:        relay,
		config:       config,
		state:        StateIdle,
		fenceEnabled: true,
	}
	s.show(idleScreen(false))
	return s
}

// SetSender installs the channel responses go to.
func (s *Station) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

func (s *Station) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.state,
		Team:         s.team,
		Remaining:    s.remaining,
		Counting:     s.counting,
		FenceEnabled: s.fenceEnabled,
		Connected:    s.connected,
	}
}

// SetConnected reports the race control channel state.
func (s *Station) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	if s.state == StateIdle {
		s.show(idleScreen(connected))
	}
}

// HandleMessage applies a command from race control.
func (s *Station) HandleMessage(msg stopandgo.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Debug().Str("command", msg.Kind()).Str("state", string(s.state)).Msg("station command")

	switch msg.Command {
	case stopandgo.CommandPenaltyRequired:
		if msg.Team <= 0 || msg.Duration <= 0 {
			log.Warn().Int("team_number", msg.Team).Int("duration", msg.Duration).Msg("ignoring invalid penalty")
			return
		}
		if s.busy() && s.penaltyID == msg.PenaltyID && s.team == msg.Team {
			return
		}
		s.arm(msg.Team, msg.Duration, msg.PenaltyID)

	case stopandgo.CommandPenaltyAcknowledged:
		if s.retryTeam == msg.Team {
			s.stopRetry()
		}
		if s.state == StateGreen && s.team == msg.Team {
			s.idle()
		}

	case stopandgo.CommandReset:
		s.stopRetry()
		s.idle()

	case stopandgo.CommandForceComplete:
		if s.busy() {
			log.Info().Int("team_number", s.team).Msg("penalty completion forced")
			s.green()
		}

	case stopandgo.CommandSetFence:
		if msg.Enabled != nil {
			s.fenceEnabled = *msg.Enabled
			log.Info().Bool("enabled", s.fenceEnabled).Msg("fence interlock changed")
		}
		s.send(stopandgo.FenceStatus(s.fenceEnabled))

	case stopandgo.CommandGetFenceStatus:
		s.send(stopandgo.FenceStatus(s.fenceEnabled))

	default:
		log.Warn().Str("message", msg.Kind()).Msg("unknown station command")
	}
}

// ButtonPressed handles the marshal's button.
func (s *Station) ButtonPressed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		s.transient(StateButtonPressed, Screen{Background: Blue})
	case StateWaitCountdown:
		s.startCountdown()
	case StateBreached:
		switch {
		case !s.fenceBreached:
			s.startCountdown()
		case !s.counting && s.remaining > 0:
			s.startBreachedCountdown()
		}
	}
}

// FenceChanged handles the fence sensor.
func (s *Station) FenceChanged(breached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fenceBreached = breached
	if !breached || !s.fenceEnabled {
		return
	}
	switch s.state {
	case StateIdle:
		s.transient(StateFenceBreach, Screen{Background: Red})
	case StateWaitCountdown:
		s.setState(StateBreached)
		s.show(teamScreen(s.team, true))
	case StateCountdown:
		// The countdown keeps running in breach colours.
		s.state = StateBreached
		s.show(digitScreen(s.remaining, true))
	}
}

// Close stops every timer.
func (s *Station) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	stopTimer(s.stepTimer)
	stopTimer(s.stateTimer)
	s.stopRetry()
}

func (s *Station) busy() bool {
	return s.state == StateWaitCountdown || s.state == StateCountdown || s.state == StateBreached
}

// setState enters a state, cancelling the timers of the previous one.
func (s *Station) setState(state State) {
	s.gen++
	stopTimer(s.stepTimer)
	stopTimer(s.stateTimer)
	s.stepTimer, s.stateTimer = nil, nil
	s.counting = false
	s.state = state
	log.Debug().Str("state", string(state)).Int("team_number", s.team).Msg("station state")
}

func (s *Station) arm(team, duration int, penaltyID int64) {
	s.stopRetry()
	s.team, s.duration, s.penaltyID = team, duration, penaltyID
	s.remaining = duration
	s.setState(StateWaitCountdown)
	s.relayOn()
	log.Info().Int("team_number", team).Int("duration", duration).Msg("penalty armed")

	if s.fenceEnabled && s.fenceBreached {
		s.setState(StateBreached)
		s.show(teamScreen(team, true))
		return
	}
	s.show(teamScreen(team, false))
}

func (s *Station) idle() {
	s.setState(StateIdle)
	s.team, s.duration, s.penaltyID, s.remaining = 0, 0, 0, 0
	s.relayOff()
	s.show(idleScreen(s.connected))
}

func (s *Station) transient(state State, screen Screen) {
	s.setState(state)
	s.show(screen)
	gen := s.gen
	s.stateTimer = s.clock.AfterFunc(s.config.TransientDisplay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.idle()
		}
	})
}

func (s *Station) startCountdown() {
	s.setState(StateCountdown)
	s.count(false)
}

func (s *Station) startBreachedCountdown() {
	s.setState(StateBreached)
	s.count(true)
}

func (s *Station) count(breached bool) {
	s.relayOff()
	s.counting = true
	s.remaining = s.duration
	s.show(digitScreen(s.remaining, breached))
	s.scheduleStep()
}

func (s *Station) step() time.Duration {
	d := time.Second - s.config.RenderCost
	if d <= 0 {
		return time.Second
	}
	return d
}

func (s *Station) scheduleStep() {
	gen := s.gen
	s.stepTimer = s.clock.AfterFunc(s.step(), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen || !s.counting {
			return
		}
		s.remaining--
		if s.remaining > 0 {
			s.show(digitScreen(s.remaining, s.state == StateBreached))
			s.scheduleStep()
			return
		}
		if s.state == StateBreached {
			s.counting = false
			s.show(digitScreen(0, true))
			log.Warn().Int("team_number", s.team).Msg("countdown ended during a fence breach")
			return
		}
		s.green()
	})
}

func (s *Station) green() {
	s.setState(StateGreen)
	s.relayOff()
	s.show(Screen{Background: Green})
	log.Info().Int("team_number", s.team).Msg("penalty served")

	s.startRetry(s.team)
	gen := s.gen
	s.stateTimer = s.clock.AfterFunc(s.config.GreenTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen && s.state == StateGreen {
			s.idle()
		}
	})
}

// startRetry reports the served penalty until race control acknowledges it.
func (s *Station) startRetry(team int) {
	s.stopRetry()
	s.retryTeam = team
	gen := s.retryGen
	var attempt func()
	attempt = func() {
		s.send(stopandgo.PenaltyServed(team))
		s.retryTimer = s.clock.AfterFunc(s.config.ServedRetry, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.retryGen == gen && s.retryTeam == team {
				attempt()
			}
		})
	}
	attempt()
}

func (s *Station) stopRetry() {
	s.retryGen++
	s.retryTeam = 0
	stopTimer(s.retryTimer)
	s.retryTimer = nil
}

func (s *Station) send(msg stopandgo.Message) {
	if s.sender == nil {
		log.Warn().Str("response", msg.Kind()).Msg("no race control channel")
		return
	}
	if err := s.sender.Send(msg); err != nil {
		log.Warn().Err(err).Str("response", msg.Kind()).Msg("failed to send to race control")
	}
}

func (s *Station) show(screen Screen) {
	if err := s.display.Show(screen); err != nil {
		log.Error().Err(err).Msg("display error")
	}
}

func (s *Station) relayOn() {
	if err := s.relay.On(); err != nil {
		log.Error().Err(err).Msg("relay on error")
	}
}

func (s *Station) relayOff() {
	if err := s.relay.Off(); err != nil {
		log.Error().Err(err).Msg("relay off error")
	}
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}

func idleScreen(connected bool) Screen {
	if connected {
		return Screen{Text: "Race Mode", Background: Black, Foreground: White}
	}
	return Screen{Text: "Connecting", Background: Black, Foreground: White}
}

func teamScreen(team int, breached bool) Screen {
	if breached {
		return Screen{Text: strconv.Itoa(team), Background: Red, Foreground: Yellow, Large: true}
	}
	return Screen{Text: strconv.Itoa(team), Background: Orange, Foreground: Black, Large: true}
}

func digitScreen(n int, breached bool) Screen {
	if breached {
		return Screen{Text: strconv.Itoa(n), Background: Red, Foreground: Yellow}
	}
	return Screen{Text: strconv.Itoa(n), Background: Orange, Foreground: Black}
}
