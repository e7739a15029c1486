package stopandgo

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
	"github.com/frawau/gokartrace-sub000/go/internal/gateway"
	"github.com/frawau/gokartrace-sub000/go/internal/models"
	"github.com/frawau/gokartrace-sub000/go/internal/penalty"
)

// StationTopic groups the station connections in the connection manager.
const StationTopic = "stopandgo.station"

// ErrNoStation is reported when a command finds no station connected.
var ErrNoStation = errors.New("no station connected")

// PenaltyApp is what the hub needs from the penalty queue.
type PenaltyApp interface {
	RestoreActive(ctx context.Context, roundID int64) (*penalty.QueueItem, error)
	ServedByStation(ctx context.Context, roundID int64, teamNumber int) (bool, error)
}

var _ PenaltyApp = (*penalty.App)(nil)

// RoundFinder resolves the round in progress.
type RoundFinder interface {
	CurrentRound(ctx context.Context) (models.Round, bool, error)
}

// Subscriber is the side of the event hub the station hub reads from.
type Subscriber interface {
	Subscribe(filter string, buffer int) *events.Subscription
}

// Hub relays penalty events to the stations as signed commands and feeds
// what the stations report back into race control.
type Hub struct {
	signer  Signer
	manager *gateway.ConnectionManager
	app     PenaltyApp
	rounds  RoundFinder
	events  Subscriber
	bus     events.Bus

	mu      sync.Mutex
	roundID int64
	armed   *Message
}

func NewHub(signer Signer, manager *gateway.ConnectionManager, app PenaltyApp, rounds RoundFinder, sub Subscriber, bus events.Bus) *Hub {
	return &Hub{
		signer:  signer,
		manager: manager,
		app:     app,
		rounds:  rounds,
		events:  sub,
		bus:     bus,
	}
}

// Restore arms the hub with the active penalty of the current round, so
// stations connecting after a restart are served.
func (h *Hub) Restore(ctx context.Context) error {
	round, ok, err := h.rounds.CurrentRound(ctx)
	if err != nil || !ok {
		return err
	}
	active, err := h.app.RestoreActive(ctx, round.ID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.roundID = round.ID
	h.armed = nil
	if active != nil {
		cmd := PenaltyRequired(active.TeamNumber, active.Value, active.RoundPenaltyID)
		h.armed = &cmd
		log.Info().Int64("round_id", round.ID).Int("team_number", active.TeamNumber).Msg("restored active penalty")
	}
	return nil
}

// Run turns stop and go events into station commands until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	sub := h.events.Subscribe(events.TopicStopAndGo, 256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			h.handleEvent(ev)
		}
	}
}

func (h *Hub) handleEvent(ev events.Event) {
	switch ev.Type {
	case events.TypePenaltyRequired:
		var p events.PenaltyRequiredPayload
		if err := ev.Decode(&p); err != nil {
			log.Error().Err(err).Msg("dropping penalty event")
			return
		}
		cmd := PenaltyRequired(p.Team, p.Duration, p.PenaltyID)
		h.mu.Lock()
		h.roundID = ev.RoundID
		h.armed = &cmd
		h.mu.Unlock()
		h.Broadcast(cmd)

	case events.TypeResetStation:
		h.mu.Lock()
		h.roundID = ev.RoundID
		h.armed = nil
		h.mu.Unlock()
		h.Broadcast(Reset())
	}
}

// Broadcast signs msg and sends it to every station.
func (h *Hub) Broadcast(msg Message) {
	data, err := h.signer.Seal(msg)
	if err != nil {
		log.Error().Err(err).Str("command", msg.Kind()).Msg("failed to seal station command")
		return
	}
	h.manager.Broadcast(StationTopic, data)
	log.Info().
		Str("command", msg.Kind()).
		Int("team_number", msg.Team).
		Int("stations", h.manager.Count(StationTopic)).
		Msg("station command sent")
}

func (h *Hub) SetFence(enabled bool) { h.Broadcast(SetFence(enabled)) }
func (h *Hub) RequestFenceStatus()   { h.Broadcast(GetFenceStatus()) }
func (h *Hub) ForceComplete()        { h.Broadcast(ForceComplete()) }

// Stations returns the number of connected stations.
func (h *Hub) Stations() int {
	return h.manager.Count(StationTopic)
}

// ServeHTTP accepts a station connection. A station connecting while a
// penalty is armed receives it at once.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.manager.UpgradeConnection(w, r, StationTopic, h.handleMessage)
	if err != nil {
		log.Error().Err(err).Msg("failed to accept station connection")
		return
	}

	h.mu.Lock()
	armed := h.armed
	h.mu.Unlock()
	if armed != nil {
		h.reply(conn, *armed)
	}
	h.reply(conn, GetFenceStatus())
}

func (h *Hub) handleMessage(conn *gateway.Connection, data []byte) {
	msg, err := h.signer.Open(data)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("dropping station message")
		return
	}
	if msg.Response == "" {
		log.Warn().Str("connection_id", conn.ID).Str("command", msg.Kind()).Msg("station sent a command")
		return
	}

	ctx := context.Background()
	switch msg.Response {
	case ResponsePenaltyServed:
		h.penaltyServed(ctx, conn, msg.Team)
	case ResponseFenceStatus:
		enabled := msg.Enabled != nil && *msg.Enabled
		h.mu.Lock()
		roundID := h.roundID
		h.mu.Unlock()
		ev, err := events.New(events.TopicStopAndGo, events.TypeFenceStatus, roundID, events.FenceStatusPayload{Enabled: enabled})
		if err == nil {
			err = h.bus.Publish(ctx, ev)
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to publish fence status")
		}
	default:
		log.Warn().Str("connection_id", conn.ID).Str("response", msg.Kind()).Msg("unknown station response")
	}
}

func (h *Hub) penaltyServed(ctx context.Context, conn *gateway.Connection, team int) {
	h.mu.Lock()
	armed := h.armed
	h.mu.Unlock()
	if armed == nil || armed.Team != team {
		// A repeat of a report already recorded, its ack lost.
		log.Info().Int("team_number", team).Msg("station repeated a served penalty")
		h.reply(conn, PenaltyAcknowledged(team))
		return
	}

	roundID, err := h.round(ctx)
	if err != nil || roundID == 0 {
		log.Warn().Err(err).Int("team_number", team).Msg("penalty served without a round in progress")
		return
	}

	served, err := h.app.ServedByStation(ctx, roundID, team)
	if err != nil {
		// No ack: the station retries.
		log.Error().Err(err).Int64("round_id", roundID).Int("team_number", team).Msg("failed to record served penalty")
		return
	}
	if served {
		h.mu.Lock()
		if h.armed == armed {
			h.armed = nil
		}
		h.mu.Unlock()
	}
	h.reply(conn, PenaltyAcknowledged(team))
}

func (h *Hub) round(ctx context.Context) (int64, error) {
	h.mu.Lock()
	roundID := h.roundID
	h.mu.Unlock()
	if roundID != 0 {
		return roundID, nil
	}
	round, ok, err := h.rounds.CurrentRound(ctx)
	if err != nil || !ok {
		return 0, err
	}
	h.mu.Lock()
	h.roundID = round.ID
	h.mu.Unlock()
	return round.ID, nil
}

func (h *Hub) reply(conn *gateway.Connection, msg Message) {
	data, err := h.signer.Seal(msg)
	if err != nil {
		log.Error().Err(err).Str("command", msg.Kind()).Msg("failed to seal station command")
		return
	}
	if !conn.Write(data) {
		log.Warn().Str("connection_id", conn.ID).Str("command", msg.Kind()).Msg("station connection gone")
	}
}
