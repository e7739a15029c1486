// Package gateway fans bus events out to the dashboards over websockets.
// Every connection follows one topic: a round, a pit lane, the driver change
// board or the stop and go panel.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/events"
)

// Subscriber is the side of the event hub the gateway reads from.
type Subscriber interface {
	Subscribe(filter string, buffer int) *events.Subscription
}

var _ Subscriber = (*events.Hub)(nil)

type Gateway struct {
	manager *ConnectionManager
	hub     Subscriber
}

func New(manager *ConnectionManager, hub Subscriber) *Gateway {
	return &Gateway{manager: manager, hub: hub}
}

// Message is what a dashboard receives.
type Message struct {
	Type    events.Type     `json:"type"`
	RoundID int64           `json:"round_id"`
	Payload json.RawMessage `json:"payload"`
}

// Run relays every event to the connections following its topic until ctx
// is done.
func (g *Gateway) Run(ctx context.Context) {
	sub := g.hub.Subscribe(">", 1024)
	defer sub.Close()

	go g.manager.Start(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if g.manager.Count(ev.Topic) == 0 {
				continue
			}
			data, err := json.Marshal(Message{Type: ev.Type, RoundID: ev.RoundID, Payload: ev.Payload})
			if err != nil {
				log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to encode event")
				continue
			}
			g.manager.Broadcast(ev.Topic, data)
		}
	}
}

// RegisterRoutes mounts the dashboard endpoints on mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/round/{id}", g.handleNumbered(events.RoundTopic))
	mux.HandleFunc("GET /ws/lane/{id}", g.handleNumbered(func(n int64) string { return events.LaneTopic(int(n)) }))
	mux.HandleFunc("GET /ws/changedriver", g.handleTopic(events.TopicChangeDriver))
	mux.HandleFunc("GET /ws/stopandgo/ui", g.handleTopic(events.TopicStopAndGo))
	mux.HandleFunc("GET /ws/stats", g.handleStats)
}

func (g *Gateway) handleNumbered(topic func(int64) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		g.upgrade(w, r, topic(id))
	}
}

func (g *Gateway) handleTopic(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.upgrade(w, r, topic)
	}
}

func (g *Gateway) upgrade(w http.ResponseWriter, r *http.Request, topic string) {
	if _, err := g.manager.UpgradeConnection(w, r, topic, nil); err != nil {
		// The upgrader already replied to the client.
		log.Error().Err(err).Str("topic", topic).Msg("failed to upgrade websocket connection")
	}
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.manager.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to write connection stats")
	}
}
