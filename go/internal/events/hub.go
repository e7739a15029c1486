package events

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Hub is the in-process fan-out of events. Subscribers receive every event
// whose topic matches their filter. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription receives events from a Hub.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	filter string
	hub    *Hub
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. filter is an exact topic, a prefix ending
// in ".>" (e.g. "round.>"), or "" / ">" for every topic.
func (h *Hub) Subscribe(filter string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, filter: filter, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if _, ok := s.hub.subs[s]; ok {
			delete(s.hub.subs, s)
			close(s.ch)
		}
	})
}

// Publish delivers the event to every matching subscriber.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.subs {
		if !Matches(s.filter, event.Topic) {
			continue
		}
		select {
		case s.ch <- event:
			delivered++
		default:
			log.Warn().
				Str("topic", event.Topic).
				Str("event_type", string(event.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}

	log.Debug().
		Str("topic", event.Topic).
		Str("event_type", string(event.Type)).
		Int("subscribers", delivered).
		Msg("event published")
	return nil
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
	h.closed = true
}

// Matches applies a subscription filter to a topic.
func Matches(filter, topic string) bool {
	switch {
	case filter == "" || filter == ">":
		return true
	case strings.HasSuffix(filter, ".>"):
		return strings.HasPrefix(topic, strings.TrimSuffix(filter, ">"))
	default:
		return filter == topic
	}
}
