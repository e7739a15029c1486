package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		SendBuffer:      256,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Dashboards and stations are served from other hosts on the track
		// network.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

type broadcast struct {
	topic string
	data  []byte
}

// ConnectionManager keeps websocket connections grouped by the topic they
// follow and delivers broadcasts in the order they were queued.
type ConnectionManager struct {
	config   ConnectionConfig
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	topics map[string]map[*Connection]struct{}

	broadcasts chan broadcast
	startOnce  sync.Once
}

func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		topics:     make(map[string]map[*Connection]struct{}),
		broadcasts: make(chan broadcast, 1024),
	}
}

// Start delivers broadcasts until ctx is done, then closes every connection
// with a going away frame. Calls after the first return at once.
func (cm *ConnectionManager) Start(ctx context.Context) {
	started := false
	cm.startOnce.Do(func() { started = true })
	if !started {
		return
	}

	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			n := cm.closeAll(websocket.CloseGoingAway, "race control shutting down")
			log.Info().Int("connections", n).Msg("connection manager stopped")
			return
		case b := <-cm.broadcasts:
			cm.deliver(b)
		}
	}
}

// UpgradeConnection upgrades the request and registers the connection on
// topic. handler receives what the client sends; nil ignores it.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, topic string, handler MessageHandler) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.NewString(),
		Topic:       topic,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
		ws:          ws,
		manager:     cm,
		handler:     handler,
		send:        make(chan []byte, cm.config.SendBuffer),
		done:        make(chan struct{}),
	}
	cm.add(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("topic", topic).
		Str("remote_addr", c.RemoteAddr).
		Msg("websocket connection established")
	return c, nil
}

func (cm *ConnectionManager) add(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	pool := cm.topics[c.Topic]
	if pool == nil {
		pool = make(map[*Connection]struct{})
		cm.topics[c.Topic] = pool
	}
	pool[c] = struct{}{}
}

func (cm *ConnectionManager) remove(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	pool := cm.topics[c.Topic]
	if _, ok := pool[c]; !ok {
		return
	}
	delete(pool, c)
	if len(pool) == 0 {
		delete(cm.topics, c.Topic)
	}
	log.Info().
		Str("connection_id", c.ID).
		Str("topic", c.Topic).
		Dur("connected_for", time.Since(c.ConnectedAt)).
		Msg("websocket connection closed")
}

// Broadcast queues data for every connection following topic. It never
// blocks; when the queue is full the message is dropped.
func (cm *ConnectionManager) Broadcast(topic string, data []byte) {
	select {
	case cm.broadcasts <- broadcast{topic: topic, data: data}:
	default:
		log.Warn().Str("topic", topic).Msg("broadcast queue full, dropping message")
	}
}

// deliver hands a broadcast to each connection. A connection whose buffer
// is full is too slow to follow the race and is closed.
func (cm *ConnectionManager) deliver(b broadcast) {
	cm.mu.RLock()
	var delivered int
	var slow []*Connection
	for c := range cm.topics[b.topic] {
		if c.Write(b.data) {
			delivered++
		} else {
			slow = append(slow, c)
		}
	}
	cm.mu.RUnlock()

	for _, c := range slow {
		log.Warn().Str("connection_id", c.ID).Str("topic", c.Topic).Msg("connection too slow, closing")
		c.Close(websocket.ClosePolicyViolation, "too slow")
	}
	log.Debug().Str("topic", b.topic).Int("connections", delivered).Msg("message delivered")
}

func (cm *ConnectionManager) closeAll(code int, text string) int {
	cm.mu.RLock()
	var all []*Connection
	for _, pool := range cm.topics {
		for c := range pool {
			all = append(all, c)
		}
	}
	cm.mu.RUnlock()

	for _, c := range all {
		c.Close(code, text)
	}
	return len(all)
}

// Count returns the number of connections following topic.
func (cm *ConnectionManager) Count(topic string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.topics[topic])
}

// Stats reports the connections per topic.
func (cm *ConnectionManager) Stats() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	stats := make(map[string]int, len(cm.topics))
	for topic, pool := range cm.topics {
		stats[topic] = len(pool)
	}
	return stats
}
