package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus is the body served at the relay's health endpoint.
type HealthStatus struct {
	Healthy           bool          `json:"healthy"`
	ListenerActive    bool          `json:"listener_active"`
	DatabaseConnected bool          `json:"database_connected"`
	EventsRelayed     uint64        `json:"events_relayed"`
	LastEventTime     time.Time     `json:"last_event_time"`
	PendingEvents     int           `json:"pending_events"`
	OldestPendingAge  time.Duration `json:"oldest_pending_age"`
	Errors            []string      `json:"errors"`
}

func (s *HealthStatus) fail(msg string) {
	s.Healthy = false
	s.Errors = append(s.Errors, msg)
}

// HealthChecker reports the relay unhealthy when it is not running, the
// database cannot be read, or a row has been pending longer than threshold.
type HealthChecker struct {
	listener  *Listener
	repo      *Repository
	threshold time.Duration
}

func NewHealthChecker(listener *Listener, repo *Repository, threshold time.Duration) *HealthChecker {
	return &HealthChecker{listener: listener, repo: repo, threshold: threshold}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	s := HealthStatus{Healthy: true, Errors: []string{}}
	s.EventsRelayed, s.LastEventTime, s.ListenerActive = h.listener.Stats()
	if !s.ListenerActive {
		s.fail("relay not running")
	}

	backlog, err := h.repo.Backlog(ctx)
	if err != nil {
		s.fail("database: " + err.Error())
		return s
	}
	s.DatabaseConnected = true
	s.PendingEvents = backlog.Count
	if backlog.Count > 0 {
		s.OldestPendingAge = time.Since(backlog.Oldest)
		if s.OldestPendingAge > h.threshold {
			s.fail("oldest pending event waiting for " + s.OldestPendingAge.Round(time.Second).String())
		}
	}
	return s
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s := h.Check(ctx)
	code := http.StatusOK
	if !s.Healthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(s); err != nil {
		log.Error().Err(err).Msg("failed to write outbox health")
	}
}
