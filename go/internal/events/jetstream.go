package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamConfig locates the race event stream. Every topic is published
// under SubjectPrefix, so round.12 travels as race.events.round.12.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	// Retention bounds how long a late dashboard can catch up.
	Retention       time.Duration
	DuplicateWindow time.Duration
	ReconnectWait   time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "RACE_EVENTS",
		SubjectPrefix:   "race.events",
		Retention:       24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
		ReconnectWait:   2 * time.Second,
	}
}

// Subject maps a topic to its JetStream subject.
func (c JetStreamConfig) Subject(topic string) string {
	return c.SubjectPrefix + "." + topic
}

// Topic is the inverse of Subject.
func (c JetStreamConfig) Topic(subject string) string {
	return strings.TrimPrefix(subject, c.SubjectPrefix+".")
}

func (c JetStreamConfig) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        c.StreamName,
		Description: "Race control state changes",
		Subjects:    []string{c.Subject(">")},
		Retention:   jetstream.LimitsPolicy,
		Discard:     jetstream.DiscardOld,
		MaxAge:      c.Retention,
		Storage:     jetstream.FileStorage,
		Duplicates:  c.DuplicateWindow,
	}
}

// dial connects to NATS, retrying forever once connected.
func dial(cfg JetStreamConfig, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("client", name).Msg("NATS connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("client", name).Str("url", nc.ConnectedUrl()).Msg("NATS connection restored")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	return nc, js, nil
}

// JetStreamPublisher is a Bus writing events to the race event stream. The
// event id is the JetStream message id, so an event relayed twice by the
// outbox within the duplicate window is stored once.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

var _ Bus = (*JetStreamPublisher)(nil)

func NewJetStreamPublisher(cfg JetStreamConfig) (*JetStreamPublisher, error) {
	nc, js, err := dial(cfg, "race-events-publisher")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, cfg.streamConfig()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to set up stream %s: %w", cfg.StreamName, err)
	}
	log.Info().Str("stream", cfg.StreamName).Str("subjects", cfg.Subject(">")).Msg("race event stream ready")
	return &JetStreamPublisher{nc: nc, js: js, config: cfg}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, event Event) error {
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	subject := p.config.Subject(event.Topic)
	ack, err := p.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(event.ID.String()),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event.Type, subject, err)
	}
	log.Debug().
		Str("subject", subject).
		Str("event_type", string(event.Type)).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("event stored in stream")
	return nil
}

func (p *JetStreamPublisher) Close() error {
	return p.nc.Drain()
}

func encodeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	return data, nil
}

var errNoEventID = errors.New("event has no id")

// decodeEvent reads a stored event. The topic falls back to the subject.
func decodeEvent(cfg JetStreamConfig, subject string, data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("failed to decode event on %s: %w", subject, err)
	}
	if event.ID == uuid.Nil {
		return Event{}, fmt.Errorf("%s: %w", subject, errNoEventID)
	}
	if event.Topic == "" {
		event.Topic = cfg.Topic(subject)
	}
	return event, nil
}
