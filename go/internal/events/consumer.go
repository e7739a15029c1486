package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamConsumer feeds the race event stream into a local Bus, usually
// the Hub the websockets read from. Each process gets its own ordered
// consumer and so sees every event, starting with those stored after it
// connects.
type JetStreamConsumer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	sink   Bus
	config JetStreamConfig
}

func NewJetStreamConsumer(sink Bus, cfg JetStreamConfig) (*JetStreamConsumer, error) {
	nc, js, err := dial(cfg, "race-events-consumer")
	if err != nil {
		return nil, err
	}
	return &JetStreamConsumer{nc: nc, js: js, sink: sink, config: cfg}, nil
}

// Start consumes until ctx is cancelled.
func (c *JetStreamConsumer) Start(ctx context.Context) error {
	cons, err := c.js.OrderedConsumer(ctx, c.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{c.config.Subject(">")},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer on %s: %w", c.config.StreamName, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.deliver(ctx, msg.Subject(), msg.Data())
	})
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.config.StreamName, err)
	}
	defer cc.Stop()

	log.Info().Str("stream", c.config.StreamName).Msg("relaying race events from stream")
	<-ctx.Done()
	log.Info().Msg("event consumer shutting down")
	return nil
}

// deliver hands one stored event to the sink. Undecodable messages are
// dropped; there is nobody to redeliver them to.
func (c *JetStreamConsumer) deliver(ctx context.Context, subject string, data []byte) {
	event, err := decodeEvent(c.config, subject, data)
	if err != nil {
		log.Error().Err(err).Msg("dropping stream message")
		return
	}
	if err := c.sink.Publish(ctx, event); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to deliver stream event")
	}
}

func (c *JetStreamConsumer) Stop() error {
	c.nc.Close()
	return nil
}
