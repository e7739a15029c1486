package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/stopandgo"
)

var ErrNotConnected = errors.New("not connected to race control")

type ClientConfig struct {
	URL          string
	Reconnect    time.Duration
	WriteTimeout time.Duration
}

func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:          url,
		Reconnect:    5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Client keeps the station connected to race control, reconnecting after
// every failure.
type Client struct {
	config  ClientConfig
	signer  stopandgo.Signer
	station *Station
	clock   clockwork.Clock
	dialer  *websocket.Dialer

	mu  sync.Mutex
	out chan []byte
}

func NewClient(config ClientConfig, signer stopandgo.Signer, station *Station, clock clockwork.Clock) *Client {
	c := &Client{
		config:  config,
		signer:  signer,
		station: station,
		clock:   clock,
		dialer:  websocket.DefaultDialer,
	}
	station.SetSender(c)
	return c
}

// Send queues a signed message for the current connection.
func (c *Client) Send(msg stopandgo.Message) error {
	data, err := c.signer.Seal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return ErrNotConnected
	}
	select {
	case c.out <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full, dropping %s", msg.Kind())
	}
}

// Run connects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		c.station.SetConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("retry_in", c.config.Reconnect).Msg("race control connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.config.Reconnect):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	defer conn.Close()

	out := make(chan []byte, 16)
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.out = nil
		c.mu.Unlock()
	}()

	log.Info().Str("url", c.config.URL).Msg("connected to race control")
	c.station.SetConnected(true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writeLoop(ctx, conn, out)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cancel()
			if werr := <-writeErr; werr != nil && !errors.Is(werr, context.Canceled) {
				return werr
			}
			return err
		}
		msg, err := c.signer.Open(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping race control message")
			continue
		}
		c.station.HandleMessage(msg)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.config.WriteTimeout))
			return ctx.Err()
		case data := <-out:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}
