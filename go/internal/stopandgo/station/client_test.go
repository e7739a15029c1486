package station

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/stopandgo"
)

var clientSigner = stopandgo.NewSigner([]byte("station-secret"))

// raceControl accepts one station at a time and hands out its connection.
func raceControl(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func accept(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("station did not connect")
		return nil
	}
}

func TestClientSession(t *testing.T) {
	url, conns := raceControl(t)
	st := New(clockwork.NewFakeClock(), &fakeDisplay{}, &fakeRelay{}, DefaultConfig())
	t.Cleanup(st.Close)
	client := NewClient(DefaultClientConfig(url), clientSigner, st, clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	conn := accept(t, conns)
	require.Eventually(t, func() bool { return st.Status().Connected }, 2*time.Second, 5*time.Millisecond)

	send := func(msg stopandgo.Message) {
		data, err := clientSigner.Seal(msg)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}

	// Unsigned messages are dropped.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"reset"}`)))
	send(stopandgo.PenaltyRequired(5, 20, 1))
	require.Eventually(t, func() bool { return st.Status().State == StateWaitCountdown }, 2*time.Second, 5*time.Millisecond)

	send(stopandgo.ForceComplete())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := clientSigner.Open(data)
	require.NoError(t, err)
	assert.Equal(t, stopandgo.PenaltyServed(5), msg)

	send(stopandgo.PenaltyAcknowledged(5))
	require.Eventually(t, func() bool { return st.Status().State == StateIdle }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.False(t, st.Status().Connected)
	assert.ErrorIs(t, client.Send(stopandgo.FenceStatus(true)), ErrNotConnected)
}

func TestClientReconnects(t *testing.T) {
	url, conns := raceControl(t)
	st := New(clockwork.NewFakeClock(), &fakeDisplay{}, &fakeRelay{}, DefaultConfig())
	t.Cleanup(st.Close)
	clock := clockwork.NewFakeClock()
	client := NewClient(DefaultClientConfig(url), clientSigner, st, clock)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	first := accept(t, conns)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return !st.Status().Connected }, 2*time.Second, 5*time.Millisecond)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(5 * time.Second)

	accept(t, conns)
	require.Eventually(t, func() bool { return st.Status().Connected }, 2*time.Second, 5*time.Millisecond)
}
