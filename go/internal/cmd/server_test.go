package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frawau/gokartrace-sub000/go/internal/config"
	"github.com/frawau/gokartrace-sub000/go/internal/rpc"
	"github.com/frawau/gokartrace-sub000/go/internal/stopandgo"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	b, err := openBackend(context.Background(), serveOptions{Store: storeMemory})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	settings := config.DefaultSettings()
	settings.Station.HMACSecret = "secret"
	services := setupServices(b, settings, clockwork.NewFakeClock())
	t.Cleanup(services.Penalty.Close)

	srv := httptest.NewServer(setupServer(":0", b, services).Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestServerHealth(t *testing.T) {
	srv := testServer(t)

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestServerStationStatus(t *testing.T) {
	srv := testServer(t)

	client := rpc.NewClient[stopandgo.Empty, rpc.Reply[stopandgo.StationStatus]](
		srv.Client(), srv.URL, "/"+stopandgo.ServiceName+"/Status")
	res, err := client.CallUnary(context.Background(), connect.NewRequest(&stopandgo.Empty{}))
	require.NoError(t, err)
	assert.Equal(t, rpc.StatusOK, res.Msg.Status)
	assert.Zero(t, res.Msg.Data.Stations)
}

func TestOpenBackendRejectsUnknownStore(t *testing.T) {
	_, err := openBackend(context.Background(), serveOptions{Store: "sqlite"})
	assert.ErrorContains(t, err, "unknown store")
}
