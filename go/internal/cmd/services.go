package main

import (
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/frawau/gokartrace-sub000/go/internal/config"
	"github.com/frawau/gokartrace-sub000/go/internal/gateway"
	"github.com/frawau/gokartrace-sub000/go/internal/penalty"
	"github.com/frawau/gokartrace-sub000/go/internal/race"
	"github.com/frawau/gokartrace-sub000/go/internal/stopandgo"
	"github.com/frawau/gokartrace-sub000/go/internal/ticker"
)

type Services struct {
	Race     *race.App
	Penalty  *penalty.App
	Ticker   *ticker.Ticker
	Stations *stopandgo.Hub
	Gateway  *gateway.Gateway
}

// setupServices builds the applications on the backend. The gateway runs
// the connection manager the station hub shares.
func setupServices(b *backend, settings config.Settings, clock clockwork.Clock) *Services {
	// Store → App layer → Service layer, with the hub carrying events back out.
	raceApp := race.NewApp(b.store, clock)
	penaltyApp := penalty.NewApp(b.store, clock, penalty.Config{SettleDelay: settings.Penalty.SettleDelay})

	tick := ticker.New(raceApp, clock, ticker.Config{
		Interval: settings.Ticker.Interval,
		Slack:    settings.Ticker.Slack,
	})

	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	signer := stopandgo.NewSigner([]byte(settings.Station.HMACSecret))
	stations := stopandgo.NewHub(signer, manager, penaltyApp, raceApp, b.hub, b.direct)

	return &Services{
		Race:     raceApp,
		Penalty:  penaltyApp,
		Ticker:   tick,
		Stations: stations,
		Gateway:  gateway.New(manager, b.hub),
	}
}

func registerServices(mux *http.ServeMux, services *Services) {
	race.NewService(services.Race).Register(mux)
	penalty.NewService(services.Penalty).Register(mux)
	stopandgo.NewService(services.Stations).Register(mux)

	services.Gateway.RegisterRoutes(mux)
	mux.Handle("GET /ws/stopandgo/station", services.Stations)
}
