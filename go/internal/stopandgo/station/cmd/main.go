package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/frawau/gokartrace-sub000/go/internal/config"
	"github.com/frawau/gokartrace-sub000/go/internal/stopandgo"
	"github.com/frawau/gokartrace-sub000/go/internal/stopandgo/station"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	config.SetupLogging(config.GetEnv("LOG_LEVEL", "info"))

	url := config.GetEnv("STATION_URL", "ws://localhost:8080/ws/stopandgo/station")
	secret := config.GetEnv("STATION_HMAC_SECRET", "")
	if secret == "" {
		log.Fatal().Msg("STATION_HMAC_SECRET environment variable is required")
	}

	clock := clockwork.NewRealClock()
	display := station.LogDisplay{}

	stationCfg := station.DefaultConfig()
	stationCfg.GreenTimeout = config.GetEnvAsDuration("STATION_GREEN_TIMEOUT", stationCfg.GreenTimeout)
	stationCfg.RenderCost = station.MeasureRenderCost(clock, display, 10)
	log.Info().Dur("render_cost", stationCfg.RenderCost).Msg("display calibrated")

	st := station.New(clock, display, station.LogRelay{}, stationCfg)
	defer st.Close()

	clientCfg := station.DefaultClientConfig(url)
	clientCfg.Reconnect = config.GetEnvAsDuration("STATION_RECONNECT", clientCfg.Reconnect)
	client := station.NewClient(clientCfg, stopandgo.NewSigner([]byte(secret)), st, clock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readInputs(ctx, st)

	log.Info().Str("url", url).Msg("starting stop and go station")
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("station client exited unexpectedly")
	}
	log.Info().Msg("station stopped")
}

// readInputs stands in for the button and fence sensor: b presses the
// button, f breaches the fence, c clears it and s logs the status.
func readInputs(ctx context.Context, st *station.Station) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "b":
			st.ButtonPressed()
		case "f":
			st.FenceChanged(true)
		case "c":
			st.FenceChanged(false)
		case "s":
			status := st.Status()
			log.Info().
				Str("state", string(status.State)).
				Int("team_number", status.Team).
				Int("remaining", status.Remaining).
				Bool("fence_enabled", status.FenceEnabled).
				Bool("connected", status.Connected).
				Msg("station status")
		default:
			log.Warn().Str("input", scanner.Text()).Msg("unknown input, use b, f, c or s")
		}
	}
}
