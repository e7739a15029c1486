package station

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type Color struct {
	R, G, B uint8
}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

var (
	Black  = Color{0, 0, 0}
	White  = Color{255, 255, 255}
	Orange = Color{255, 165, 0}
	Red    = Color{255, 0, 0}
	Yellow = Color{255, 255, 0}
	Green  = Color{0, 255, 0}
	Blue   = Color{0, 0, 255}
)

// Screen is one full screen image. Large selects the team number font.
type Screen struct {
	Text       string
	Background Color
	Foreground Color
	Large      bool
}

type Display interface {
	Show(screen Screen) error
}

// Relay drives the exit barrier. On holds the kart in the box.
type Relay interface {
	On() error
	Off() error
}

// LogDisplay writes screens to the log, for development without hardware.
type LogDisplay struct{}

func (LogDisplay) Show(screen Screen) error {
	log.Info().
		Str("text", screen.Text).
		Stringer("background", screen.Background).
		Stringer("foreground", screen.Foreground).
		Bool("large", screen.Large).
		Msg("display")
	return nil
}

type LogRelay struct{}

func (LogRelay) On() error {
	log.Info().Msg("relay energised")
	return nil
}

func (LogRelay) Off() error {
	log.Info().Msg("relay released")
	return nil
}

// MeasureRenderCost returns the average time display takes to show a
// countdown frame.
func MeasureRenderCost(clock clockwork.Clock, display Display, samples int) time.Duration {
	if samples <= 0 {
		return 0
	}
	start := clock.Now()
	for i := samples; i > 0; i-- {
		if err := display.Show(digitScreen(i%10, false)); err != nil {
			log.Warn().Err(err).Msg("render measurement failed")
			return 0
		}
	}
	cost := clock.Since(start) / time.Duration(samples)
	log.Info().Dur("render_cost", cost).Msg("display render cost measured")
	return cost
}
