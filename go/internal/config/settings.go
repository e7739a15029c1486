package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the race settings file.
type Settings struct {
	Station struct {
		HMACSecret string `yaml:"hmac_secret"`
	} `yaml:"station"`
	Ticker struct {
		Interval time.Duration `yaml:"interval"`
		Slack    time.Duration `yaml:"slack"`
	} `yaml:"ticker"`
	Penalty struct {
		SettleDelay time.Duration `yaml:"settle_delay"`
	} `yaml:"penalty"`
	// Domain is the public hostname the dashboards and stations use.
	Domain string `yaml:"domain"`
}

var ErrNoSecret = errors.New("station hmac secret is not set")

func DefaultSettings() Settings {
	var s Settings
	s.Ticker.Interval = time.Minute
	s.Ticker.Slack = 5 * time.Second
	s.Penalty.SettleDelay = 10 * time.Second
	s.Domain = "localhost:8080"
	return s
}

// LoadSettings reads path over the defaults. An empty path only applies the
// environment. STATION_HMAC_SECRET and DOMAIN_NAME override the file.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("failed to parse settings: %w", err)
		}
	}
	s.Station.HMACSecret = GetEnv("STATION_HMAC_SECRET", s.Station.HMACSecret)
	s.Domain = GetEnv("DOMAIN_NAME", s.Domain)
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if s.Station.HMACSecret == "" {
		return ErrNoSecret
	}
	if s.Ticker.Interval <= 0 {
		return fmt.Errorf("ticker interval must be positive, got %s", s.Ticker.Interval)
	}
	if s.Ticker.Slack < 0 || s.Penalty.SettleDelay < 0 {
		return errors.New("ticker slack and settle delay cannot be negative")
	}
	return nil
}

// URL builds an external URL on the configured domain. Websocket schemes
// are used for paths under /ws/.
func (s Settings) URL(secure bool, path string) string {
	scheme := "http"
	if strings.HasPrefix(path, "/ws/") {
		scheme = "ws"
	}
	if secure {
		scheme += "s"
	}
	return scheme + "://" + s.Domain + path
}
