package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "racecontrol.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSettings(t *testing.T) {
	path := writeSettings(t, `
station:
  hmac_secret: file-secret
ticker:
  interval: 30s
penalty:
  settle_delay: 4s
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "file-secret", s.Station.HMACSecret)
	assert.Equal(t, 30*time.Second, s.Ticker.Interval)
	assert.Equal(t, 5*time.Second, s.Ticker.Slack)
	assert.Equal(t, 4*time.Second, s.Penalty.SettleDelay)
}

func TestLoadSettingsEnvOverride(t *testing.T) {
	t.Setenv("STATION_HMAC_SECRET", "env-secret")
	s, err := LoadSettings(writeSettings(t, "station:\n  hmac_secret: file-secret\n"))
	require.NoError(t, err)
	assert.Equal(t, "env-secret", s.Station.HMACSecret)

	s, err = LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, "env-secret", s.Station.HMACSecret)
}

func TestLoadSettingsErrors(t *testing.T) {
	t.Setenv("STATION_HMAC_SECRET", "")
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "no secret", body: "ticker:\n  interval: 1m\n", want: ErrNoSecret},
		{name: "bad interval", body: "station:\n  hmac_secret: x\nticker:\n  interval: 0s\n"},
		{name: "bad yaml", body: "station: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSettings(writeSettings(t, tt.body))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("RC_TEST_STRING", "value")
	t.Setenv("RC_TEST_INT", "42")
	t.Setenv("RC_TEST_BAD_INT", "forty")
	t.Setenv("RC_TEST_DURATION", "90s")
	t.Setenv("RC_TEST_SECONDS", "15")
	t.Setenv("RC_TEST_BAD_DURATION", "soon")

	assert.Equal(t, "value", GetEnv("RC_TEST_STRING", "x"))
	assert.Equal(t, "x", GetEnv("RC_TEST_UNSET", "x"))
	assert.Equal(t, 42, GetEnvAsInt("RC_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("RC_TEST_BAD_INT", 1))
	assert.Equal(t, 90*time.Second, GetEnvAsDuration("RC_TEST_DURATION", time.Second))
	assert.Equal(t, 15*time.Second, GetEnvAsDuration("RC_TEST_SECONDS", time.Second))
	assert.Equal(t, time.Second, GetEnvAsDuration("RC_TEST_BAD_DURATION", time.Second))
}

func TestSettingsDomain(t *testing.T) {
	t.Setenv("DOMAIN_NAME", "")
	s, err := LoadSettings(writeSettings(t, "station:\n  hmac_secret: x\ndomain: kart.example.org\n"))
	require.NoError(t, err)
	assert.Equal(t, "kart.example.org", s.Domain)

	tests := []struct {
		secure bool
		path   string
		want   string
	}{
		{false, "/health", "http://kart.example.org/health"},
		{true, "/health", "https://kart.example.org/health"},
		{false, "/ws/stopandgo/station", "ws://kart.example.org/ws/stopandgo/station"},
		{true, "/ws/round/3", "wss://kart.example.org/ws/round/3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.URL(tt.secure, tt.path))
	}

	t.Setenv("DOMAIN_NAME", "track.local")
	s, err = LoadSettings(writeSettings(t, "station:\n  hmac_secret: x\ndomain: kart.example.org\n"))
	require.NoError(t, err)
	assert.Equal(t, "track.local", s.Domain)
}
