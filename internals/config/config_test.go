package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Signaling.RequestTimeout)
	assert.Equal(t, 4, cfg.Room.MaxSpotlights)
	assert.Equal(t, 2*time.Minute, cfg.Room.ReconnectGrace)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MEETING_PORT", "9090")
	t.Setenv("MEETING_REQUEST_TIMEOUT_MS", "2500")
	t.Setenv("ROOM_MAX_SPOTLIGHTS", "6")
	t.Setenv("ROOM_RECONNECT_GRACE_SEC", "30")
	t.Setenv("REDIS_ENABLED", "true")

	cfg := LoadConfig()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2500*time.Millisecond, cfg.Signaling.RequestTimeout)
	assert.Equal(t, 6, cfg.Room.MaxSpotlights)
	assert.Equal(t, 30*time.Second, cfg.Room.ReconnectGrace)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadConfigIgnoresInvalidValues(t *testing.T) {
	t.Setenv("MEETING_PORT", "not-a-number")
	t.Setenv("ROOM_MAX_SPOTLIGHTS", "")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Room.MaxSpotlights)
}
