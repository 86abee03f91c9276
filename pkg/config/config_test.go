package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.TypingTimeout)
	assert.Equal(t, 5*time.Second, cfg.ToastTimeout)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WS_RECONNECT_DELAY", "250ms")
	t.Setenv("WS_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("TYPING_TIMEOUT", "not-a-duration")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingTimeout)
	assert.False(t, cfg.IsDevelopment())
}
