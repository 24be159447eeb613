package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 3*time.Second, cfg.PixPollInterval())
	assert.Equal(t, 5*time.Minute, cfg.PixTimeout())
	assert.Equal(t, 7, cfg.QuoteValidityDays)
	assert.False(t, cfg.PixRestockOnExpiry)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PIX_TIMEOUT_SECONDS", "60")
	t.Setenv("PIX_RESTOCK_ON_EXPIRY", "true")
	t.Setenv("QUOTE_VALIDITY_DAYS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, time.Minute, cfg.PixTimeout())
	assert.True(t, cfg.PixRestockOnExpiry)
	assert.Equal(t, 7, cfg.QuoteValidityDays)
}
