package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "nonexistent")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "release", cfg.Mode)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, time.Minute, cfg.Billing.Interval)
	require.Equal(t, 30*time.Second, cfg.Billing.ProrationThreshold)
	require.Equal(t, 90*time.Second, cfg.Billing.StartupTimeout)
	require.Equal(t, int64(70), cfg.Billing.ProviderSharePct)
	require.Equal(t, time.Second, cfg.Reconnect.Base)
	require.Equal(t, 16*time.Second, cfg.Reconnect.Cap)
	require.Equal(t, 5, cfg.Reconnect.MaxAttempts)
}

func TestValidateRejectsBadShare(t *testing.T) {
	cfg := &Config{}
	cfg.Billing.Interval = time.Minute
	cfg.Billing.ProrationThreshold = 30 * time.Second
	cfg.Billing.ProviderSharePct = 130
	cfg.Reconnect.MaxAttempts = 5

	require.Error(t, cfg.validate())
}

func TestValidateRejectsThresholdAboveInterval(t *testing.T) {
	cfg := &Config{}
	cfg.Billing.Interval = time.Minute
	cfg.Billing.ProrationThreshold = 2 * time.Minute
	cfg.Billing.ProviderSharePct = 70
	cfg.Reconnect.MaxAttempts = 5

	require.Error(t, cfg.validate())
}
