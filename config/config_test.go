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

	assert.Equal(t, 10, cfg.Strategy.MaxPositions)
	assert.Equal(t, 30.0, cfg.Strategy.RSITop)
	assert.Equal(t, 20.0, cfg.Strategy.RSIMid)
	assert.Equal(t, 10.0, cfg.Strategy.RSILow)
	assert.Equal(t, 1, cfg.Strategy.DailyReentryCap)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.VerifierInterval)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.PostCloseGrace)
	assert.Equal(t, "09:15", cfg.Schedule.RetryCutoff)
	assert.Equal(t, "paper", cfg.Broker.Mode)
	assert.Len(t, cfg.Strategy.LiquidityTiers, 4)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_POSITIONS", "3")
	t.Setenv("VERIFIER_INTERVAL", "90")
	t.Setenv("POST_CLOSE_GRACE", "45m")
	t.Setenv("FCM_TOKENS", "a, b,,c")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Strategy.MaxPositions)
	assert.Equal(t, 90*time.Second, cfg.Schedule.VerifierInterval)
	assert.Equal(t, 45*time.Minute, cfg.Schedule.PostCloseGrace)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Notify.FCMTokens)
	assert.Equal(t, int64(-100123), cfg.Notify.TelegramChatID)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"rsi order", "RSI_MID", "40"},
		{"db type", "DB_TYPE", "mysql"},
		{"postgres without url", "DB_TYPE", "postgres"},
		{"rest without url", "BROKER_MODE", "rest"},
		{"market time", "MARKET_CLOSE", "25:99"},
		{"tiers", "LIQUIDITY_TIERS", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestMaxRatioFor(t *testing.T) {
	tiers, err := ParseLiquidityTiers("0:0.10, 500:0.02, 100:0.01, 2000:0.05")
	require.NoError(t, err)
	s := Strategy{LiquidityTiers: tiers}

	assert.Equal(t, 0.01, s.MaxRatioFor(50))
	assert.Equal(t, 0.02, s.MaxRatioFor(100))
	assert.Equal(t, 0.05, s.MaxRatioFor(1999))
	assert.Equal(t, 0.10, s.MaxRatioFor(25000))
}
