package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5000, cfg.HTTP.Port)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Matching.MaxOrders)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("DATABASE_DSN", "postgres://app@db:5432/orders")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WEB3_PROVIDER_URL", "http://rpc:8545")
	t.Setenv("PIV_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("CHAIN_START_BLOCK", "12345")
	t.Setenv("ENABLE_ORDER_SYNC", "false")
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("MATCH_MAX_ORDERS", "50")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "postgres://app@db:5432/orders", cfg.Database.DSN)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "http://rpc:8545", cfg.Chain.RPCURL)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", cfg.Chain.PIVAddress)
	assert.Equal(t, uint64(12345), cfg.Chain.StartBlock)
	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 50, cfg.Matching.MaxOrders)
}
