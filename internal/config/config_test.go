package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_PORT", "GRPC_PORT", "DB_DRIVER", "DATABASE_DSN", "REDIS_ADDR",
		"KAFKA_BROKERS", "KAFKA_TOPIC_PREFIX", "WORKER_COUNT", "QUEUE_SIZE",
		"LEDGER_MAX_RETRIES", "LEDGER_RETRY_BACKOFF", "HISTORY_PAGE_SIZE",
		"HEALTH_INTERVAL", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "50051", cfg.GRPCPort)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.NotEmpty(t, cfg.DatabaseDSN)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 1024, cfg.QueueSize)
	assert.Equal(t, 5, cfg.LedgerMaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.LedgerRetryBackoff)
	assert.Equal(t, 256, cfg.HistoryPageSize)
	assert.Equal(t, 10*time.Second, cfg.HealthInterval)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("LEDGER_RETRY_BACKOFF", "25ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Empty(t, cfg.DatabaseDSN)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 25*time.Millisecond, cfg.LedgerRetryBackoff)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Run("worker count", func(t *testing.T) {
		t.Setenv("WORKER_COUNT", "many")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("backoff", func(t *testing.T) {
		t.Setenv("LEDGER_RETRY_BACKOFF", "-1s")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("port", func(t *testing.T) {
		t.Setenv("HTTP_PORT", "http")
		_, err := Load()
		assert.Error(t, err)
	})
}
