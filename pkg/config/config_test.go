package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	assert.NoError(t, err)

	assert.Equal(t, int64(10*1024*1024), cfg.MaxPayloadSize)
	assert.Equal(t, 5000, cfg.MaxMinersPerUpload)
	assert.Equal(t, 60, cfg.MaxRequestRate)
	assert.Equal(t, 3, cfg.ConsumerMaxRetries)
	assert.Equal(t, time.Second, cfg.ConsumerBackoffBase)
	assert.Equal(t, 5*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 100, cfg.OutboxBatch)
	assert.Equal(t, 60*time.Second, cfg.EdgePollInterval)
	assert.Equal(t, 10*time.Second, cfg.EdgeJitter)
	assert.Equal(t, 20, cfg.EdgeWorkers)
	assert.Equal(t, 30*time.Minute, cfg.CommandTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_MINERS_PER_UPLOAD", "100")
	t.Setenv("OUTBOX_BATCH", "25")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxMinersPerUpload)
	assert.Equal(t, 25, cfg.OutboxBatch)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("MAX_REQUEST_RATE", "-1")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("MAX_MINERS_PER_UPLOAD", "not-a-number")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, 5000, cfg.MaxMinersPerUpload)
}
