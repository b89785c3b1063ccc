package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg, err := Load(logger)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 8000, cfg.Detection.SampleRate)
	assert.Equal(t, 0.7, cfg.Detection.MinConfidence)
	assert.Equal(t, time.Second, cfg.Dispatch.SweepInterval)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 10 * time.Second, 30 * time.Second}, cfg.Dispatch.RetryDelays)
	assert.Empty(t, cfg.Redis.Address)
	assert.Empty(t, cfg.AMQP.URL)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("DETECTION_MIN_CONFIDENCE", "0.8")
	t.Setenv("DISPATCH_RETRY_DELAYS", "500ms, 2s")
	t.Setenv("REDIS_ADDRESS", "localhost:6379")

	cfg, err := Load(logger)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 0.8, cfg.Detection.MinConfidence)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 2 * time.Second}, cfg.Dispatch.RetryDelays)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load(logger)
	assert.Error(t, err)
}

func TestMalformedValuesFallBack(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("DISPATCH_RETRY_DELAYS", "1s, soon")

	cfg, err := Load(logger)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Len(t, cfg.Dispatch.RetryDelays, 4)
}

func TestConfigureLogger(t *testing.T) {
	logger := logrus.New()

	cfg := &Config{Logging: LoggingConfig{Level: "warn", Format: "json"}}
	cfg.ConfigureLogger(logger)

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
