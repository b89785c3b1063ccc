package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"callsignal-server/pkg/errors"
)

// Config is the complete service configuration, loaded from the environment
// with optional .env overrides.
type Config struct {
	Logging   LoggingConfig
	HTTP      HTTPConfig
	Detection DetectionConfig
	Dispatch  DispatchConfig
	Redis     RedisConfig
	AMQP      AMQPConfig
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal panic"`
	Format string `validate:"oneof=text json"`
}

// HTTPConfig holds the operational HTTP surface settings.
type HTTPConfig struct {
	Port          int `validate:"min=1,max=65535"`
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableMetrics bool
}

// DetectionConfig holds the answering machine detection thresholds.
type DetectionConfig struct {
	SampleRate     int           `validate:"min=8000"`
	ChunkDuration  time.Duration `validate:"gt=0"`
	VoiceThreshold float64       `validate:"gt=0,lt=1"`
	MinConfidence  float64       `validate:"gte=0,lte=1"`
	WarmupWindow   time.Duration `validate:"gt=0"`

	SilenceRatio        float64       `validate:"gt=0,lt=1"`
	LongSilence         time.Duration `validate:"gt=0"`
	LongSilenceCount    int           `validate:"min=1"`
	MeaningfulPause     time.Duration `validate:"gt=0"`
	MeaningfulPauses    int           `validate:"min=1"`
	LowEnergyVariation  float64       `validate:"gt=0"`
	HighEnergyVariation float64       `validate:"gt=0"`
	LongMonologue       time.Duration `validate:"gt=0"`
	ShortCallWindow     time.Duration `validate:"gt=0"`
	ShortCallEnergy     float64       `validate:"gt=0"`
	ShortReplyWords     int           `validate:"min=1"`
	HumanWordLimit      int           `validate:"min=1"`
	LongTranscriptWords int           `validate:"min=1"`
	MonotoneThreshold   float64       `validate:"gt=0"`
}

// DispatchConfig holds the event dispatcher settings.
type DispatchConfig struct {
	SweepInterval time.Duration `validate:"gt=0"`
	SinkTimeout   time.Duration `validate:"gt=0"`
	RetryDelays   []time.Duration
}

// RedisConfig holds the durable event log settings. An empty address
// disables Redis and falls back to the in-memory store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// AMQPConfig holds the broker fanout settings. An empty URL disables the
// AMQP broadcaster.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// Load reads configuration from the environment, preferring a .env file
// when one is present next to the binary or in the parent directory.
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		HTTP: HTTPConfig{
			Port:          getEnvInt("HTTP_PORT", 8080),
			ReadTimeout:   getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			EnableMetrics: getEnvBool("HTTP_ENABLE_METRICS", true),
		},
		Detection: DetectionConfig{
			SampleRate:     getEnvInt("DETECTION_SAMPLE_RATE", 8000),
			ChunkDuration:  getEnvDuration("DETECTION_CHUNK_DURATION", 160*time.Millisecond),
			VoiceThreshold: getEnvFloat("DETECTION_VOICE_THRESHOLD", 0.02),
			MinConfidence:  getEnvFloat("DETECTION_MIN_CONFIDENCE", 0.7),
			WarmupWindow:   getEnvDuration("DETECTION_WARMUP_WINDOW", time.Second),

			SilenceRatio:        getEnvFloat("DETECTION_SILENCE_RATIO", 0.30),
			LongSilence:         getEnvDuration("DETECTION_LONG_SILENCE", 1500*time.Millisecond),
			LongSilenceCount:    getEnvInt("DETECTION_LONG_SILENCE_COUNT", 2),
			MeaningfulPause:     getEnvDuration("DETECTION_MEANINGFUL_PAUSE", 100*time.Millisecond),
			MeaningfulPauses:    getEnvInt("DETECTION_MEANINGFUL_PAUSES", 3),
			LowEnergyVariation:  getEnvFloat("DETECTION_LOW_ENERGY_VARIATION", 0.05),
			HighEnergyVariation: getEnvFloat("DETECTION_HIGH_ENERGY_VARIATION", 0.15),
			LongMonologue:       getEnvDuration("DETECTION_LONG_MONOLOGUE", 15*time.Second),
			ShortCallWindow:     getEnvDuration("DETECTION_SHORT_CALL_WINDOW", 2*time.Second),
			ShortCallEnergy:     getEnvFloat("DETECTION_SHORT_CALL_ENERGY", 0.1),
			ShortReplyWords:     getEnvInt("DETECTION_SHORT_REPLY_WORDS", 10),
			HumanWordLimit:      getEnvInt("DETECTION_HUMAN_WORD_LIMIT", 20),
			LongTranscriptWords: getEnvInt("DETECTION_LONG_TRANSCRIPT_WORDS", 50),
			MonotoneThreshold:   getEnvFloat("DETECTION_MONOTONE_THRESHOLD", 0.2),
		},
		Dispatch: DispatchConfig{
			SweepInterval: getEnvDuration("DISPATCH_SWEEP_INTERVAL", time.Second),
			SinkTimeout:   getEnvDuration("DISPATCH_SINK_TIMEOUT", 5*time.Second),
			RetryDelays:   getEnvDurations("DISPATCH_RETRY_DELAYS", []time.Duration{time.Second, 3 * time.Second, 10 * time.Second, 30 * time.Second}),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AMQP: AMQPConfig{
			URL:      getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "callsignal.events"),
		},
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

// loadDotEnv tries the usual .env locations; absence is not an error.
func loadDotEnv(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	candidates := []string{".env", "../.env"}
	for _, envFile := range candidates {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		if err := godotenv.Load(envFile); err == nil {
			absPath, _ := filepath.Abs(envFile)
			logger.WithFields(logrus.Fields{
				"working_dir": wd,
				"path":        absPath,
			}).Info("Successfully loaded .env file")
			return
		}
	}

	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
}

// ConfigureLogger applies the logging settings to the given logger.
func (c *Config) ConfigureLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}

// getEnvDurations parses a comma-separated duration list. Any malformed
// element falls back to the full default list.
func getEnvDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		duration, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		out = append(out, duration)
	}
	return out
}
