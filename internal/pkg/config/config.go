package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds the ambient application configuration. The streamed source
// names and per-run flags come from the command line, not from here.
type Config struct {
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	OutputPath   string        `env:"OUTPUT_PATH"`                        // empty means stdout; ".gz" suffix compresses
	MetricsAddr  string        `env:"METRICS_ADDR"`                       // empty disables the metrics server
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`   // file source change-poll pacing
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
