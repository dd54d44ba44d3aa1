package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	RedisURL              string `env:"REDIS_URL,required=true"`
	HospitalAPIBaseURL    string `env:"HOSPITAL_API_BASE_URL,required=true"`
	HospitalAPITimeoutSec int    `env:"HOSPITAL_API_TIMEOUT_SEC,default=10"`
	ChunkConcurrency      int    `env:"CHUNK_CONCURRENCY,default=4"`
	MaxBatchRows          int    `env:"MAX_BATCH_ROWS,default=20"`
	RateLimitPerSec       int    `env:"RATE_LIMIT_PER_SEC,default=50"`
	StatusPollIntervalMS  int    `env:"STATUS_POLL_INTERVAL_MS,default=1000"`
	APIPort               int    `env:"API_PORT,default=8080"`
	LogLevel              string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) HospitalAPITimeout() time.Duration {
	return time.Duration(c.HospitalAPITimeoutSec) * time.Second
}

func (c *Config) StatusPollInterval() time.Duration {
	return time.Duration(c.StatusPollIntervalMS) * time.Millisecond
}
