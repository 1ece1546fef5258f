// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	DSN       string `env:"DB_DSN,required"`
	JWTSecret string `env:"JWT_SECRET,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	TranslationModel      string        `env:"TRANSLATION_MODEL" envDefault:"gpt-4"`
	TranslationBaseURL    string        `env:"TRANSLATION_BASE_URL"`
	TranslationTimeout    time.Duration `env:"TRANSLATION_TIMEOUT" envDefault:"60s"`
	TranslationMaxRetries int           `env:"TRANSLATION_MAX_RETRIES" envDefault:"0"`

	// Number of earlier messages handed to the translator as context.
	ChatHistoryMessages int `env:"CHAT_HISTORY_NUM_PREV_MSGS" envDefault:"10"`

	PublishMaxAttempts    uint          `env:"PUBLISH_MAX_ATTEMPTS" envDefault:"3"`
	PublishRetryDelay     time.Duration `env:"PUBLISH_RETRY_DELAY" envDefault:"2s"`
	SubscriptionQueueSize int           `env:"SUBSCRIPTION_QUEUE_SIZE" envDefault:"64"`

	OTelEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
}

// Load reads an optional .env file and then parses the environment into a
// Config. Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PublishMaxAttempts == 0 {
		return nil, fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.SubscriptionQueueSize <= 0 {
		return nil, fmt.Errorf("SUBSCRIPTION_QUEUE_SIZE must be positive")
	}
	return &cfg, nil
}
