// Package config содержит логику чтения конфигурации витрины.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации витрины.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	APIBaseURL   string `env:"API_BASE_URL"`
	RedisAddress string `env:"REDIS_ADDRESS"`

	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"10s"`
	SessionTTL     time.Duration `env:"SESSION_TTL" envDefault:"2160h"`
	ViewCacheTTL   time.Duration `env:"VIEW_CACHE_TTL" envDefault:"1h"`
	CookieSecure   bool          `env:"COOKIE_SECURE" envDefault:"false"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	MutationRatePerMinute int `env:"MUTATION_RATE_PER_MIN" envDefault:"60"`
}

// GoogleEnabled сообщает, настроен ли вход через Google.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envAPIBaseURL := cfg.APIBaseURL
	envRedisAddress := cfg.RedisAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.APIBaseURL, "b", "", "backend API base URL")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for the view cache (empty for in-memory)")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envAPIBaseURL != "" {
		cfg.APIBaseURL = envAPIBaseURL
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.APIBaseURL == "" {
		return nil, errors.New("backend API base URL is required (-b or API_BASE_URL)")
	}
	if cfg.MutationRatePerMinute < 0 {
		return nil, errors.New("MUTATION_RATE_PER_MIN must not be negative")
	}

	return cfg, nil
}
