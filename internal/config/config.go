package config

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/susu3304/sessionbot/internal/outbox"
	"github.com/susu3304/sessionbot/internal/scheduler"
)

type Config struct {
	// Discord Bot
	DiscordToken     string `env:"DISCORD_TOKEN"`
	DiscordChannelID string `env:"DISCORD_CHANNEL_ID"`
	// Messages per second and burst allowed toward Discord.
	DiscordRateLimit float64 `env:"DISCORD_RATE_LIMIT" envDefault:"2"`
	DiscordRateBurst int     `env:"DISCORD_RATE_BURST" envDefault:"4"`

	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	// MemoryStore runs without Postgres. State is lost on exit.
	MemoryStore bool `env:"MEMORY_STORE"`

	// Web Server
	WebBind     string   `env:"WEB_BIND" envDefault:"0.0.0.0:3000"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// Campaign calendar
	TimeZone string `env:"TIMEZONE" envDefault:"UTC"`
	location *time.Location

	// Observability
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"sessionbot"`

	Outbox OutboxConfig        `envPrefix:"OUTBOX_"`
	Sweeps scheduler.Intervals `envPrefix:"SWEEP_"`
}

type OutboxConfig struct {
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"10"`
	MaxRetries int           `env:"MAX_RETRIES" envDefault:"5"`
	Cooldown   time.Duration `env:"COOLDOWN" envDefault:"5m"`
	StaleAfter time.Duration `env:"STALE_AFTER" envDefault:"15m"`
	Retention  time.Duration `env:"RETENTION" envDefault:"168h"`
}

func (o OutboxConfig) Config() outbox.Config {
	return outbox.Config{
		BatchSize:  o.BatchSize,
		MaxRetries: o.MaxRetries,
		Cooldown:   o.Cooldown,
		StaleAfter: o.StaleAfter,
		Retention:  o.Retention,
	}
}

func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.DiscordToken == "" {
		return nil, errors.New("DISCORD_TOKEN is required")
	}
	if cfg.DiscordChannelID == "" {
		return nil, errors.New("DISCORD_CHANNEL_ID is required")
	}
	if cfg.DatabaseURL == "" && !cfg.MemoryStore {
		return nil, errors.New("DATABASE_URL is required unless MEMORY_STORE is set")
	}
	if cfg.DiscordRateLimit <= 0 || cfg.DiscordRateBurst <= 0 {
		return nil, errors.New("DISCORD_RATE_LIMIT and DISCORD_RATE_BURST must be positive")
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	cfg.location = loc

	return cfg, nil
}

// Location is the loaded TIMEZONE.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}
