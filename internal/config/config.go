package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBFile    string `env:"KOLOKOL_DB" envDefault:"kolokol.db"`
	AdminAddr string `env:"ADMIN_ADDR" envDefault:"localhost:8081"`
	APIAddr   string `env:"API_ADDR" envDefault:":8080"`
	BaseURL   string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	AuthSecret  string        `env:"AUTH_SECRET"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`

	TypingTTL    time.Duration `env:"TYPING_TTL" envDefault:"3s"`
	EventTimeout time.Duration `env:"EVENT_TIMEOUT" envDefault:"5s"`
	OutboxSize   int           `env:"OUTBOX_SIZE" envDefault:"100"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber string `env:"VAPID_SUBSCRIBER" envDefault:"admin@localhost"`

	// Tracing is disabled when empty.
	OTelEndpoint string     `env:"OTEL_ENDPOINT"`
	LogLevel     slog.Level `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the configuration from the environment. CLI commands talk to a
// running server and do not need the auth secret.
func Load(cliMode bool) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be greater than 0")
	}

	if c.EventTimeout <= 0 {
		return fmt.Errorf("EVENT_TIMEOUT must be greater than 0")
	}

	if c.OutboxSize <= 0 {
		return fmt.Errorf("OUTBOX_SIZE must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}
