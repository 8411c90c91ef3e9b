package main

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

// config holds the daemon configuration, loaded from the environment.
type config struct {
	Addr        string `env:"IDENTITYD_ADDR" envDefault:":8080"`
	Environment string `env:"IDENTITYD_ENV" envDefault:"development"`

	AccessSecret       string        `env:"IDENTITYD_ACCESS_SECRET,required"`
	RefreshSecret      string        `env:"IDENTITYD_REFRESH_SECRET,required"`
	ConfirmationSecret string        `env:"IDENTITYD_CONFIRMATION_SECRET,required"`
	AccessTTL          time.Duration `env:"IDENTITYD_ACCESS_TTL" envDefault:"5m"`
	RefreshTTL         time.Duration `env:"IDENTITYD_REFRESH_TTL" envDefault:"168h"`

	MaxSessions     int           `env:"IDENTITYD_MAX_SESSIONS" envDefault:"5"`
	ConfirmationTTL time.Duration `env:"IDENTITYD_CONFIRMATION_TTL" envDefault:"5m"`

	// Exactly one backend must be configured.
	PostgresDSN string `env:"IDENTITYD_POSTGRES_DSN"`
	RedisAddr   string `env:"IDENTITYD_REDIS_ADDR"`

	GitHubClientID     string `env:"IDENTITYD_GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"IDENTITYD_GITHUB_CLIENT_SECRET"`
	GitHubRedirectURL  string `env:"IDENTITYD_GITHUB_REDIRECT_URL"`

	GoogleClientID     string `env:"IDENTITYD_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"IDENTITYD_GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"IDENTITYD_GOOGLE_REDIRECT_URL"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, err
	}
	if cfg.PostgresDSN == "" && cfg.RedisAddr == "" {
		return config{}, errors.New("either IDENTITYD_POSTGRES_DSN or IDENTITYD_REDIS_ADDR must be set")
	}
	if cfg.PostgresDSN != "" && cfg.RedisAddr != "" {
		return config{}, errors.New("IDENTITYD_POSTGRES_DSN and IDENTITYD_REDIS_ADDR are mutually exclusive")
	}
	return cfg, nil
}

func (c config) production() bool {
	return c.Environment == "production"
}
