// Package config loads SDK settings from defaults, an optional .env file,
// and ENTITLE_-prefixed environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Settings holds the SDK configuration.
type Settings struct {
	APIKey  string `env:"API_KEY"`
	BaseURL string `env:"BASE_URL" envDefault:"https://api.entitlekit.dev"`

	// DataDir is where the device database lives. Defaults to
	// $XDG_DATA_HOME/entitlekit or ~/.local/share/entitlekit.
	DataDir string `env:"DATA_DIR"`

	// AppUserID optionally pins the identity at configure time instead of
	// generating an anonymous id.
	AppUserID string `env:"APP_USER_ID"`

	ForegroundTTL       time.Duration `env:"FOREGROUND_TTL" envDefault:"5m"`
	BackgroundTTL       time.Duration `env:"BACKGROUND_TTL" envDefault:"25h"`
	BackgroundJitterMax time.Duration `env:"BACKGROUND_JITTER_MAX" envDefault:"5s"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"auto"`
}

// Load builds Settings from the environment. If envPath names an existing
// .env file it is loaded first without overriding variables already set.
func Load(envPath string) (*Settings, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			if !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", envPath).Msg("Failed to load .env file")
			}
		}
	}

	settings := &Settings{}
	if err := env.ParseWithOptions(settings, env.Options{Prefix: "ENTITLE_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if settings.DataDir == "" {
		settings.DataDir = defaultDataDir()
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// Validate checks settings consistency.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" {
		return fmt.Errorf("api key is required (ENTITLE_API_KEY)")
	}
	if strings.TrimSpace(s.BaseURL) == "" {
		return fmt.Errorf("base url must not be empty")
	}
	if s.ForegroundTTL <= 0 {
		return fmt.Errorf("foreground ttl must be positive, got %v", s.ForegroundTTL)
	}
	if s.BackgroundTTL < s.ForegroundTTL {
		return fmt.Errorf("background ttl (%v) must not be shorter than foreground ttl (%v)", s.BackgroundTTL, s.ForegroundTTL)
	}
	if s.BackgroundJitterMax < 0 {
		return fmt.Errorf("background jitter must not be negative, got %v", s.BackgroundJitterMax)
	}
	return nil
}

// DBPath returns the device database location under DataDir.
func (s *Settings) DBPath() string {
	return filepath.Join(s.DataDir, "device.db")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "entitlekit")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "entitlekit-data"
	}
	return filepath.Join(home, ".local", "share", "entitlekit")
}
