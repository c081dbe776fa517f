// Package config loads gateway configuration from config.yaml and
// WG_-prefixed environment variables.
package config

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Provider ProviderConfig `koanf:"provider"`
	Phone    PhoneConfig    `koanf:"phone"`
	Session  SessionConfig  `koanf:"session"`
	Bulk     BulkConfig     `koanf:"bulk"`
	Storage  StorageConfig  `koanf:"storage"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// AdminAPIKey protects the provider admin routes when set. Empty means
	// authentication happens upstream.
	AdminAPIKey string `koanf:"admin_api_key"`
}

type ProviderConfig struct {
	// Default selects the backend used for tenants with no stored
	// credentials: "session" or "cloud_api".
	Default string `koanf:"default"`
	// Process-default Cloud API credentials.
	AccessToken       string `koanf:"access_token"`
	PhoneNumberID     string `koanf:"phone_number_id"`
	BusinessAccountID string `koanf:"business_account_id"`
}

type PhoneConfig struct {
	// DefaultCountryCode is applied to numbers lacking a country prefix.
	// Deployment policy, deliberately not a baked-in constant.
	DefaultCountryCode string `koanf:"default_country_code"`
}

type SessionConfig struct {
	// StoreDir holds the per-session device databases.
	StoreDir string `koanf:"store_dir"`
	// TemplateFallback downgrades template sends to plain text on the
	// session backend instead of rejecting them.
	TemplateFallback bool `koanf:"template_fallback"`
	// AutoReconnect re-establishes a dropped socket automatically.
	AutoReconnect bool `koanf:"auto_reconnect"`
}

type BulkConfig struct {
	BatchSize int           `koanf:"batch_size"`
	Pacing    time.Duration `koanf:"pacing"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile loads configuration from path (missing file is fine) with
// environment variables layered on top.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars.
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Environment variables override file config.
	if err := k.Load(env.Provider("WG_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "WG_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values.
	defaults := map[string]any{
		"server.port":               8080,
		"provider.default":          "session",
		"session.store_dir":         "data/sessions",
		"session.template_fallback": true,
		"bulk.batch_size":           5,
		"bulk.pacing":               "1s",
		"storage.path":              "data/gateway.db",
		"log.level":                 "info",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute ${VAR} references so tokens can live in the environment.
	cfg.Provider.AccessToken = substituteEnvVars(cfg.Provider.AccessToken)
	cfg.Provider.PhoneNumberID = substituteEnvVars(cfg.Provider.PhoneNumberID)
	cfg.Server.AdminAPIKey = substituteEnvVars(cfg.Server.AdminAPIKey)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// SlogLevel maps the configured level string onto a slog level. Unknown
// values fall back to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
