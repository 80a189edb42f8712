// Package config defines runtime defaults, loading from YAML, .env files and
// the environment, sanitisation, and validation for the huddle service.
package config

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" validate:"gt=0"`
	RefillInterval time.Duration `yaml:"refill_interval" validate:"gt=0"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string          `yaml:"port" validate:"required"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size" validate:"gt=0"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	DatabasePath  string `yaml:"database_path" validate:"required"`
	UploadDir     string `yaml:"upload_dir" validate:"required"`
	MaxUploadSize int64  `yaml:"max_upload_size" validate:"gt=0"`

	RetentionHorizon time.Duration `yaml:"retention_horizon" validate:"gt=0"`
	SweepInterval    time.Duration `yaml:"sweep_interval" validate:"gt=0"`

	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`
}

// environment lists the variables that override file and default values.
// Fields stay strings so malformed values fall back instead of failing.
type environment struct {
	Port             string `env:"SERVER_PORT"`
	AllowedOrigins   string `env:"ALLOWED_ORIGINS"`
	MaxMessageSize   string `env:"MAX_MESSAGE_SIZE"`
	RateLimitBurst   string `env:"RATE_LIMIT_BURST"`
	RefillInterval   string `env:"RATE_LIMIT_REFILL_INTERVAL"`
	DatabasePath     string `env:"DATABASE_PATH"`
	UploadDir        string `env:"UPLOAD_DIR"`
	MaxUploadSize    string `env:"MAX_UPLOAD_SIZE"`
	RetentionHorizon string `env:"RETENTION_HORIZON"`
	SweepInterval    string `env:"SWEEP_INTERVAL"`
	LogLevel         string `env:"LOG_LEVEL"`
	LogFormat        string `env:"LOG_FORMAT"`
}

var validate = validator.New()

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 64 << 10,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		DatabasePath:     "huddle.db",
		UploadDir:        "uploads",
		MaxUploadSize:    10 << 20,
		RetentionHorizon: 48 * time.Hour,
		SweepInterval:    time.Hour,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then .env, then the process environment. The result
// is sanitised and validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg = Sanitize(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Unset or malformed
// values leave the current setting untouched.
func ApplyEnv(cfg *Config) error {
	var e environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return errors.Wrap(err, "read environment")
	}

	if e.Port != "" {
		cfg.Port = e.Port
	}
	if e.AllowedOrigins != "" {
		cfg.AllowedOrigins = parseOrigins(e.AllowedOrigins)
	}
	if e.MaxMessageSize != "" {
		cfg.MaxMessageSize = parseSize(e.MaxMessageSize, cfg.MaxMessageSize)
	}
	if e.RateLimitBurst != "" {
		cfg.RateLimit.Burst = parseIntValue(e.RateLimitBurst, cfg.RateLimit.Burst)
	}
	if e.RefillInterval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(e.RefillInterval, cfg.RateLimit.RefillInterval)
	}
	if e.DatabasePath != "" {
		cfg.DatabasePath = e.DatabasePath
	}
	if e.UploadDir != "" {
		cfg.UploadDir = e.UploadDir
	}
	if e.MaxUploadSize != "" {
		cfg.MaxUploadSize = parseSize(e.MaxUploadSize, cfg.MaxUploadSize)
	}
	if e.RetentionHorizon != "" {
		cfg.RetentionHorizon = parseDuration(e.RetentionHorizon, cfg.RetentionHorizon)
	}
	if e.SweepInterval != "" {
		cfg.SweepInterval = parseDuration(e.SweepInterval, cfg.SweepInterval)
	}
	if e.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(e.LogLevel)
	}
	if e.LogFormat != "" {
		cfg.LogFormat = strings.ToLower(e.LogFormat)
	}
	return nil
}

// Sanitize replaces missing or non-positive settings with their defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = def.UploadDir
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = def.MaxUploadSize
	}
	if cfg.RetentionHorizon <= 0 {
		cfg.RetentionHorizon = def.RetentionHorizon
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Validate checks cfg against its field constraints.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts a Go duration ("90s", "1h") or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
