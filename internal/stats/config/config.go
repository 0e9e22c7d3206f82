package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "STATS_"

// AppConfig holds configuration values parsed from environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env      string         `koanf:"env" validate:"required,oneof=dev prod"`
	Log      LoggingConfig  `koanf:"log" validate:"required"`
	Backend  BackendConfig  `koanf:"backend"`
	Fallback FallbackConfig `koanf:"fallback"`
	Fetcher  FetcherConfig  `koanf:"fetcher"`
	Cache    CacheConfig    `koanf:"cache" validate:"required"`
	Session  SessionConfig  `koanf:"session"`
	Serve    ServeConfig    `koanf:"serve" validate:"required"`
}

// LoggingConfig controls log verbosity: "debug", "info", "warn", or "error".
type LoggingConfig struct {
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

// BackendConfig describes the Postgres database counts are read from.
// An empty DSN means no direct credential is held and only the fallback
// endpoint is used.
type BackendConfig struct {
	DSN          string `koanf:"dsn"`
	NotifyPrefix string `koanf:"notify_prefix" validate:"required,excludes=.,table_name"`
}

// FallbackConfig points at the same-origin aggregation endpoint.
type FallbackConfig struct {
	URL     string        `koanf:"url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// FetcherConfig lists tables that always bypass direct queries.
type FetcherConfig struct {
	FallbackOnly []string `koanf:"fallback_only" validate:"dive,table_name"`
}

// CacheConfig sizes the pool of entries kept after their last consumer leaves.
type CacheConfig struct {
	Retained int `koanf:"retained" validate:"gte=1"`
}

// SessionConfig sets where the backend-unavailable flag lives. Empty keeps it
// in memory for the life of the process.
type SessionConfig struct {
	Path string `koanf:"path"`
}

// ServeConfig configures the aggregation endpoint served by "livestatsd serve".
type ServeConfig struct {
	Port   int      `koanf:"port" validate:"required,gte=1,lt=65535"`
	Tables []string `koanf:"tables" validate:"dive,table_name"`
}

// DEFAULT_APP_CONFIG holds the values used when the environment sets nothing.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LoggingConfig{Level: "info"},
	Backend: BackendConfig{
		NotifyPrefix: "livestats",
	},
	Fallback: FallbackConfig{
		Timeout: 5 * time.Second,
	},
	Cache: CacheConfig{Retained: 256},
	Serve: ServeConfig{Port: 8080},
}

// sections are the nested config groups; STATS_<SECTION>_<KEY> maps to
// section.key.
var sections = []string{"log", "backend", "fallback", "fetcher", "cache", "session", "serve"}

// listKeys are split on commas and spaces.
var listKeys = map[string]bool{
	"fetcher.fallback_only": true,
	"serve.tables":          true,
}

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// validTableName accepts a bare or schema-qualified SQL identifier.
func validTableName(fl validator.FieldLevel) bool {
	return tableNameRE.MatchString(fl.Field().String())
}

// envKey turns STATS_BACKEND_NOTIFY_PREFIX into backend.notify_prefix.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for _, s := range sections {
		if strings.HasPrefix(key, s+"_") {
			return s + "." + strings.TrimPrefix(key, s+"_")
		}
	}
	return key
}

// envLoader loads environment variables with the prefix "STATS_" and can be
// mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = envKey(key)
			value = strings.TrimSpace(value)

			if value == "" || !listKeys[key] {
				return key, value
			}
			parts := strings.FieldsFunc(value, func(r rune) bool {
				return r == ' ' || r == ','
			})
			return key, parts
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG into k.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the "table_name" validation.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("table_name", validTableName)
}

// Load parses environment variables and returns an AppConfig instance.
// It applies default values and runs validation automatically.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// HasCredential reports whether a direct backend credential is configured.
func (c *AppConfig) HasCredential() bool {
	return strings.TrimSpace(c.Backend.DSN) != ""
}
