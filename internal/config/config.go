// Package config loads service configuration from defaults, an optional file
// and MEDCONSENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/medconsent/internal/limiter"
)

// EnvPrefix prefixes every environment override: grants.ttl -> MEDCONSENT_GRANTS_TTL.
const EnvPrefix = "MEDCONSENT"

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Links    LinksConfig    `mapstructure:"links"`
	Grants   GrantsConfig   `mapstructure:"grants"`
	Limiter  LimiterConfig  `mapstructure:"limiter"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr       string        `mapstructure:"addr"`
	TLSCert    string        `mapstructure:"tls_cert"`
	TLSKey     string        `mapstructure:"tls_key"`
	Reflection bool          `mapstructure:"reflection"`
	CheckEvery time.Duration `mapstructure:"check_every"`
}

// DatabaseConfig selects the storage backend. An empty DSN runs on in-memory stores.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type StorageConfig struct {
	BasePath      string `mapstructure:"base_path"`
	MaxUploadSize string `mapstructure:"max_upload_size"`
	// EncryptionKey seals stored documents at rest when set.
	EncryptionKey string `mapstructure:"encryption_key"`

	maxUploadSizeVal int64
}

// MaxUploadBytes is the parsed MaxUploadSize.
func (c StorageConfig) MaxUploadBytes() int64 { return c.maxUploadSizeVal }

type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Leeway     time.Duration `mapstructure:"leeway"`
}

type LinksConfig struct {
	// SigningKey signs retrieval handles; empty reuses the auth key.
	SigningKey string        `mapstructure:"signing_key"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type GrantsConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LimiterConfig struct {
	Window   time.Duration `mapstructure:"window"`
	MaxFails int           `mapstructure:"max_fails"`
	BlockFor time.Duration `mapstructure:"block_for"`
}

// Settings converts to limiter.Settings.
func (c LimiterConfig) Settings() limiter.Settings {
	return limiter.Settings{Window: c.Window, MaxFails: c.MaxFails, BlockFor: c.BlockFor}
}

// AgentConfig points at the model configuration used by the extraction and
// digest adapters. An empty ConfigPath leaves the adapters unconfigured and
// image records end up Failed.
type AgentConfig struct {
	ConfigPath string        `mapstructure:"config_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var defaults = map[string]any{
	"http.addr":               ":8080",
	"http.shutdown_timeout":   10 * time.Second,
	"grpc.addr":               ":9090",
	"grpc.tls_cert":           "",
	"grpc.tls_key":            "",
	"grpc.reflection":         false,
	"grpc.check_every":        10 * time.Second,
	"database.dsn":            "",
	"database.max_conns":      16,
	"database.migrate":        true,
	"storage.base_path":       ".data/blobs",
	"storage.max_upload_size": "20MB",
	"storage.encryption_key":  "",
	"auth.signing_key":        "",
	"auth.leeway":             30 * time.Second,
	"links.signing_key":       "",
	"links.ttl":               time.Hour,
	"grants.ttl":              8 * time.Hour,
	"grants.sweep_interval":   5 * time.Minute,
	"limiter.window":          limiter.DefaultSettings.Window,
	"limiter.max_fails":       limiter.DefaultSettings.MaxFails,
	"limiter.block_for":       limiter.DefaultSettings.BlockFor,
	"agent.config_path":       "",
	"agent.timeout":           60 * time.Second,
	"log.level":               "info",
	"log.development":         false,
}

// Load reads configuration. path may be empty; a missing file is an error
// only when path is set explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and parses derived ones.
func (c *Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.Auth.SigningKey) == "" {
		problems = append(problems, errors.New("auth.signing_key is required"))
	}
	if c.Links.SigningKey == "" {
		c.Links.SigningKey = c.Auth.SigningKey
	}
	if c.HTTP.Addr == "" {
		problems = append(problems, errors.New("http.addr is required"))
	}
	if (c.GRPC.TLSCert == "") != (c.GRPC.TLSKey == "") {
		problems = append(problems, errors.New("grpc.tls_cert and grpc.tls_key must be set together"))
	}
	if c.Grants.TTL <= 0 {
		problems = append(problems, errors.New("grants.ttl must be positive"))
	}
	if c.Links.TTL <= 0 {
		problems = append(problems, errors.New("links.ttl must be positive"))
	}
	if c.Storage.BasePath == "" {
		problems = append(problems, errors.New("storage.base_path is required"))
	}
	size, err := units.FromHumanSize(c.Storage.MaxUploadSize)
	switch {
	case err != nil:
		problems = append(problems, fmt.Errorf("invalid storage.max_upload_size: %w", err))
	case size <= 0:
		problems = append(problems, errors.New("storage.max_upload_size must be positive"))
	default:
		c.Storage.maxUploadSizeVal = size
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Errorf("invalid log.level: %w", err))
	}
	return errors.Join(problems...)
}

// Memory reports whether the service runs without a database.
func (c *Config) Memory() bool { return strings.TrimSpace(c.Database.DSN) == "" }

// NewLogger builds the process logger.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}
