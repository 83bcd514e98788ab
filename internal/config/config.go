package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/providentiaww/sunrise/internal/oauth"
)

// Tunables are the optional knobs read from config.yaml.
type Tunables struct {
	ProviderTimeout   time.Duration `yaml:"provider_timeout"`
	CacheSize         int           `yaml:"cache_size"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	AlarmLimit        int           `yaml:"alarm_limit"`
	FreshWindow       time.Duration `yaml:"fresh_window"`
	SyncRetryAttempts uint          `yaml:"sync_retry_attempts"`
	SyncRetryDelay    time.Duration `yaml:"sync_retry_delay"`
}

// DefaultTunables is used for every key config.yaml leaves out.
func DefaultTunables() Tunables {
	return Tunables{
		ProviderTimeout:   15 * time.Second,
		CacheSize:         64,
		CacheTTL:          24 * time.Hour,
		AlarmLimit:        6,
		FreshWindow:       30 * time.Minute,
		SyncRetryAttempts: 3,
		SyncRetryDelay:    time.Second,
	}
}

// Config is the server's runtime configuration.
type Config struct {
	Environment        string
	HTTPAddr           string
	LogLevel           string
	DatabaseURL        string
	RedisURL           string
	DataDir            string
	SoundsDir          string
	TokenEncryptionKey string
	AMQPURL            string
	AMQPExchange       string
	OAuth              oauth.Config
	Tunables           Tunables
}

// Load reads the environment and overlays config.yaml, or the file named by
// CONFIG_FILE, when it exists.
func Load() (Config, error) {
	oauthCfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:        getEnv("APP_ENV", "development"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":5000"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		DataDir:            getEnv("DATA_DIR", "data"),
		TokenEncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       getEnv("AMQP_EXCHANGE", "sunrise.events"),
		OAuth:              oauthCfg,
		Tunables:           DefaultTunables(),
	}
	cfg.SoundsDir = getEnv("SOUNDS_DIR", filepath.Join("static", "sounds"))

	if cfg.DatabaseURL != "" && cfg.TokenEncryptionKey == "" {
		return Config{}, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required when DATABASE_URL is set")
	}

	path := getEnv("CONFIG_FILE", "config.yaml")
	if err := cfg.Tunables.overlay(path); err != nil {
		return Config{}, err
	}
	cfg.OAuth.HTTPTimeout = cfg.Tunables.ProviderTimeout
	return cfg, nil
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// overlay applies the keys present in the YAML file at path. A missing file
// leaves t unchanged.
func (t *Tunables) overlay(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if t.AlarmLimit <= 0 {
		return fmt.Errorf("%s: alarm_limit must be positive", path)
	}
	if t.CacheSize <= 0 {
		return fmt.Errorf("%s: cache_size must be positive", path)
	}
	return nil
}

// NewLogger builds a JSON logger in production and a console logger
// otherwise, at the configured level.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	var zc zap.Config
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
