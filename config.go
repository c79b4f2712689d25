package scopez

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Carrier names accepted in Config.Carrier.
const (
	CarrierContext = "context"
	CarrierWorker  = "worker"
)

// Config holds tracer settings. Zero values fall back to defaults.
type Config struct {
	Carrier         string `yaml:"carrier" toml:"carrier"`
	LogLevel        string `yaml:"log_level" toml:"log_level"`
	MaxBreadcrumbs  int    `yaml:"max_breadcrumbs" toml:"max_breadcrumbs"`
	IDPoolSize      int    `yaml:"id_pool_size" toml:"id_pool_size"`
	Workers         int    `yaml:"workers" toml:"workers"`
	QueueSize       int    `yaml:"queue_size" toml:"queue_size"`
	CollectorBuffer int    `yaml:"collector_buffer" toml:"collector_buffer"`
}

// DefaultConfig returns the settings used by New.
func DefaultConfig() Config {
	return Config{
		Carrier:         CarrierContext,
		MaxBreadcrumbs:  DefaultMaxBreadcrumbs,
		CollectorBuffer: 1000,
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file over the
// defaults, then applies SCOPEZ_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "decode %s", path)
		}
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, errors.Wrapf(err, "decode %s", path)
		}
	default:
		return cfg, errors.Errorf("unsupported config format %q", ext)
	}

	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from SCOPEZ_* environment variables.
func (c *Config) ApplyEnv() {
	c.Carrier = getEnv("SCOPEZ_CARRIER", c.Carrier)
	c.LogLevel = getEnv("SCOPEZ_LOG_LEVEL", c.LogLevel)
	c.MaxBreadcrumbs = getEnvInt("SCOPEZ_MAX_BREADCRUMBS", c.MaxBreadcrumbs)
	c.IDPoolSize = getEnvInt("SCOPEZ_ID_POOL_SIZE", c.IDPoolSize)
	c.Workers = getEnvInt("SCOPEZ_WORKERS", c.Workers)
	c.QueueSize = getEnvInt("SCOPEZ_QUEUE_SIZE", c.QueueSize)
	c.CollectorBuffer = getEnvInt("SCOPEZ_COLLECTOR_BUFFER", c.CollectorBuffer)
}

// Validate rejects settings New cannot honor.
func (c Config) Validate() error {
	switch {
	case c.MaxBreadcrumbs < 0:
		return errors.New("max_breadcrumbs must be >= 0")
	case c.IDPoolSize < 0:
		return errors.New("id_pool_size must be >= 0")
	case c.Workers < 0:
		return errors.New("workers must be >= 0")
	case c.Workers > 0 && c.QueueSize <= 0:
		return errors.New("queue_size must be > 0 when workers are enabled")
	case c.CollectorBuffer < 0:
		return errors.New("collector_buffer must be >= 0")
	}

	switch c.Carrier {
	case "", CarrierContext, CarrierWorker:
	default:
		return errors.Errorf("unknown carrier %q (expected: context|worker)", c.Carrier)
	}

	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return errors.Wrap(err, "log_level")
		}
	}
	return nil
}

// logger builds a production zap logger at LogLevel, or a no-op logger when
// no level is configured.
func (c Config) logger() (*zap.Logger, error) {
	if c.LogLevel == "" {
		return zap.NewNop(), nil
	}
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log_level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func (c Config) carrier() Carrier {
	if c.Carrier == CarrierWorker {
		return NewWorkerCarrier()
	}
	return ContextCarrier{}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
