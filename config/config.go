// Package config loads conveyor settings from defaults, an optional YAML
// file and CONVEYOR_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: log.level is CONVEYOR_LOG_LEVEL.
const EnvPrefix = "CONVEYOR"

type Config struct {
	StateDir  string         `mapstructure:"state_dir"`
	FlowsFile string         `mapstructure:"flows_file"`
	Log       LogConfig      `mapstructure:"log"`
	Executor  ExecutorConfig `mapstructure:"executor"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Sync      SyncConfig     `mapstructure:"sync"`
	Transfer  TransferConfig `mapstructure:"transfer"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
	S3        S3Config       `mapstructure:"s3"`
	Grid      GridConfig     `mapstructure:"grid"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ExecutorConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type CacheConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Checksum makes tree listings read every file to compare CRC64s.
	Checksum bool `mapstructure:"checksum"`
}

type TransferConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type MetricsConfig struct {
	// Addr enables the /metrics endpoint when set, e.g. ":9464".
	Addr string `mapstructure:"addr"`
}

type S3Config struct {
	Region   string `mapstructure:"region"`
	UseTLS   bool   `mapstructure:"use_tls"`
	PartSize int64  `mapstructure:"part_size"`
}

// GridConfig selects the grid backend: "s3" talks to S3-compatible
// endpoints, "file" serves zones from directories under Root.
type GridConfig struct {
	Scheme string `mapstructure:"scheme"`
	Root   string `mapstructure:"root"`
}

// DBPath is the bbolt database inside the state directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "conveyor.db")
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gridconveyor")
	}
	return ".gridconveyor"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("flows_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.poll_interval", 30*time.Second)
	v.SetDefault("cache.capacity", 16)
	v.SetDefault("cache.idle_timeout", 5*time.Minute)
	v.SetDefault("cache.max_age", time.Hour)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("cache.open_timeout", 30*time.Second)
	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.checksum", false)
	v.SetDefault("transfer.buffer_size", 1024*1024)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.use_tls", false)
	v.SetDefault("s3.part_size", 0)
	v.SetDefault("grid.scheme", "s3")
	v.SetDefault("grid.root", "")
}

// Load reads path (when non-empty) over the defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the conveyor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if c.Executor.MaxRetries < 0 {
		errs = append(errs, errors.New("executor.max_retries must not be negative"))
	}
	if c.Cache.Capacity < 1 {
		errs = append(errs, errors.New("cache.capacity must be at least 1"))
	}
	if c.Sync.Interval < time.Second {
		errs = append(errs, errors.New("sync.interval must be at least 1s"))
	}
	switch c.Grid.Scheme {
	case "s3":
	case "file":
		if c.Grid.Root == "" {
			errs = append(errs, errors.New("grid.root is required for the file scheme"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown grid.scheme %q", c.Grid.Scheme))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
