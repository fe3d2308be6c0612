package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all flowcore configuration.
// Priority: env vars > settings.json (or --config) > defaults.
type Config struct {
	DBPath           string        `mapstructure:"db_path"`
	LogLevel         string        `mapstructure:"log_level"`
	PoolSize         int           `mapstructure:"pool_size"`
	BatchSize        int           `mapstructure:"batch_size"`
	PollSchedule     string        `mapstructure:"poll_schedule"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	MaxDepth         int           `mapstructure:"max_depth"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	TraceStdout      bool          `mapstructure:"trace_stdout"`
	TemplateCacheTTL time.Duration `mapstructure:"template_cache_ttl"`

	Bus     BusConfig     `mapstructure:"bus"`
	Lock    LockConfig    `mapstructure:"lock"`
	Circuit CircuitConfig `mapstructure:"circuit"`
	HTTP    HTTPConfig    `mapstructure:"http"`
}

// BusConfig selects the message bus used by kafka and event steps.
type BusConfig struct {
	Driver string `mapstructure:"driver"` // kafka, nats or none
	Kafka  struct {
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
}

// LockConfig selects the per-instance locker.
type LockConfig struct {
	Driver string        `mapstructure:"driver"` // memory or redis
	TTL    time.Duration `mapstructure:"ttl"`
	Redis  struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
}

// CircuitConfig tunes the per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	HalfOpenMax      int           `mapstructure:"half_open_max"`
}

// HTTPConfig tunes the outbound HTTP client.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func flowcoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowcore"
	}
	return filepath.Join(home, ".flowcore")
}

func settingsPath() string {
	return filepath.Join(flowcoreDir(), "settings.json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(flowcoreDir(), "flowcore.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("pool_size", 8)
	v.SetDefault("batch_size", 100)
	v.SetDefault("poll_schedule", "@every 5s")
	v.SetDefault("stale_after", 5*time.Minute)
	v.SetDefault("max_depth", 32)
	v.SetDefault("metrics_addr", ":9464")
	v.SetDefault("trace_stdout", false)
	v.SetDefault("template_cache_ttl", 10*time.Minute)

	v.SetDefault("bus.driver", "none")
	v.SetDefault("bus.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("bus.nats.url", "nats://127.0.0.1:4222")

	v.SetDefault("lock.driver", "memory")
	v.SetDefault("lock.ttl", 5*time.Minute)
	v.SetDefault("lock.redis.addr", "localhost:6379")

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cooldown", 30*time.Second)
	v.SetDefault("circuit.half_open_max", 1)

	v.SetDefault("http.timeout", 30*time.Second)
}

// loadConfig layers defaults, the settings file and FLOWCORE_* env vars.
// An explicit path must exist; the default settings file is optional.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOWCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Bus.Driver {
	case "kafka", "nats", "none", "":
	default:
		return fmt.Errorf("bus.driver %q: want kafka, nats or none", c.Bus.Driver)
	}
	switch c.Lock.Driver {
	case "memory", "redis", "":
	default:
		return fmt.Errorf("lock.driver %q: want memory or redis", c.Lock.Driver)
	}
	return nil
}
