package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alanyang/promptlab/internal/domain/fault"
	"github.com/alanyang/promptlab/internal/domain/resource"
)

// Names of the gates every deployment must configure.
const (
	GateRuns  = "runs"
	GateModel = "model"
)

type Config struct {
	Server      Server            `yaml:"server"`
	Log         Log               `yaml:"log"`
	Store       Store             `yaml:"store"`
	Limits      resource.Limits   `yaml:"limits"`
	Queue       Queue             `yaml:"queue"`
	Estimates   Estimates         `yaml:"estimates"`
	Gates       map[string]int    `yaml:"gates"`
	EventStore  EventStore        `yaml:"eventStore"`
	Broadcaster Broadcaster       `yaml:"broadcaster"`
	Model       Model             `yaml:"model"`
	Definitions Definitions       `yaml:"definitions"`
	Recovery    Recovery          `yaml:"recovery"`
	Runs        Runs              `yaml:"runs"`
	Analytics   AnalyticsSettings `yaml:"analytics"`
}

type Server struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Store struct {
	// Driver is memory, postgres or mysql. mysql only backs the event log;
	// runs and definitions then stay in memory.
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"databaseUrl"`
	MySQLDSN    string `yaml:"mysqlDsn"`
	MaxConns    int32  `yaml:"maxConns"`
}

type Queue struct {
	Limit         int           `yaml:"limit"`
	AgingInterval time.Duration `yaml:"agingInterval"`
}

type Estimates struct {
	MemoryMBPerWorker   int     `yaml:"memoryMbPerWorker"`
	CPUPercentPerWorker float64 `yaml:"cpuPercentPerWorker"`
}

type EventStore struct {
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

type Broadcaster struct {
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

type Model struct {
	// Endpoint empty selects the built-in echo invoker.
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Definitions struct {
	// File seeds the in-memory definition store.
	File     string        `yaml:"file"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

type Recovery struct {
	Enabled    bool   `yaml:"enabled"`
	InstanceID string `yaml:"instanceId"`
}

type Runs struct {
	MaxParallelism int `yaml:"maxParallelism"`
}

type AnalyticsSettings struct {
	// Window is the trailing period pushed in analytics_update messages.
	Window time.Duration `yaml:"window"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", ShutdownTimeout: 10 * time.Second},
		Log:    Log{Level: "info"},
		Store:  Store{Driver: "memory"},
		Limits: resource.Limits{MaxConcurrentRuns: 3, MaxMemoryMB: 2048, MaxCPUPercent: 200},
		Queue:  Queue{Limit: 100},
		Estimates: Estimates{
			MemoryMBPerWorker:   64,
			CPUPercentPerWorker: 10,
		},
		Gates:       map[string]int{GateRuns: 3, GateModel: 8},
		EventStore:  EventStore{BatchSize: 64, FlushInterval: 5 * time.Millisecond},
		Broadcaster: Broadcaster{SubscriberBuffer: 64},
		Model:       Model{Timeout: 60 * time.Second},
		Definitions: Definitions{CacheTTL: 30 * time.Second},
		Recovery:    Recovery{Enabled: true, InstanceID: "default"},
		Runs:        Runs{MaxParallelism: 8},
		Analytics:   AnalyticsSettings{Window: 24 * time.Hour},
	}
}

// Load layers the YAML file at path (optional) over Default, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing config %s: %v", fault.ErrConfig, path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PORT", &cfg.Server.Port)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("STORE_DRIVER", &cfg.Store.Driver)
	setString("DATABASE_URL", &cfg.Store.DatabaseURL)
	setString("MYSQL_DSN", &cfg.Store.MySQLDSN)
	setString("INSTANCE_ID", &cfg.Recovery.InstanceID)
	setString("MODEL_ENDPOINT", &cfg.Model.Endpoint)
	setString("MODEL_API_KEY", &cfg.Model.APIKey)
	setString("DEFINITIONS_FILE", &cfg.Definitions.File)

	if cfg.Store.DatabaseURL != "" && getenv("STORE_DRIVER") == "" && cfg.Store.Driver == "memory" {
		cfg.Store.Driver = "postgres"
	}
	if v := getenv("QUEUE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Limit = n
		} else {
			slog.Warn("ignoring invalid QUEUE_LIMIT", "value", v)
		}
	}
	cfg.Model.Timeout = envDuration(getenv, "MODEL_TIMEOUT_SECONDS", cfg.Model.Timeout)
	cfg.Queue.AgingInterval = envDuration(getenv, "QUEUE_AGING_SECONDS", cfg.Queue.AgingInterval)
	cfg.Server.ShutdownTimeout = envDuration(getenv, "SHUTDOWN_TIMEOUT_SECONDS", cfg.Server.ShutdownTimeout)
	cfg.Definitions.CacheTTL = envDuration(getenv, "DEFINITIONS_CACHE_TTL_SECONDS", cfg.Definitions.CacheTTL)
}

// envDuration reads an integer-seconds variable. Unset or invalid values keep def.
func envDuration(getenv func(string) string, key string, def time.Duration) time.Duration {
	if v := getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		slog.Warn("ignoring invalid duration", "key", key, "value", v)
	}
	return def
}

// Validate rejects out-of-range values. Nothing is clamped.
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.Queue.Limit <= 0 {
		return fmt.Errorf("%w: queue.limit must be > 0, got %d", fault.ErrConfig, c.Queue.Limit)
	}
	if c.Queue.AgingInterval < 0 {
		return fmt.Errorf("%w: queue.agingInterval must be >= 0", fault.ErrConfig)
	}
	if c.Estimates.MemoryMBPerWorker < 0 || c.Estimates.CPUPercentPerWorker < 0 {
		return fmt.Errorf("%w: estimates must be >= 0", fault.ErrConfig)
	}
	for _, name := range []string{GateRuns, GateModel} {
		if _, ok := c.Gates[name]; !ok {
			return fmt.Errorf("%w: gate %q is required", fault.ErrConfig, name)
		}
	}
	for name, permits := range c.Gates {
		if permits <= 0 {
			return fmt.Errorf("%w: gate %q permits must be > 0, got %d", fault.ErrConfig, name, permits)
		}
	}
	if c.Limits.MaxConcurrentRuns > c.Gates[GateRuns] {
		return fmt.Errorf("%w: limits.maxConcurrentRuns %d exceeds runs gate capacity %d",
			fault.ErrConfig, c.Limits.MaxConcurrentRuns, c.Gates[GateRuns])
	}
	if c.Runs.MaxParallelism < 0 {
		return fmt.Errorf("%w: runs.maxParallelism must be >= 0", fault.ErrConfig)
	}
	if c.EventStore.BatchSize < 0 || c.EventStore.FlushInterval < 0 {
		return fmt.Errorf("%w: eventStore settings must be >= 0", fault.ErrConfig)
	}
	if c.Broadcaster.SubscriberBuffer < 0 {
		return fmt.Errorf("%w: broadcaster.subscriberBuffer must be >= 0", fault.ErrConfig)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: store.databaseUrl (DATABASE_URL) is required for postgres", fault.ErrConfig)
		}
	case "mysql":
		if c.Store.MySQLDSN == "" {
			return fmt.Errorf("%w: store.mysqlDsn (MYSQL_DSN) is required for mysql", fault.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", fault.ErrConfig, c.Store.Driver)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown log level %q", fault.ErrConfig, s)
}
