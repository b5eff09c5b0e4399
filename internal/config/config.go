package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Pool     PoolConfig     `yaml:"pool"`
	Worker   WorkerConfig   `yaml:"worker"`
	Reindex  ReindexConfig  `yaml:"reindex"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
	Bucket     string `yaml:"bucket"`
}

type PoolConfig struct {
	MinWorkers               int `yaml:"min_workers"`
	MaxWorkers               int `yaml:"max_workers"`
	DefaultTimeoutSeconds    int `yaml:"default_timeout_seconds"`
	GracefulShutdownSeconds  int `yaml:"graceful_shutdown_seconds"`
	RecycleAfterExecutions   int `yaml:"recycle_after_executions"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	RouteWaitSeconds         int `yaml:"route_wait_seconds"`
}

type WorkerConfig struct {
	// Command spawns one worker child; empty means re-exec the current
	// binary with the "worker" subcommand.
	Command []string `yaml:"command"`
	// RuntimeCommand is the interpreter invocation used to run workflow
	// units inside the worker, e.g. ["python3", "-"].
	RuntimeCommand []string `yaml:"runtime_command"`
}

type ReindexConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Pool.MinWorkers == 0 {
		c.Pool.MinWorkers = 2
	}
	if c.Pool.MaxWorkers == 0 {
		c.Pool.MaxWorkers = 8
	}
	if c.Pool.DefaultTimeoutSeconds == 0 {
		c.Pool.DefaultTimeoutSeconds = 300
	}
	if c.Pool.GracefulShutdownSeconds == 0 {
		c.Pool.GracefulShutdownSeconds = 5
	}
	if c.Pool.HeartbeatIntervalSeconds == 0 {
		c.Pool.HeartbeatIntervalSeconds = 10
	}
	if c.Pool.RouteWaitSeconds == 0 {
		c.Pool.RouteWaitSeconds = 30
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "bifrost"
	}
}

// applyEnv lets deployment environments override file values without
// editing the YAML (Cloud Run style).
func (c *Config) applyEnv() {
	if v := os.Getenv("BIFROST_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("STORAGE_SERVICE_KEY"); v != "" {
		c.Storage.ServiceKey = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
}

func (p PoolConfig) RouteWait() time.Duration {
	return time.Duration(p.RouteWaitSeconds) * time.Second
}

func (p PoolConfig) GracefulShutdown() time.Duration {
	return time.Duration(p.GracefulShutdownSeconds) * time.Second
}

func (p PoolConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalSeconds) * time.Second
}

// LoadConfig reads the YAML config at path. A missing file is not an
// error; defaults plus environment overrides still produce a usable
// config for local development.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}
