package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AgentZ2077/game/pkg/logger"
)

// EnvConfigPath names the environment variable the daemon reads its config
// path from.
const EnvConfigPath = "GAME_CONFIG"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "configs/game.json"

// Config is the runtime configuration loaded at startup.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Memory  MemoryConfig  `json:"memory"`
	Queue   QueueConfig   `json:"queue"`
	Logging logger.Config `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig controls the API listener.
type ServerConfig struct {
	Address        string   `json:"address"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// MemoryConfig selects where memory snapshots are persisted.
type MemoryConfig struct {
	// Driver is one of none, file, redis or mysql.
	Driver string             `json:"driver"`
	File   FileSnapshotConfig `json:"file"`
	Redis  RedisConfig        `json:"redis"`
	MySQL  MySQLConfig        `json:"mysql"`
}

// FileSnapshotConfig points at the snapshot file on disk.
type FileSnapshotConfig struct {
	Path string `json:"path"`
}

// RedisConfig is shared by the snapshot store and the run queue.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// MySQLConfig holds the DSN and the snapshot row name.
type MySQLConfig struct {
	DSN          string `json:"dsn"`
	SnapshotName string `json:"snapshot_name"`
}

// QueueConfig controls asynchronous run jobs.
type QueueConfig struct {
	// Driver is one of memory, redis or rabbitmq.
	Driver     string         `json:"driver"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	Buffer     int            `json:"buffer"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig describes the broker connection for the run queue.
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// MetricsConfig controls the standalone metrics listener. An empty address
// keeps metrics on the API server only.
type MetricsConfig struct {
	Address string `json:"address"`
}

// RuntimeConfig holds paths and game defaults.
type RuntimeConfig struct {
	DataDir          string `json:"data_dir"`
	Roster           string `json:"roster"`
	DefaultTopic     string `json:"default_topic"`
	MaxConcurrency   int    `json:"max_concurrency"`
	SimulationRounds int    `json:"simulation_rounds"`
	// LedgerKey is a hex secp256k1 private key. When set, every ledger
	// record is signed with it.
	LedgerKey        string `json:"ledger_key"`
}

// PathFromEnv returns the config path from GAME_CONFIG or the default.
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load parses the JSON config at path and fills in defaults. Relative paths
// are resolved against the directory holding the config file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied, rooted at baseDir.
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	c.Runtime.Roster = resolve(baseDir, c.Runtime.Roster, "agents.yaml")
	if c.Runtime.DefaultTopic == "" {
		c.Runtime.DefaultTopic = "town-activity"
	}
	if c.Runtime.MaxConcurrency < 0 {
		c.Runtime.MaxConcurrency = 0
	}
	if c.Runtime.SimulationRounds <= 0 {
		c.Runtime.SimulationRounds = 3
	}

	c.Memory.Driver = strings.ToLower(strings.TrimSpace(c.Memory.Driver))
	if c.Memory.Driver == "" {
		c.Memory.Driver = "file"
	}
	if c.Memory.File.Path == "" {
		c.Memory.File.Path = filepath.Join(c.Runtime.DataDir, "memory.json")
	} else if !filepath.IsAbs(c.Memory.File.Path) {
		c.Memory.File.Path = filepath.Join(baseDir, c.Memory.File.Path)
	}
	if c.Memory.Redis.Address == "" {
		c.Memory.Redis.Address = "127.0.0.1:6379"
	}
	if c.Memory.Redis.Key == "" {
		c.Memory.Redis.Key = "game:memory:snapshot"
	}
	if c.Memory.MySQL.SnapshotName == "" {
		c.Memory.MySQL.SnapshotName = "default"
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.Redis.Address == "" {
		c.Queue.Redis.Address = c.Memory.Redis.Address
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "game:runs:queue"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "game.runs"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = c.Queue.Workers
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Journal.Path == "" {
		c.Logging.Journal.Path = filepath.Join(c.Runtime.DataDir, "log.jsonl")
	} else if !filepath.IsAbs(c.Logging.Journal.Path) {
		c.Logging.Journal.Path = filepath.Join(baseDir, c.Logging.Journal.Path)
	}
}

// Validate rejects driver names and settings the daemon cannot wire.
func (c *Config) Validate() error {
	switch c.Memory.Driver {
	case "none", "file", "redis":
	case "mysql":
		if strings.TrimSpace(c.Memory.MySQL.DSN) == "" {
			return invalid("memory.mysql.dsn is required for the mysql driver")
		}
	default:
		return invalid(fmt.Sprintf("unknown memory driver %q", c.Memory.Driver))
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return invalid("queue.rabbitmq.url is required for the rabbitmq driver")
		}
	default:
		return invalid(fmt.Sprintf("unknown queue driver %q", c.Queue.Driver))
	}
	return nil
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return filepath.Join(baseDir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
