// Package config provides unified configuration loading for the filings engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the filings engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Blob          BlobConfig          `yaml:"blob"`
	Edgar         EdgarConfig         `yaml:"edgar"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Chat          ChatConfig          `yaml:"chat"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Progress      ProgressConfig      `yaml:"progress"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// BlobConfig holds staging-area settings.
type BlobConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// EdgarConfig holds archive fetcher settings.
type EdgarConfig struct {
	BaseURL               string        `yaml:"base_url"`
	DataBaseURL           string        `yaml:"data_base_url"`
	UserAgent             string        `yaml:"user_agent"`
	MinRequestInterval    time.Duration `yaml:"min_request_interval"`
	MaxFilingsToDownload  int           `yaml:"max_filings_to_download"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ChatConfig holds chat provider settings.
type ChatConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	FastModel string        `yaml:"fast_model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RetrievalConfig holds adaptive retrieval settings.
type RetrievalConfig struct {
	RegularMaxK             int     `yaml:"regular_max_k"`
	RegularMinSimilarity    float64 `yaml:"regular_min_similarity"`
	ExhaustiveMaxK          int     `yaml:"exhaustive_max_k"` // 0 means unlimited
	ExhaustiveMinSimilarity float64 `yaml:"exhaustive_min_similarity"`
}

// PipelineConfig holds ingestion pipeline settings.
type PipelineConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkOverlap      int           `yaml:"chunk_overlap"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	PersistLockTTL    time.Duration `yaml:"persist_lock_ttl"`
}

// ProgressConfig holds progress bus settings.
type ProgressConfig struct {
	Driver string      `yaml:"driver"` // memory or redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/filingsage.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Blob: BlobConfig{
			BaseDir: "/tmp/filingsage/staging",
		},
		Edgar: EdgarConfig{
			BaseURL:              "https://www.sec.gov",
			DataBaseURL:          "https://data.sec.gov",
			UserAgent:            "FilingSage/1.0 (contact@filingsage.dev)",
			MinRequestInterval:   100 * time.Millisecond,
			MaxFilingsToDownload: 0,
			RequestTimeout:       60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			BatchSize: 100,
			Timeout:   30 * time.Second,
		},
		Chat: ChatConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o",
			FastModel: "gpt-4o-mini",
			Timeout:   120 * time.Second,
		},
		Retrieval: RetrievalConfig{
			RegularMaxK:             15,
			RegularMinSimilarity:    0.70,
			ExhaustiveMaxK:          0,
			ExhaustiveMinSimilarity: 0.0,
		},
		Pipeline: PipelineConfig{
			ChunkSize:         1000,
			ChunkOverlap:      200,
			MaxConcurrentJobs: 2,
			PersistLockTTL:    300 * time.Second,
		},
		Progress: ProgressConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "filingsage",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Progress.Driver != "memory" && c.Progress.Driver != "redis" {
		return fmt.Errorf("invalid progress driver: %s", c.Progress.Driver)
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}

	if c.Pipeline.ChunkOverlap < 0 || c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size)")
	}

	if c.Retrieval.RegularMinSimilarity < 0 || c.Retrieval.RegularMinSimilarity > 1 {
		return fmt.Errorf("regular_min_similarity must be in [0, 1]")
	}

	if !strings.Contains(c.Edgar.UserAgent, "@") {
		return fmt.Errorf("edgar user_agent must include a contact address")
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("BLOB_BASE_DIR"); v != "" {
		cfg.Blob.BaseDir = v
	}

	if v := os.Getenv("EDGAR_USER_AGENT"); v != "" {
		cfg.Edgar.UserAgent = v
	}

	if v := os.Getenv("EDGAR_MAX_FILINGS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Edgar.MaxFilingsToDownload = n
		}
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
		cfg.Chat.APIKey = v
	}

	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}

	if v := os.Getenv("CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Progress.Driver = "redis"
		cfg.Progress.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
