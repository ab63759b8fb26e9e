// Package config provides unified configuration loading for MindVault.
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

// Config holds all configuration for the MindVault services.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Queue         QueueConfig         `yaml:"queue"`
	Oracle        OracleConfig        `yaml:"oracle"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	RAG           RAGConfig           `yaml:"rag"`
	Concepts      ConceptsConfig      `yaml:"concepts"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Usage         UsageConfig         `yaml:"usage"`
	Worker        WorkerConfig        `yaml:"worker"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Testing       bool                `yaml:"testing"`
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

// CacheConfig holds TTL cache settings.
type CacheConfig struct {
	Driver string      `yaml:"driver"` // memory or redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// QueueConfig holds durable job queue settings. The queue lives in a
// relational database; an empty DSN reuses the primary database.
type QueueConfig struct {
	DSN           string        `yaml:"dsn"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	DepthCeiling  int           `yaml:"depth_ceiling"`
	StaleDeadline time.Duration `yaml:"stale_deadline"`
}

// OracleConfig holds LLM oracle settings.
type OracleConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	ChatModel      string        `yaml:"chat_model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	VisionModel    string        `yaml:"vision_model"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// EmbeddingConfig holds embedding service settings.
type EmbeddingConfig struct {
	Dimension  int `yaml:"dimension"`
	BatchSize  int `yaml:"batch_size"`
	LRUEntries int `yaml:"lru_entries"`
}

// IngestionConfig holds ingestion pipeline settings.
type IngestionConfig struct {
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ImageStorePath string        `yaml:"image_store_path"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	ParentTokens   int           `yaml:"parent_tokens"`
	ChildTokens    int           `yaml:"child_tokens"`
	ChildOverlap   int           `yaml:"child_overlap"`
}

// RetrievalConfig holds hybrid retrieval settings.
type RetrievalConfig struct {
	SparseTopK     int     `yaml:"sparse_top_k"`
	DenseTopK      int     `yaml:"dense_top_k"`
	SparseWeight   float64 `yaml:"sparse_weight"`
	RerankTopM     int     `yaml:"rerank_top_m"`
	DefaultTopK    int     `yaml:"default_top_k"`
	MinSparseScore float64 `yaml:"min_sparse_score"`
	MinRerankScore float64 `yaml:"min_rerank_score"`
}

// RAGConfig holds answer generation settings.
type RAGConfig struct {
	MaxParaphrases     int `yaml:"max_paraphrases"`
	ContextTokenBudget int `yaml:"context_token_budget"`
	AnswerMaxTokens    int `yaml:"answer_max_tokens"`
}

// ConceptsConfig holds concept extraction settings.
type ConceptsConfig struct {
	LearningEnabled    bool    `yaml:"learning_enabled"`
	LowConfidenceFloor float64 `yaml:"low_confidence_floor"`
	ParentChunkCeiling int     `yaml:"parent_chunk_ceiling"`
}

// ClusterConfig holds clustering engine settings.
type ClusterConfig struct {
	SplitThreshold int           `yaml:"split_threshold"`
	SplitInterval  time.Duration `yaml:"split_interval"`
}

// UsageConfig holds usage accounting settings.
type UsageConfig struct {
	DefaultPlan string `yaml:"default_plan"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Embedded     bool          `yaml:"embedded"`
	Concurrency  int           `yaml:"concurrency"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Metrics   bool   `yaml:"metrics"`
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

// DefaultConfig returns a configuration with sensible development defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/mindvault.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Queue: QueueConfig{
			PollInterval:  500 * time.Millisecond,
			MaxAttempts:   3,
			RetryBackoff:  2 * time.Second,
			DepthCeiling:  500,
			StaleDeadline: 10 * time.Minute,
		},
		Oracle: OracleConfig{
			Endpoint:       "http://localhost:8000/v1",
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			VisionModel:    "gpt-4o-mini",
			Timeout:        60 * time.Second,
			MaxRetries:     2,
		},
		Embedding: EmbeddingConfig{
			Dimension:  1536,
			BatchSize:  64,
			LRUEntries: 10000,
		},
		Ingestion: IngestionConfig{
			MaxUploadBytes: 50 << 20,
			ImageStorePath: "/tmp/mindvault-images",
			FetchTimeout:   20 * time.Second,
			ParentTokens:   2000,
			ChildTokens:    400,
			ChildOverlap:   50,
		},
		Retrieval: RetrievalConfig{
			SparseTopK:     50,
			DenseTopK:      50,
			SparseWeight:   0.4,
			RerankTopM:     30,
			DefaultTopK:    5,
			MinSparseScore: 0.01,
			MinRerankScore: 0.02,
		},
		RAG: RAGConfig{
			MaxParaphrases:     3,
			ContextTokenBudget: 4000,
			AnswerMaxTokens:    1000,
		},
		Concepts: ConceptsConfig{
			LearningEnabled:    false,
			LowConfidenceFloor: 0.65,
			ParentChunkCeiling: 8,
		},
		Cluster: ClusterConfig{
			SplitThreshold: 25,
			SplitInterval:  6 * time.Hour,
		},
		Usage: UsageConfig{
			DefaultPlan: "free",
		},
		Worker: WorkerConfig{
			Embedded:     true,
			Concurrency:  4,
			DrainTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
			Metrics:   true,
		},
		Testing: false,
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

	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("postgres driver requires a dsn")
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding dimension must be positive: %d", c.Embedding.Dimension)
	}

	if c.Retrieval.SparseWeight < 0 || c.Retrieval.SparseWeight > 1 {
		return fmt.Errorf("sparse_weight must be within [0,1]: %f", c.Retrieval.SparseWeight)
	}

	if c.Ingestion.ChildTokens >= c.Ingestion.ParentTokens {
		return fmt.Errorf("child_tokens must be smaller than parent_tokens")
	}

	if c.RAG.ContextTokenBudget < 1 {
		return fmt.Errorf("rag context_token_budget must be positive: %d", c.RAG.ContextTokenBudget)
	}

	if c.Ingestion.ChildOverlap >= c.Ingestion.ChildTokens {
		return fmt.Errorf("child_overlap must be smaller than child_tokens")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be positive: %d", c.Worker.Concurrency)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max_attempts must be positive: %d", c.Queue.MaxAttempts)
	}

	switch c.Usage.DefaultPlan {
	case "free", "starter", "pro", "enterprise":
	default:
		return fmt.Errorf("invalid default plan: %s", c.Usage.DefaultPlan)
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but jwt_secret is empty")
	}

	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Database.Driver == "sqlite" || !c.Auth.Enabled
}

// DatabaseDSN returns the connection string for the configured driver.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// QueueDSN returns the queue connection string, defaulting to the
// primary database.
func (c *Config) QueueDSN() string {
	if c.Queue.DSN != "" {
		return c.Queue.DSN
	}
	return c.DatabaseDSN()
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
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

	if v := os.Getenv("QUEUE_URL"); v != "" {
		cfg.Queue.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("ORACLE_ENDPOINT"); v != "" {
		cfg.Oracle.Endpoint = v
	}

	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}

	if v := os.Getenv("ORACLE_CHAT_MODEL"); v != "" {
		cfg.Oracle.ChatModel = v
	}

	if v := os.Getenv("ORACLE_EMBEDDING_MODEL"); v != "" {
		cfg.Oracle.EmbeddingModel = v
	}

	if v := os.Getenv("IMAGE_STORE_PATH"); v != "" {
		cfg.Ingestion.ImageStorePath = v
	}

	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ingestion.MaxUploadBytes = n
		}
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}

	if v := os.Getenv("DEFAULT_PLAN"); v != "" {
		cfg.Usage.DefaultPlan = v
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.JWTSecret = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("TESTING"); v == "true" || v == "1" {
		cfg.Testing = true
	}
}
