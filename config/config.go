// Package config provides configuration management for the dealdesk
// service.
//
// Configuration is loaded from multiple sources with proper precedence
// (later sources override earlier ones):
//  1. Default values
//  2. Configuration file (./config.yaml, ./configs/config.yaml,
//     ~/.dealdesk/config.yaml, /etc/dealdesk/config.yaml)
//  3. .env file
//  4. Environment variables with the DEALDESK_ prefix
//
// Provider credentials are read from conventional environment variables
// (<PROVIDER>_API_KEY, NEO4J_URI/NEO4J_USER/NEO4J_PASSWORD) rather than
// the config file so they never land on disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	BodyLimit       string        `mapstructure:"body_limit"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`

	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains the relational store connection settings.
type DatabaseConfig struct {
	// URL is a postgres connection string.
	URL string `mapstructure:"url"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// AutoMigrate runs gorm auto-migration on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// GraphConfig contains knowledge-graph connection settings. URI,
// username, and password fall back to the NEO4J_URI / NEO4J_USER /
// NEO4J_PASSWORD environment variables when unset.
type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// IngestConcurrency bounds concurrent episode writes (default 10).
	IngestConcurrency int `mapstructure:"ingest_concurrency"`
}

// ObjectStoreConfig contains the uploaded-file store settings. The store
// speaks the S3 XML API; for Google Cloud Storage buckets point Endpoint
// at the GCS interoperability endpoint.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`

	// MaxFileSizeBytes is enforced at intake; larger uploads are
	// rejected as non-retryable (default 100 MB).
	MaxFileSizeBytes int64 `mapstructure:"max_file_size_bytes"`
}

// RedisConfig configures the deal-lookup cache. Empty URL disables it.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// AMQPConfig configures the optional document-status event publisher.
// Empty URL disables publishing.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// SecurityConfig contains auth settings for the HTTP surface.
type SecurityConfig struct {
	// WebhookAPIKey validates the uploader webhook.
	WebhookAPIKey string `mapstructure:"webhook_api_key"`

	// JWTSecret signs and validates bearer tokens on the API surface.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig contains stage-processing knobs.
type PipelineConfig struct {
	// ChunkMaxTokens caps chunk size, except single-sentence overflow.
	ChunkMaxTokens int `mapstructure:"chunk_max_tokens"`

	// EmbedBatchSize caps texts per embedding call.
	EmbedBatchSize int `mapstructure:"embed_batch_size"`

	// RAGMode selects the retrieval backend: graphiti, semantic, or
	// google_file_search.
	RAGMode string `mapstructure:"rag_mode"`
}

// Config is the root configuration for the dealdesk service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Graph       GraphConfig       `mapstructure:"graph"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	Security    SecurityConfig    `mapstructure:"security"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Models      ModelsConfig      `mapstructure:"models"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a configuration loader with the given environment
// prefix (e.g. "DEALDESK" -> "DEALDESK_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets the standard service defaults.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.body_limit", "16M")
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.rate_limit", 0)
	l.v.SetDefault("server.allowed_origins", []string{"*"})

	l.v.SetDefault("database.max_idle_conns", 10)
	l.v.SetDefault("database.max_open_conns", 100)
	l.v.SetDefault("database.conn_max_lifetime", "1h")
	l.v.SetDefault("database.auto_migrate", true)

	l.v.SetDefault("graph.ingest_concurrency", 10)

	l.v.SetDefault("object_store.region", "auto")
	l.v.SetDefault("object_store.max_file_size_bytes", 100*1024*1024)

	l.v.SetDefault("redis.ttl", "10m")

	l.v.SetDefault("amqp.exchange", "dealdesk.documents")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")

	l.v.SetDefault("pipeline.chunk_max_tokens", 1024)
	l.v.SetDefault("pipeline.embed_batch_size", 64)
	l.v.SetDefault("pipeline.rag_mode", "graphiti")

	l.v.SetDefault("models.analysis.primary", "openai:gpt-4o-mini")
	l.v.SetDefault("models.analysis.fallback", "openai:gpt-4o")
	l.v.SetDefault("models.extraction.primary", "openai:gpt-4o-mini")
	l.v.SetDefault("models.extraction.fallback", "")
	l.v.SetDefault("models.embedding.primary", "openai:text-embedding-3-small")
	l.v.SetDefault("models.embedding.fallback", "")
	l.v.SetDefault("models.rerank.primary", "cohere:rerank-v3.5")
	l.v.SetDefault("models.rerank.fallback", "")
}

// Load reads configuration from file, .env, and environment variables.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.dealdesk")
		l.v.AddConfigPath("/etc/dealdesk")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env if present.
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the service configuration with standard defaults,
// applies credential env fallbacks, and validates the result.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("DEALDESK")
	loader.SetDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	applyEnvFallbacks(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvFallbacks fills credential fields from their conventional
// environment variables when the config file leaves them empty.
func applyEnvFallbacks(cfg *Config) {
	if cfg.Graph.URI == "" {
		cfg.Graph.URI = os.Getenv("NEO4J_URI")
	}
	if cfg.Graph.Username == "" {
		cfg.Graph.Username = os.Getenv("NEO4J_USER")
	}
	if cfg.Graph.Password == "" {
		cfg.Graph.Password = os.Getenv("NEO4J_PASSWORD")
	}
	if mode := os.Getenv("RAG_MODE"); mode != "" {
		cfg.Pipeline.RAGMode = mode
	}
	cfg.Models.applyEnvOverrides()
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Pipeline.RAGMode {
	case "graphiti", "semantic", "google_file_search":
	default:
		return fmt.Errorf("invalid rag_mode: %q", cfg.Pipeline.RAGMode)
	}
	if cfg.Pipeline.ChunkMaxTokens < 1 {
		return fmt.Errorf("chunk_max_tokens must be positive")
	}
	if err := cfg.Models.Validate(); err != nil {
		return err
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
