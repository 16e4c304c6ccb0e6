package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the rulewise backend
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Cache     CacheConfig     `mapstructure:"cache"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// QdrantConfig contains vector store connection settings. When Backend is
// "embedded" the Qdrant fields are ignored and an in-process store is used.
type QdrantConfig struct {
	Backend    string        `mapstructure:"backend"` // qdrant or embedded
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Collection string        `mapstructure:"collection"`
	DataDir    string        `mapstructure:"data_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (q QdrantConfig) Validate() error {
	switch q.Backend {
	case "", "qdrant":
		if strings.TrimSpace(q.URL) == "" {
			return fmt.Errorf("storage.qdrant.url required for the qdrant backend")
		}
	case "embedded":
	default:
		return fmt.Errorf("storage.qdrant.backend must be qdrant or embedded, got %q", q.Backend)
	}
	return nil
}

// ProvidersConfig contains external model provider settings
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig contains OpenAI API settings for embeddings
type OpenAIConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	EmbeddingModel      string        `mapstructure:"embedding_model"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

func (o OpenAIConfig) Validate() error {
	if strings.TrimSpace(o.APIKey) == "" {
		return fmt.Errorf("providers.openai.api_key required")
	}
	return nil
}

// IngestionConfig controls the document ingestion pipeline.
type IngestionConfig struct {
	ChunkSize        int           `mapstructure:"chunk_size"`
	ChunkOverlap     int           `mapstructure:"chunk_overlap"`
	EmbedBatchSize   int           `mapstructure:"embed_batch_size"`
	EmbedConcurrency int           `mapstructure:"embed_concurrency"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

// Normalize applies defaults for unset ingestion values.
func (c IngestionConfig) Normalize() IngestionConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1200
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 6
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 32
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// RetrievalConfig controls question answering retrieval.
type RetrievalConfig struct {
	TopK      int     `mapstructure:"top_k"`
	Threshold float64 `mapstructure:"threshold"`
}

// Normalize applies defaults for unset retrieval values.
func (c RetrievalConfig) Normalize() RetrievalConfig {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.35
	}
	return c
}

// CacheConfig controls the response cache engine.
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// Normalize applies defaults for unset cache values.
func (c CacheConfig) Normalize() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = "qa"
	}
	return c
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.listen", ":10020")
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.ttl", "24h")
	viper.SetDefault("cache.key_prefix", "qa")
	viper.SetDefault("storage.qdrant.backend", "qdrant")
	viper.SetDefault("storage.qdrant.collection", "rulewise")
	viper.SetDefault("providers.openai.embedding_model", "text-embedding-3-small")
	viper.SetDefault("providers.openai.embedding_dimensions", 1536)

	if path == "" {
		viper.AddConfigPath("./app/config")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RULEWISE")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Ingestion = config.Ingestion.Normalize()
	config.Retrieval = config.Retrieval.Normalize()
	config.Cache = config.Cache.Normalize()

	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Qdrant.Validate(); err != nil {
		panic(err)
	}
	if err := config.Providers.OpenAI.Validate(); err != nil {
		panic(err)
	}
	return &config
}
