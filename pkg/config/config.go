package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	Log        LogConfig
	CORS       CORSConfig
	Content    ContentConfig
	Engine     EngineConfig
	Batch      BatchConfig
	GradeCache GradeCacheConfig
}

// ContentConfig locates the authored course content tree.
type ContentConfig struct {
	Root string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string
}

// EngineConfig tunes the serializable-transaction retry policy used by
// session start and page-layout adjustment.
type EngineConfig struct {
	TxMaxAttempts int
	TxBackoffMin  time.Duration
	TxBackoffMax  time.Duration
}

// BatchConfig sizes the worker queue used for flow-wide expire/regrade/
// recalculate jobs.
type BatchConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

// GradeCacheConfig governs the redis-backed grade state memento cache.
type GradeCacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.CORS = CORSConfig{
		AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
	}

	cfg.Content = ContentConfig{
		Root: v.GetString("CONTENT_ROOT"),
	}

	cfg.Engine = EngineConfig{
		TxMaxAttempts: v.GetInt("ENGINE_TX_MAX_ATTEMPTS"),
		TxBackoffMin:  parseDuration(v.GetString("ENGINE_TX_BACKOFF_MIN"), 5*time.Millisecond),
		TxBackoffMax:  parseDuration(v.GetString("ENGINE_TX_BACKOFF_MAX"), 100*time.Millisecond),
	}

	cfg.Batch = BatchConfig{
		Workers:    v.GetInt("BATCH_WORKERS"),
		BufferSize: v.GetInt("BATCH_BUFFER_SIZE"),
		MaxRetries: v.GetInt("BATCH_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("BATCH_RETRY_DELAY"), time.Second),
	}

	cfg.GradeCache = GradeCacheConfig{
		Enabled: v.GetBool("GRADE_CACHE_ENABLED"),
		TTL:     parseDuration(v.GetString("GRADE_CACHE_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "flowengine")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("CONTENT_ROOT", "./content")

	v.SetDefault("ENGINE_TX_MAX_ATTEMPTS", 5)
	v.SetDefault("ENGINE_TX_BACKOFF_MIN", "5ms")
	v.SetDefault("ENGINE_TX_BACKOFF_MAX", "100ms")

	v.SetDefault("BATCH_WORKERS", 2)
	v.SetDefault("BATCH_BUFFER_SIZE", 16)
	v.SetDefault("BATCH_MAX_RETRIES", 1)
	v.SetDefault("BATCH_RETRY_DELAY", "1s")

	v.SetDefault("GRADE_CACHE_ENABLED", true)
	v.SetDefault("GRADE_CACHE_TTL", "5m")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
