package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	LLM      LLMConfig
	Batch    BatchConfig
	Schedule ScheduleConfig
	Redis    RedisConfig
	Log      LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds daemon listener configuration
type ServerConfig struct {
	GRPCAddr    string
	MetricsAddr string
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	BaseURL         string
	Model           string
	APIKey          string
	Temperature     float32
	Timeout         time.Duration
	RequestsPerSec  float64
	MaxAttempts     int
	DefaultCurrency string
}

// BatchConfig holds batch pipeline thresholds
type BatchConfig struct {
	PageSize         int
	MaxRecordsPerJob int
	Endpoint         string
	CompletionWindow string
	SpoolPath        string
	TrackConcurrency int
	JobLeaseTTL      time.Duration
	ClaimStaleAfter  time.Duration
}

// ScheduleConfig holds cron specs for the daemon
type ScheduleConfig struct {
	Build string
	Track string
	Sweep string
}

// RedisConfig holds the optional lease backend
type RedisConfig struct {
	URL string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 1),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 30*time.Second),
		},
		Server: ServerConfig{
			GRPCAddr:    getEnv("GRPC_ADDR", ":8080"),
			MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		},
		LLM: LLMConfig{
			BaseURL:         getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:           getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			APIKey:          getEnv("OPENAI_API_KEY", ""),
			Temperature:     getEnvAsFloat32("OPENAI_TEMPERATURE", 0.3),
			Timeout:         getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			RequestsPerSec:  getEnvAsFloat64("OPENAI_RPS", 2),
			MaxAttempts:     getEnvAsInt("OPENAI_MAX_ATTEMPTS", 5),
			DefaultCurrency: getEnv("DEFAULT_CURRENCY", "ARS"),
		},
		Batch: BatchConfig{
			PageSize:         getEnvAsInt("BATCH_PAGE_SIZE", 100),
			MaxRecordsPerJob: getEnvAsInt("BATCH_MAX_RECORDS", 500),
			Endpoint:         getEnv("BATCH_ENDPOINT", "/v1/chat/completions"),
			CompletionWindow: getEnv("BATCH_COMPLETION_WINDOW", "24h"),
			SpoolPath:        getEnv("SPOOL_PATH", "./tmp/spool.db"),
			TrackConcurrency: getEnvAsInt("TRACK_CONCURRENCY", 4),
			JobLeaseTTL:      getEnvAsDuration("JOB_LEASE_TTL", 10*time.Minute),
			ClaimStaleAfter:  getEnvAsDuration("CLAIM_STALE_AFTER", 72*time.Hour),
		},
		Schedule: ScheduleConfig{
			Build: getEnv("BUILD_SCHEDULE", "@every 12h"),
			Track: getEnv("TRACK_SCHEDULE", "@every 30m"),
			Sweep: getEnv("SWEEP_SCHEDULE", "@every 6h"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks what every command needs. LLM credentials are checked by
// RequireLLM since query commands run without them.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Batch.PageSize <= 0 {
		return NewAppError("CONFIG_ERROR", "BATCH_PAGE_SIZE must be positive", ErrInvalidInput)
	}
	if c.Batch.MaxRecordsPerJob <= 0 {
		return NewAppError("CONFIG_ERROR", "BATCH_MAX_RECORDS must be positive", ErrInvalidInput)
	}
	if c.Batch.TrackConcurrency <= 0 {
		return NewAppError("CONFIG_ERROR", "TRACK_CONCURRENCY must be positive", ErrInvalidInput)
	}
	if c.LLM.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "OPENAI_MAX_ATTEMPTS must be positive", ErrInvalidInput)
	}
	return nil
}

// RequireLLM validates the settings needed to talk to the completion service.
func (c *Config) RequireLLM() error {
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.LLM.Model == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_MODEL is required", ErrInvalidInput)
	}
	return nil
}
