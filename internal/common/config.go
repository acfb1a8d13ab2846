package common

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Worker   WorkerConfig
	Watch    WatchConfig
	Redis    RedisConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DataDir string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// WorkerConfig holds the external conversion worker endpoint and dispatch policy.
type WorkerConfig struct {
	Endpoint        string
	CallbackURL     string
	RequestTimeout  time.Duration
	DownloadTimeout time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	QueueWorkers    int
	QueueSize       int
}

// WatchConfig holds the watch layer's polling intervals.
type WatchConfig struct {
	PollAllInterval    time.Duration
	PollSingleInterval time.Duration
}

// RedisConfig holds the optional push change-bus settings. An empty Addr
// means changes are propagated in-process only.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir: getEnv("DATA_DIR", "./data"),
		},
		Server: ServerConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Worker: WorkerConfig{
			Endpoint:        getEnv("WORKER_ENDPOINT", ""),
			CallbackURL:     getEnv("WORKER_CALLBACK_URL", ""),
			RequestTimeout:  getEnvAsDuration("WORKER_REQUEST_TIMEOUT", 60*time.Second),
			DownloadTimeout: getEnvAsDuration("WORKER_DOWNLOAD_TIMEOUT", 30*time.Second),
			MaxAttempts:     getEnvAsInt("WORKER_MAX_ATTEMPTS", 3),
			BackoffBase:     getEnvAsDuration("WORKER_BACKOFF_BASE", 2*time.Second),
			QueueWorkers:    getEnvAsInt("DISPATCH_WORKERS", 4),
			QueueSize:       getEnvAsInt("DISPATCH_QUEUE_SIZE", 256),
		},
		Watch: WatchConfig{
			PollAllInterval:    getEnvAsDuration("WATCH_POLL_ALL_INTERVAL", 5*time.Second),
			PollSingleInterval: getEnvAsDuration("WATCH_POLL_SINGLE_INTERVAL", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Worker.Endpoint == "" {
		return fmt.Errorf("config: WORKER_ENDPOINT is required: %w", ErrInvalidInput)
	}
	if c.Worker.CallbackURL == "" {
		return fmt.Errorf("config: WORKER_CALLBACK_URL is required: %w", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config: HTTP_ADDR is required: %w", ErrInvalidInput)
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("config: WORKER_MAX_ATTEMPTS must be at least 1: %w", ErrInvalidInput)
	}
	return nil
}
