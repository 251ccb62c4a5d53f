// Package config provides configuration management functionality.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DatabasePath      string // SQLite database file
	RedisURL          string // Redis DSN; empty disables the hot cache
	WorkflowAddress   string // Temporal frontend host:port
	WorkflowNamespace string
	WorkflowTaskQueue string
	Port              int
	LogLevel          string
	DevMode           bool
}

// Load reads configuration from environment variables.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:      getEnv("POLARIS_DATABASE_PATH", "data/polaris.db"),
		RedisURL:          getEnv("POLARIS_REDIS_URL", ""),
		WorkflowAddress:   getEnv("POLARIS_WORKFLOW_ADDRESS", "localhost:7233"),
		WorkflowNamespace: getEnv("POLARIS_WORKFLOW_NAMESPACE", "default"),
		WorkflowTaskQueue: getEnv("POLARIS_WORKFLOW_TASK_QUEUE", "polaris-staging"),
		Port:              getEnvAsInt("POLARIS_PORT", 8000),
		LogLevel:          getEnv("POLARIS_LOG_LEVEL", "info"),
		DevMode:           getEnvAsBool("POLARIS_DEV_MODE", false),
	}

	return cfg, nil
}

// Helper functions
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
