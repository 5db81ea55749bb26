package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "familynet/backend/pkg/errors"
)

// Supported document store backends
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendNeo4j    = "neo4j"
)

// DevJWTSecret signs tokens when JWT_SECRET is unset outside production
const DevJWTSecret = "familynet-dev-secret"

// Config holds all application configuration
type Config struct {
	// App
	Port     string
	Env      string
	LogLevel string

	// Document store
	StoreBackend string
	BadgerDir    string
	DatabasePath string // SQLite file
	DatabaseURL  string // Postgres / MySQL DSN

	// Neo4j
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Auth
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration

	// Family network
	MaxFamilyMembers      int
	ReconcileMaxAttempts  int
	ReconcileRetryBackoff time.Duration

	// Repair pass
	RepairSchedule    string // cron spec, "off" disables the scheduler
	RepairPageSize    int
	RepairMaxRecords  int // 0 scans everything
	RepairConcurrency int
	RepairOnStartup   bool

	// Notifications
	NotifyTimeout          time.Duration
	DiscordBotToken        string
	DiscordNotifyChannelID string
	AWSRegion              string
	SESFromEmail           string
	SESFromName            string
	AppBaseURL             string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		LogLevel:               getEnv("LOG_LEVEL", ""),
		StoreBackend:           strings.ToLower(getEnv("STORE_BACKEND", BackendBadger)),
		BadgerDir:              getEnv("BADGER_DIR", "./data/badger"),
		DatabasePath:           getEnv("DATABASE_PATH", "./familynet.db"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		Neo4jURI:               getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:              getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:          getEnv("NEO4J_PASSWORD", ""),
		JWTSecret:              getEnv("JWT_SECRET", ""),
		JWTIssuer:              getEnv("JWT_ISSUER", "familynet"),
		TokenTTL:               getEnvDuration("TOKEN_TTL", 24*time.Hour),
		MaxFamilyMembers:       getEnvInt("MAX_FAMILY_MEMBERS", 10),
		ReconcileMaxAttempts:   getEnvInt("RECONCILE_MAX_ATTEMPTS", 3),
		ReconcileRetryBackoff:  getEnvDuration("RECONCILE_RETRY_BACKOFF", 200*time.Millisecond),
		RepairSchedule:         getEnv("REPAIR_SCHEDULE", "@hourly"),
		RepairPageSize:         getEnvInt("REPAIR_PAGE_SIZE", 100),
		RepairMaxRecords:       getEnvInt("REPAIR_MAX_RECORDS", 0),
		RepairConcurrency:      getEnvInt("REPAIR_CONCURRENCY", 4),
		RepairOnStartup:        getEnvBool("REPAIR_ON_STARTUP", false),
		NotifyTimeout:          getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		DiscordBotToken:        getEnv("DISCORD_BOT_TOKEN", ""),
		DiscordNotifyChannelID: getEnv("DISCORD_NOTIFY_CHANNEL_ID", ""),
		AWSRegion:              getEnv("AWS_REGION", "us-east-1"),
		SESFromEmail:           getEnv("SES_FROM_EMAIL", ""),
		SESFromName:            getEnv("SES_FROM_NAME", "Family Network"),
		AppBaseURL:             getEnv("APP_BASE_URL", "http://localhost:8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Tokens signed with this secret are only accepted outside production
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DevJWTSecret
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendBadger, BackendSQLite:
	case BackendPostgres, BackendMySQL:
		if c.DatabaseURL == "" {
			return apperrors.NewConfigValidationFailed("DATABASE_URL", "required for "+c.StoreBackend)
		}
	case BackendNeo4j:
		if c.Neo4jURI == "" || c.Neo4jUser == "" || c.Neo4jPassword == "" {
			return apperrors.NewConfigValidationFailed("NEO4J_*", "uri, user and password are required")
		}
	default:
		return apperrors.NewConfigValidationFailed("STORE_BACKEND", fmt.Sprintf("unsupported backend %q", c.StoreBackend))
	}

	if c.IsProduction() && c.JWTSecret == "" {
		return apperrors.NewConfigValidationFailed("JWT_SECRET", "required in production")
	}
	if c.MaxFamilyMembers <= 0 {
		return apperrors.NewConfigValidationFailed("MAX_FAMILY_MEMBERS", "must be positive")
	}
	if c.ReconcileMaxAttempts <= 0 {
		return apperrors.NewConfigValidationFailed("RECONCILE_MAX_ATTEMPTS", "must be positive")
	}
	if c.RepairPageSize <= 0 {
		return apperrors.NewConfigValidationFailed("REPAIR_PAGE_SIZE", "must be positive")
	}
	if c.RepairConcurrency <= 0 {
		return apperrors.NewConfigValidationFailed("REPAIR_CONCURRENCY", "must be positive")
	}
	if c.RepairMaxRecords < 0 {
		return apperrors.NewConfigValidationFailed("REPAIR_MAX_RECORDS", "must not be negative")
	}
	// Discord and SES are optional; missing settings disable those notifiers
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}
