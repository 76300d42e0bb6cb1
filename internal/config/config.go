package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/orthodoxmetrics/recordsgo/internal/services/triage"
)

// Config holds all application configuration
type Config struct {
	NodeEnv    string
	Port       string
	JWTSecret  string
	BaseURL    string
	InstanceID string
	Database   DatabaseConfig
	Tenant     TenantDBConfig
	Transfer   TransferConfig
	Session    SessionConfig
	Storage    StorageConfig
}

// DatabaseConfig holds the framework database configuration (tenant registry, sessions, leases)
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Alter    bool
}

// TenantDBConfig describes how per-church OCR and records databases are reached
type TenantDBConfig struct {
	Host         string
	Port         string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

// TransferConfig holds OCR transfer pipeline settings
type TransferConfig struct {
	SchedulerEnabled    bool
	IntervalMinutes     int
	BatchSize           int
	AutoInsertThreshold float64
	UrgentThreshold     float64
	ConfidenceScale     triage.Scale
	Timeout             time.Duration
	MaxRetries          int
	LeaseTTL            time.Duration
	StaleAfter          time.Duration
	ReconcileWindow     time.Duration
}

// SessionConfig holds secure upload session settings
type SessionConfig struct {
	TimeoutMinutes int
	MaxUploadBytes int64
}

// StorageConfig holds object storage settings for uploaded scans
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg := &Config{
		NodeEnv:    getEnv("NODE_ENV", "development"),
		Port:       getEnv("PORT", "3210"),
		JWTSecret:  jwtSecret,
		BaseURL:    getEnv("BASE_URL", "http://localhost:3210"),
		InstanceID: getEnv("INSTANCE_ID", hostnameOr("recordsgo")),
		Database: DatabaseConfig{
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "orthodoxmetrics"),
			Alter:    getEnv("DB_ALTER", "false") == "true",
		},
		Tenant: TenantDBConfig{
			Host:         getEnv("TENANT_DB_HOST", getEnv("PG_HOST", "localhost")),
			Port:         getEnv("TENANT_DB_PORT", getEnv("PG_PORT", "5432")),
			Username:     getEnv("TENANT_DB_USERNAME", getEnv("PG_USERNAME", "postgres")),
			Password:     getEnv("TENANT_DB_PASSWORD", os.Getenv("PG_PASSWORD")),
			SSLMode:      getEnv("TENANT_DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvInt("TENANT_DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvInt("TENANT_DB_MAX_IDLE_CONNS", 2),
			AutoMigrate:  getEnv("TENANT_DB_AUTO_MIGRATE", "true") == "true",
		},
		Transfer: TransferConfig{
			SchedulerEnabled:    getEnv("TRANSFER_SCHEDULER_ENABLED", "true") == "true",
			IntervalMinutes:     getEnvInt("TRANSFER_INTERVAL_MINUTES", 5),
			BatchSize:           getEnvInt("TRANSFER_BATCH_SIZE", 10),
			AutoInsertThreshold: getEnvFloat("AUTO_INSERT_THRESHOLD", 85),
			UrgentThreshold:     getEnvFloat("URGENT_THRESHOLD", 50),
			ConfidenceScale:     triage.Scale(getEnv("OCR_CONFIDENCE_SCALE", string(triage.ScaleFraction))),
			Timeout:             getEnvDuration("TRANSFER_TIMEOUT", 60*time.Second),
			MaxRetries:          getEnvInt("TRANSFER_MAX_RETRIES", 5),
			LeaseTTL:            getEnvDuration("TRANSFER_LEASE_TTL", 10*time.Minute),
			StaleAfter:          getEnvDuration("RECONCILE_STALE_AFTER", 15*time.Minute),
			ReconcileWindow:     getEnvDuration("RECONCILE_WINDOW", 24*time.Hour),
		},
		Session: SessionConfig{
			TimeoutMinutes: getEnvInt("OCR_SESSION_TIMEOUT_MINUTES", 30),
			MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 20*1024*1024)),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    getEnv("MINIO_BUCKET", "ocr-uploads"),
			UseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges the rest of the service relies on
func (c *Config) Validate() error {
	if c.Transfer.IntervalMinutes <= 0 {
		return fmt.Errorf("TRANSFER_INTERVAL_MINUTES must be positive, got %d", c.Transfer.IntervalMinutes)
	}
	if c.Transfer.BatchSize <= 0 {
		return fmt.Errorf("TRANSFER_BATCH_SIZE must be positive, got %d", c.Transfer.BatchSize)
	}
	scale, err := triage.ParseScale(string(c.Transfer.ConfidenceScale))
	if err != nil {
		return fmt.Errorf("OCR_CONFIDENCE_SCALE: %w", err)
	}
	c.Transfer.ConfidenceScale = scale
	if c.Transfer.UrgentThreshold > c.Transfer.AutoInsertThreshold {
		return fmt.Errorf("URGENT_THRESHOLD (%.1f) must not exceed AUTO_INSERT_THRESHOLD (%.1f)",
			c.Transfer.UrgentThreshold, c.Transfer.AutoInsertThreshold)
	}
	if c.Transfer.AutoInsertThreshold < 0 || c.Transfer.AutoInsertThreshold > 100 {
		return fmt.Errorf("AUTO_INSERT_THRESHOLD must be within 0-100, got %.1f", c.Transfer.AutoInsertThreshold)
	}
	if c.Session.TimeoutMinutes <= 0 {
		return fmt.Errorf("OCR_SESSION_TIMEOUT_MINUTES must be positive, got %d", c.Session.TimeoutMinutes)
	}
	return nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
