package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr        string
	SessionSecret     string
	CORSOrigins       []string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string
	DatabaseURL       string
	S3Bucket          string
	S3Region          string
	S3AccessKey       string
	S3SecretKey       string
	S3Endpoint        string
	S3UsePathStyle    bool
	GotenbergURL      string
	TempDir           string
	WorkerQueue       string
	WorkerCount       int
	PullWait          time.Duration
	ConversionTimeout time.Duration
	LeaseTimeout      time.Duration
	MaxAttempts       int
	RetryOnTimeout    bool
	MaxFileSize       int64
	JobTTL            time.Duration
	FailedJobTTL      time.Duration
	PendingGrace      time.Duration
	RedispatchGrace   time.Duration
	ReaperInterval    time.Duration
	UploadRateLimit   float64
	UploadRateBurst   int
}

func Load() *Config {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "fileconverter")
	dbUser := getEnv("DB_USERNAME", "fileconverter")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}
	if explicit := getEnv("DATABASE_URL", ""); explicit != "" {
		dbURL = explicit
	}

	return &Config{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8010"),
		SessionSecret: getEnv("SESSION_SECRET", ""),
		CORSOrigins:   strings.Split(getEnv("CORS_ORIGINS", "*"), ","),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", ""),
		DatabaseURL:   dbURL,
		S3Bucket:      getEnv("S3_BUCKET", "file-converter"),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:          getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		S3AccessKey:       getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:       getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		GotenbergURL:      getEnv("GOTENBERG_URL", "http://gotenberg:3000"),
		TempDir:           getEnv("TEMP_DIR", "/tmp/file-converter"),
		WorkerQueue:       getEnv("WORKER_QUEUE", "documents"),
		WorkerCount:       getEnvInt("WORKER_COUNT", 1),
		PullWait:          getEnvSeconds("QUEUE_PULL_WAIT", 30),
		ConversionTimeout: getEnvSeconds("CONVERSION_TIMEOUT", 120),
		LeaseTimeout:      getEnvSeconds("LEASE_TIMEOUT", 300),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", 3),
		RetryOnTimeout:    getEnvBool("RETRY_ON_TIMEOUT", false),
		MaxFileSize:       int64(getEnvInt("MAX_FILE_SIZE", 100*1024*1024)),
		JobTTL:            getEnvSeconds("JOB_TTL", 24*60*60),
		FailedJobTTL:      getEnvSeconds("FAILED_JOB_TTL", 6*60*60),
		PendingGrace:      getEnvSeconds("PENDING_GRACE", 60*60),
		RedispatchGrace:   getEnvSeconds("REDISPATCH_GRACE", 60),
		ReaperInterval:    getEnvSeconds("REAPER_INTERVAL", 5*60),
		UploadRateLimit:   float64(getEnvInt("UPLOAD_RATE_LIMIT", 10)),
		UploadRateBurst:   getEnvInt("UPLOAD_RATE_BURST", 20),
	}
}

// Validate checks the deployment invariants that cannot be defaulted away.
// The lease must outlive the conversion budget, otherwise a still-running
// conversion becomes visible to a second worker.
func (c *Config) Validate() error {
	if c.LeaseTimeout <= c.ConversionTimeout {
		return fmt.Errorf(
			"LEASE_TIMEOUT (%s) must exceed CONVERSION_TIMEOUT (%s)",
			c.LeaseTimeout, c.ConversionTimeout,
		)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1 (got %d)", c.MaxAttempts)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive (got %d)", c.MaxFileSize)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSeconds)) * time.Second
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
