package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port              string
	Env               string
	LogLevel          string
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	RedisTLS          bool
	DraftTTL          time.Duration
	EnableDebugRoutes bool

	// Storage (S3-compatible blob store, or "memory" for local runs)
	StorageBackend       string
	AWSRegion            string
	AWSAccessKeyID       string
	AWSSecretAccessKey   string
	AWSEndpointOverride  string
	ReferralsBucket      string
	SleepDataBucket      string
	ReportsBucket        string
	StoragePublicBaseURL string
	StorageSubjectRole   string
	EnsureBuckets        bool
	MaxUploadBytes       int64

	// Identity
	AuthJWTSecret      string
	CognitoRegion      string
	CognitoUserPoolID  string
	CognitoClientID    string
	DBSubjectRole      string
	CORSAllowedOrigins []string

	// Per-subject limits on upload and submit
	BookingRateLimitRPS   float64
	BookingRateLimitBurst int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisTLS:          getEnvAsBool("REDIS_TLS", false),
		DraftTTL:          getEnvAsDuration("BOOKING_DRAFT_TTL", 2*time.Hour),
		EnableDebugRoutes: getEnvAsBool("ENABLE_DEBUG_ROUTES", false),

		StorageBackend:       strings.ToLower(getEnv("STORAGE_BACKEND", "s3")),
		AWSRegion:            getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:  getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		ReferralsBucket:      getEnv("REFERRALS_BUCKET", "referrals"),
		SleepDataBucket:      getEnv("SLEEP_DATA_BUCKET", "sleep-data"),
		ReportsBucket:        getEnv("REPORTS_BUCKET", "reports"),
		StoragePublicBaseURL: getEnv("STORAGE_PUBLIC_BASE_URL", ""),
		StorageSubjectRole:   getEnv("STORAGE_SUBJECT_ROLE_ARN", ""),
		EnsureBuckets:        getEnvAsBool("ENSURE_BUCKETS", true),
		MaxUploadBytes:       int64(getEnvAsInt("MAX_UPLOAD_BYTES", 10<<20)),

		AuthJWTSecret:      getEnv("AUTH_JWT_SECRET", ""),
		CognitoRegion:      getEnv("COGNITO_REGION", ""),
		CognitoUserPoolID:  getEnv("COGNITO_USER_POOL_ID", ""),
		CognitoClientID:    getEnv("COGNITO_CLIENT_ID", ""),
		DBSubjectRole:      getEnv("DB_SUBJECT_ROLE", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		BookingRateLimitRPS:   getEnvAsFloat("BOOKING_RATE_LIMIT_RPS", 1),
		BookingRateLimitBurst: getEnvAsInt("BOOKING_RATE_LIMIT_BURST", 5),
	}
}

// StorageBuckets lists every bucket the service expects to exist.
func (c *Config) StorageBuckets() []string {
	var buckets []string
	for _, b := range []string{c.ReferralsBucket, c.SleepDataBucket, c.ReportsBucket} {
		if strings.TrimSpace(b) != "" {
			buckets = append(buckets, b)
		}
	}
	return buckets
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
