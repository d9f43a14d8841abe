package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Payment   PaymentConfig
	Reconcile ReconcileConfig
	OTP       OTPConfig
}

// PaymentConfig holds Instamojo credentials and the origins used to build redirect and webhook URLs.
type PaymentConfig struct {
	APIKey      string
	AuthToken   string
	BaseURL     string
	WebhookSalt string // optional; enables MAC checks on incoming webhooks (logged only)

	PublicWebhookURL string // explicit override; wins over BackendOrigin
	FrontendOrigin   string // redirect target after checkout
	BackendOrigin    string // fallback for webhook URL construction
	InternalAPIBase  string // base URL for confirm/upgrade fan-out calls

	Currency       string
	PaidStatuses   []string
	FailedStatuses []string

	CreateTimeout time.Duration
	VerifyTimeout time.Duration
	FanOutTimeout time.Duration
}

// ReconcileConfig drives the out-of-band sweeper for payments stuck in created.
type ReconcileConfig struct {
	Enabled    bool // run the sweeper inside the API process as well
	Interval   time.Duration
	StaleAfter time.Duration
	MaxAge     time.Duration
	Batch      int
}

// OTPConfig holds one-time code limits.
type OTPConfig struct {
	TTL         time.Duration
	Cooldown    time.Duration
	MaxPerHour  int
	MaxAttempts int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/events?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

// JWTConfig holds the secret used to validate admin tokens.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the webhook archive bucket. Empty bucket disables archiving.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	WebhookArchiveBucket string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "events"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 20),
			OpTimeout: getEnvSeconds("REDIS_OP_TIMEOUT_SEC", 3),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 12),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "ap-south-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			WebhookArchiveBucket: getEnv("AWS_S3_WEBHOOK_ARCHIVE_BUCKET", ""),
		},
		Payment: PaymentConfig{
			APIKey:           getEnv("INSTAMOJO_API_KEY", ""),
			AuthToken:        getEnv("INSTAMOJO_AUTH_TOKEN", ""),
			BaseURL:          getEnv("INSTAMOJO_BASE_URL", "https://www.instamojo.com/api/1.1"),
			WebhookSalt:      getEnv("INSTAMOJO_WEBHOOK_SALT", ""),
			PublicWebhookURL: getEnv("PUBLIC_WEBHOOK_URL", ""),
			FrontendOrigin:   strings.TrimRight(getEnv("FRONTEND_ORIGIN", "http://localhost:3000"), "/"),
			BackendOrigin:    strings.TrimRight(getEnv("BACKEND_ORIGIN", "http://localhost:8080"), "/"),
			InternalAPIBase:  strings.TrimRight(getEnv("INTERNAL_API_BASE", "http://localhost:8080"), "/"),
			Currency:         getEnv("PAYMENT_CURRENCY", "INR"),
			PaidStatuses:     splitTrim(getEnv("PAYMENT_PAID_STATUSES", "credit,successful,completed,paid"), ","),
			FailedStatuses:   splitTrim(getEnv("PAYMENT_FAILED_STATUSES", "failed,failure,cancelled,canceled,declined,expired"), ","),
			CreateTimeout:    getEnvSeconds("PROVIDER_CREATE_TIMEOUT_SEC", 20),
			VerifyTimeout:    getEnvSeconds("PROVIDER_VERIFY_TIMEOUT_SEC", 15),
			FanOutTimeout:    getEnvSeconds("FANOUT_TIMEOUT_SEC", 8),
		},
		Reconcile: ReconcileConfig{
			Enabled:    getEnv("RECONCILE_IN_SERVER", "false") == "true",
			Interval:   getEnvSeconds("RECONCILE_INTERVAL_SEC", 300),
			StaleAfter: getEnvSeconds("RECONCILE_STALE_AFTER_SEC", 900),
			MaxAge:     getEnvSeconds("RECONCILE_MAX_AGE_SEC", 604800),
			Batch:      getEnvInt("RECONCILE_BATCH", 50),
		},
		OTP: OTPConfig{
			TTL:         getEnvSeconds("OTP_TTL_SEC", 600),
			Cooldown:    getEnvSeconds("OTP_COOLDOWN_SEC", 60),
			MaxPerHour:  getEnvInt("OTP_MAX_PER_HOUR", 5),
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 5),
		},
	}
	return cfg, nil
}

// ProviderConfigured reports whether Instamojo credentials are present.
func (c PaymentConfig) ProviderConfigured() bool {
	return c.APIKey != "" && c.AuthToken != ""
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
