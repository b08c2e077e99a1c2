package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	PaymentModeSandbox = "sandbox" // transaction ids are trusted as supplied
	PaymentModeManual  = "manual"  // every claim waits for admin review
)

type Config struct {
	Port     string
	Host     string
	Env      string
	LogLevel string
	BaseURL  string // Prefix for public file URLs, e.g. https://files.example.com

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBPath     string

	// Storage configuration
	StorageBackend string // "disk", "memory", "s3"
	StoragePath    string // For disk backend
	TempDir        string // Temp directory for uploads (defaults to system temp)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool // Use path-style addressing (required for MinIO/rustfs)

	// MaxUploadSize is the hard request body cap regardless of plan.
	MaxUploadSize int64

	// Per-plan single-file ceilings in bytes. Must be strictly increasing.
	MaxFileSizeFree    int64
	MaxFileSizeBasic   int64
	MaxFileSizePremium int64

	SessionSecret      string
	SessionDuration    string
	BcryptCost         int
	CSRFEnabled        bool
	EnableRegistration bool

	// Root administrator, provisioned once at startup.
	RootUsername string
	RootPassword string
	RootEmail    string

	PaymentMode string
	UPIID       string

	// FallbackEnabled mirrors records in memory and serves from there
	// when the database is unreachable.
	FallbackEnabled       bool
	FallbackProbeInterval time.Duration

	// ReconcileInterval is how often storage counters are recomputed
	// from file records. Zero disables the worker.
	ReconcileInterval time.Duration

	// TrustedProxyCIDRs is a list of CIDR ranges from which X-Real-IP and
	// X-Forwarded-For are trusted for rate limiting.
	TrustedProxyCIDRs []string

	// CORSAllowedOrigins is a list of allowed origins for the JSON API.
	// If empty, no CORS headers are sent (same-origin only).
	CORSAllowedOrigins []string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	defaultPaymentMode := PaymentModeSandbox
	if env == "production" {
		defaultPaymentMode = PaymentModeManual
	}

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		Host:                  getEnv("HOST", "0.0.0.0"),
		Env:                   env,
		LogLevel:              getEnv("LOG_LEVEL", ""),
		BaseURL:               strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		DBType:                getEnv("DB_TYPE", "sqlite"),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "5432"),
		DBName:                getEnv("DB_NAME", "hoard"),
		DBUser:                getEnv("DB_USER", "hoard"),
		DBPassword:            getEnv("DB_PASSWORD", ""),
		DBPath:                getEnv("DB_PATH", "./data/hoard.db"),
		StorageBackend:        getEnv("STORAGE_BACKEND", "disk"),
		StoragePath:           getEnv("STORAGE_PATH", "./data/uploads"),
		TempDir:               getEnv("TEMP_DIR", ""),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		S3UsePathStyle:        getEnvBool("S3_USE_PATH_STYLE", false),
		MaxUploadSize:         getEnvSize("MAX_UPLOAD_SIZE", "2G"),
		MaxFileSizeFree:       getEnvSize("MAX_FILE_SIZE_FREE", "100M"),
		MaxFileSizeBasic:      getEnvSize("MAX_FILE_SIZE_BASIC", "500M"),
		MaxFileSizePremium:    getEnvSize("MAX_FILE_SIZE_PREMIUM", "2G"),
		SessionSecret:         getEnv("SESSION_SECRET", "change_me_in_production_32_bytes"),
		SessionDuration:       getEnv("SESSION_DURATION", "24h"),
		BcryptCost:            getEnvInt("BCRYPT_COST", 10),
		CSRFEnabled:           getEnvBool("CSRF_ENABLED", true),
		EnableRegistration:    getEnvBool("ENABLE_REGISTRATION", true),
		RootUsername:          getEnv("ROOT_USERNAME", "admin"),
		RootPassword:          getEnv("ROOT_PASSWORD", ""),
		RootEmail:             getEnv("ROOT_EMAIL", "admin@localhost"),
		PaymentMode:           strings.ToLower(getEnv("PAYMENT_MODE", defaultPaymentMode)),
		UPIID:                 getEnv("UPI_ID", "hoard@upi"),
		FallbackEnabled:       getEnvBool("FALLBACK_ENABLED", true),
		FallbackProbeInterval: getEnvDuration("FALLBACK_PROBE_INTERVAL", "30s"),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", "1h"),
		TrustedProxyCIDRs:     getEnvStringSlice("TRUSTED_PROXY_CIDRS", nil),
		CORSAllowedOrigins:    getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.PaymentMode {
	case PaymentModeSandbox, PaymentModeManual:
	default:
		return fmt.Errorf("invalid PAYMENT_MODE %q (supported: sandbox, manual)", c.PaymentMode)
	}

	if c.MaxFileSizeFree <= 0 || c.MaxFileSizeBasic <= c.MaxFileSizeFree || c.MaxFileSizePremium <= c.MaxFileSizeBasic {
		return fmt.Errorf("per-plan file size limits must be positive and strictly increasing (free=%d basic=%d premium=%d)",
			c.MaxFileSizeFree, c.MaxFileSizeBasic, c.MaxFileSizePremium)
	}

	if c.MaxUploadSize < c.MaxFileSizePremium {
		c.MaxUploadSize = c.MaxFileSizePremium
	}
	if c.FallbackProbeInterval < time.Second {
		c.FallbackProbeInterval = time.Second
	}
	if c.ReconcileInterval < 0 {
		c.ReconcileInterval = 0
	}
	if c.RootUsername == "" {
		return fmt.Errorf("ROOT_USERNAME must not be empty")
	}
	return nil
}

// Sandbox reports whether payment claims are trusted without review.
func (c *Config) Sandbox() bool {
	return c.PaymentMode == PaymentModeSandbox
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvStringSlice parses a comma-separated env var into a string slice.
// Empty entries are filtered out. Returns defaultValue if env var is empty.
func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// ParseSize converts human-readable sizes (e.g., "10G", "500M", "1K") to bytes.
// Supports: B, K/KB, M/MB, G/GB, T/TB (case-insensitive)
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))

	if val, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
		return val, nil
	}

	units := []struct {
		suffixes   []string
		multiplier int64
	}{
		{[]string{"TB", "T"}, 1 << 40},
		{[]string{"GB", "G"}, 1 << 30},
		{[]string{"MB", "M"}, 1 << 20},
		{[]string{"KB", "K"}, 1 << 10},
		{[]string{"B"}, 1},
	}

	for _, u := range units {
		for _, suffix := range u.suffixes {
			if !strings.HasSuffix(sizeStr, suffix) {
				continue
			}
			numStr := strings.TrimSuffix(sizeStr, suffix)
			val, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size value: %s", sizeStr)
			}
			return int64(val * float64(u.multiplier)), nil
		}
	}

	return 0, fmt.Errorf("invalid size format: %s (use B, K/KB, M/MB, G/GB, T/TB)", sizeStr)
}

// getEnvSize parses size strings like "10G", "500M" or raw bytes
func getEnvSize(key string, defaultValue string) int64 {
	size, err := ParseSize(getEnv(key, defaultValue))
	if err != nil {
		if defaultSize, defaultErr := ParseSize(defaultValue); defaultErr == nil {
			return defaultSize
		}
		return 0
	}
	return size
}

// getEnvDuration parses duration strings like "24h", "30m". A value of "0"
// parses to zero.
func getEnvDuration(key string, defaultValue string) time.Duration {
	duration, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		if defaultDuration, defaultErr := time.ParseDuration(defaultValue); defaultErr == nil {
			return defaultDuration
		}
		return 0
	}
	return duration
}
