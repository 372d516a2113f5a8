package config

import (
	"os"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Database
	DBPath string

	// KIS broker
	KISBaseURL   string
	KISVirtual   bool // paper-trading endpoint set
	QuoteDelayMs int  // fixed inter-call delay for quote/holdings fan-out

	// Scheduling
	ExecuteInterval   time.Duration // strategy batch tick cadence
	ReconcileInterval time.Duration // reconciliation batch tick cadence
	DedupInterval     time.Duration // minimum gap between executions of one strategy
	ExecuteNowTimeout time.Duration // user-triggered immediate execution budget
	BatchSize         int           // owner-shard window size per tick

	// Market clock
	CloseDebounceMin int    // minutes after Regular open before close-side logic runs
	HolidayFile      string // optional YAML holiday calendar

	// Retry
	RetryMax          int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64

	// Auth / crypto
	JWTSecret     string
	EncryptionKey string // 32-byte key for stored broker credentials

	// Localization
	Language string // "en" or "ko"

	// Instance identity (stamped on audit rows)
	InstanceID string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trading.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            dbPath,
		KISBaseURL:        getEnv("KIS_BASE_URL", "https://openapi.koreainvestment.com:9443"),
		KISVirtual:        getEnv("KIS_VIRTUAL", "false") == "true",
		QuoteDelayMs:      getEnvInt("KIS_QUOTE_DELAY_MS", 100),
		ExecuteInterval:   getEnvDuration("EXECUTE_INTERVAL", 5*time.Minute),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 3*time.Minute),
		DedupInterval:     getEnvDuration("DEDUP_INTERVAL", 3*time.Minute),
		ExecuteNowTimeout: getEnvDuration("EXECUTE_NOW_TIMEOUT", 20*time.Second),
		BatchSize:         getEnvInt("BATCH_SIZE", 100),
		CloseDebounceMin:  getEnvInt("CLOSE_DEBOUNCE_MIN", 10),
		HolidayFile:       getEnv("HOLIDAY_FILE", ""),
		RetryMax:          getEnvInt("RETRY_MAX", 3),
		RetryInitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond),
		RetryMaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		RetryMultiplier:   getEnvFloat("RETRY_MULTIPLIER", 2.0),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		Language:          getEnv("LANGUAGE", "en"),
		InstanceID:        instanceID(),
	}, nil
}

// instanceID returns a stable identifier for this node.
func instanceID() string {
	if id, err := machineid.ID(); err == nil && id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
