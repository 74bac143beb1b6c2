package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Session identity
	RecipientID string
	TeamID      string
	PageSize    int

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (cross-session sync bus)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	SyncStaleness time.Duration

	// Event source
	SourceKind  string // "websocket" or "sqs"
	WSURL       string
	SQSRegion   string
	SQSQueueURL string

	// Admission control
	RateMaxCalls   int
	RateWindow     time.Duration
	RateBurstLimit int

	BreakerThreshold int
	BreakerTimeout   time.Duration

	MutationBreakerThreshold int
	MutationBreakerTimeout   time.Duration

	ThrottleInterval time.Duration

	// Reconnection
	ReconnectBase         time.Duration
	ReconnectMax          time.Duration
	ReconnectMaxAttempts  int
	FallbackProbeInterval time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		PageSize: 50,

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "notifyd",
		DBName:    "notifyd",
		DBSSLMode: "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		SyncStaleness: 2 * time.Second,

		SourceKind: "websocket",

		RateMaxCalls:   15,
		RateWindow:     5 * time.Second,
		RateBurstLimit: 5,

		BreakerThreshold: 10,
		BreakerTimeout:   30 * time.Second,

		MutationBreakerThreshold: 5,
		MutationBreakerTimeout:   30 * time.Second,

		ThrottleInterval: 100 * time.Millisecond,

		ReconnectBase:         500 * time.Millisecond,
		ReconnectMax:          30 * time.Second,
		ReconnectMaxAttempts:  5,
		FallbackProbeInterval: 60 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	cfg.RecipientID = os.Getenv("RECIPIENT_ID")
	if cfg.RecipientID == "" {
		return nil, fmt.Errorf("RECIPIENT_ID is required")
	}
	cfg.TeamID = os.Getenv("TEAM_ID")

	if v := os.Getenv("PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PAGE_SIZE: %w", err)
		}
		cfg.PageSize = n
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}
	if err := durationEnv("SYNC_STALENESS_MS", &cfg.SyncStaleness); err != nil {
		return nil, err
	}

	// Event source
	if kind := os.Getenv("SOURCE_KIND"); kind != "" {
		if kind != "websocket" && kind != "sqs" {
			return nil, fmt.Errorf("invalid SOURCE_KIND %q: must be websocket or sqs", kind)
		}
		cfg.SourceKind = kind
	}
	cfg.WSURL = os.Getenv("WS_URL")
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = "us-east-1"
	}

	// Admission control
	if err := intEnv("RATE_MAX_CALLS", &cfg.RateMaxCalls); err != nil {
		return nil, err
	}
	if err := durationEnv("RATE_WINDOW_MS", &cfg.RateWindow); err != nil {
		return nil, err
	}
	if err := intEnv("RATE_BURST_LIMIT", &cfg.RateBurstLimit); err != nil {
		return nil, err
	}
	if err := intEnv("BREAKER_THRESHOLD", &cfg.BreakerThreshold); err != nil {
		return nil, err
	}
	if err := durationEnv("BREAKER_TIMEOUT_MS", &cfg.BreakerTimeout); err != nil {
		return nil, err
	}
	if err := intEnv("MUTATION_BREAKER_THRESHOLD", &cfg.MutationBreakerThreshold); err != nil {
		return nil, err
	}
	if err := durationEnv("MUTATION_BREAKER_TIMEOUT_MS", &cfg.MutationBreakerTimeout); err != nil {
		return nil, err
	}
	if err := durationEnv("THROTTLE_INTERVAL_MS", &cfg.ThrottleInterval); err != nil {
		return nil, err
	}

	// Reconnection
	if err := durationEnv("RECONNECT_BASE_MS", &cfg.ReconnectBase); err != nil {
		return nil, err
	}
	if err := durationEnv("RECONNECT_MAX_MS", &cfg.ReconnectMax); err != nil {
		return nil, err
	}
	if err := intEnv("RECONNECT_MAX_ATTEMPTS", &cfg.ReconnectMaxAttempts); err != nil {
		return nil, err
	}
	if err := durationEnv("FALLBACK_PROBE_INTERVAL_MS", &cfg.FallbackProbeInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func durationEnv(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
