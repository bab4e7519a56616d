package config

import (
	"os"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the executor core.
type Config struct {
	Port string

	// Control plane
	PlatformURL string
	APIKey      string
	APISecret   string
	ExecutorID  string

	// Cloud command channel
	CloudWSURL   string
	CloudChannel string

	// Terminal bridge
	TerminalWSURL  string
	TerminalMagic  int
	TradeSlippage  int
	RequestTimeout time.Duration

	// Reconnect policy (shared defaults for all supervised connections)
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectFactor       float64
	ReconnectStruggleAt   int
	ReconnectMaxAttempts  int

	// Command dispatch
	QueueSize        int
	DispatchRate     int // requests per window
	DispatchWindow   time.Duration
	DispatchTimeout  time.Duration
	DefaultRetries   int
	RetrySpacing     time.Duration
	RetrySpacingCap  time.Duration
	HeartbeatEvery   time.Duration
	SnapshotInterval time.Duration

	// Database and recovery
	DBPath          string
	CrashMarkerPath string

	// Safety limits
	SafetyLimitsPath string

	// Local status API
	JWTSecret string
	// APIPasswordHash is the bcrypt hash of the operator password for the
	// local token endpoint. Empty disables password login.
	APIPasswordHash string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the agent still starts when .env is missing.
	_ = godotenv.Load()

	executorID := getEnv("EXECUTOR_ID", "")
	if executorID == "" {
		// Fall back to a stable machine-derived identity so restarts keep
		// the same executor channel without operator input.
		if id, err := machineid.ProtectedID("executor-core"); err == nil {
			executorID = id[:16]
		} else {
			executorID = "default"
		}
	}

	channel := getEnv("CLOUD_CHANNEL", "")
	if channel == "" {
		channel = "private-executor-" + executorID
	}

	return &Config{
		Port:        getEnv("PORT", "8081"),
		PlatformURL: getEnv("PLATFORM_API_URL", "https://fx.nusanexus.com"),
		APIKey:      os.Getenv("PLATFORM_API_KEY"),
		APISecret:   os.Getenv("PLATFORM_API_SECRET"),
		ExecutorID:  executorID,

		CloudWSURL:   getEnv("CLOUD_WS_URL", "wss://ws.nusanexus.com/executor"),
		CloudChannel: channel,

		TerminalWSURL:  getEnv("TERMINAL_WS_URL", "ws://127.0.0.1:5555"),
		TerminalMagic:  getEnvInt("TERMINAL_MAGIC", 923451),
		TradeSlippage:  getEnvInt("TRADE_SLIPPAGE", 10),
		RequestTimeout: getEnvDuration("TERMINAL_REQUEST_TIMEOUT", 10*time.Second),

		ReconnectInitialDelay: getEnvDuration("RECONNECT_INITIAL_DELAY", time.Second),
		ReconnectMaxDelay:     getEnvDuration("RECONNECT_MAX_DELAY", 60*time.Second),
		ReconnectFactor:       getEnvFloat("RECONNECT_FACTOR", 2.0),
		ReconnectStruggleAt:   getEnvInt("RECONNECT_STRUGGLE_AT", 5),
		ReconnectMaxAttempts:  getEnvInt("RECONNECT_MAX_ATTEMPTS", 30),

		QueueSize:        getEnvInt("COMMAND_QUEUE_SIZE", 100),
		DispatchRate:     getEnvInt("DISPATCH_RATE", 100),
		DispatchWindow:   getEnvDuration("DISPATCH_WINDOW", time.Minute),
		DispatchTimeout:  getEnvDuration("DISPATCH_TIMEOUT", 10*time.Second),
		DefaultRetries:   getEnvInt("COMMAND_MAX_RETRIES", 3),
		RetrySpacing:     getEnvDuration("COMMAND_RETRY_SPACING", 2*time.Second),
		RetrySpacingCap:  getEnvDuration("COMMAND_RETRY_SPACING_CAP", 30*time.Second),
		HeartbeatEvery:   getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", time.Hour),

		DBPath:          getEnv("DB_PATH", "./data/executor.db"),
		CrashMarkerPath: getEnv("CRASH_MARKER_PATH", "./data/executor.lock"),

		SafetyLimitsPath: getEnv("SAFETY_LIMITS_PATH", "./config/safety.yaml"),

		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		APIPasswordHash: os.Getenv("API_PASSWORD_HASH"),
	}, nil
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
