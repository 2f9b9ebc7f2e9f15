package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string
	HTTPAddr string

	// Database (postgres URL or sqlite path/URL)
	DatabaseURL string

	// Tokens
	SecretKey                string
	JWTAlgorithm             string
	AccessTokenExpireMinutes int
	RefreshTokenExpireDays   int

	// Messaging
	MessageMaxLength int

	// CORS
	CORSOrigins []string

	// Auth endpoint rate limit
	AuthRateLimitWindow time.Duration
	AuthRateLimitMax    int

	// Optional Redis (distributed auth rate limiting)
	RedisURL string

	// WebSocket session tuning
	WSHeartbeatSec          int
	WSIdleTimeout           time.Duration
	WSMaxCommandBytes       int
	WSRateLimitWindow       time.Duration
	WSRateLimitMaxCommands  int
	WSMaxIDsPerSubscribe    int
	WSMaxSubsPerConnection  int
	WSOutgoingQueueCapacity int

	// Outbox dispatcher
	DispatcherEnabled   bool
	DispatcherPoll      time.Duration
	DispatcherBatchSize int

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	cfg.DatabaseURL = getEnv("DATABASE_URL", "")

	cfg.SecretKey = getEnv("SECRET_KEY", "")
	cfg.JWTAlgorithm = getEnv("JWT_ALGORITHM", "HS256")
	cfg.AccessTokenExpireMinutes = getInt("ACCESS_TOKEN_EXPIRE_MINUTES", 15)
	cfg.RefreshTokenExpireDays = getInt("REFRESH_TOKEN_EXPIRE_DAYS", 30)

	cfg.MessageMaxLength = getInt("MESSAGE_MAX_LENGTH", 2000)

	cfg.CORSOrigins = getCSV("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:8081"})

	cfg.AuthRateLimitWindow = time.Duration(getInt("AUTH_RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
	cfg.AuthRateLimitMax = getInt("AUTH_RATE_LIMIT_MAX_REQUESTS", 12)
	cfg.RedisURL = getEnv("REDIS_URL", "")

	cfg.WSHeartbeatSec = getInt("WS_HEARTBEAT_SEC", 25)
	cfg.WSIdleTimeout = time.Duration(getInt("WS_IDLE_TIMEOUT_SEC", 60)) * time.Second
	cfg.WSMaxCommandBytes = getInt("WS_MAX_COMMAND_BYTES", 4096)
	cfg.WSRateLimitWindow = time.Duration(getInt("WS_RATE_LIMIT_WINDOW_SEC", 10)) * time.Second
	cfg.WSRateLimitMaxCommands = getInt("WS_RATE_LIMIT_MAX_COMMANDS", 20)
	cfg.WSMaxIDsPerSubscribe = getInt("WS_MAX_IDS_PER_SUBSCRIBE", 50)
	cfg.WSMaxSubsPerConnection = getInt("WS_MAX_SUBSCRIPTIONS_PER_CONNECTION", 200)
	cfg.WSOutgoingQueueCapacity = getInt("WS_OUTGOING_QUEUE_CAPACITY", 200)

	cfg.DispatcherEnabled = getBool("REALTIME_DISPATCHER_ENABLED", true)
	cfg.DispatcherPoll = time.Duration(getInt("REALTIME_DISPATCHER_POLL_MS", 500)) * time.Millisecond
	cfg.DispatcherBatchSize = getInt("REALTIME_DISPATCHER_BATCH_SIZE", 50)

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "json")

	// Validation (fail fast)
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing DATABASE_URL")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("missing SECRET_KEY")
	}
	if cfg.JWTAlgorithm != "HS256" {
		return nil, fmt.Errorf("unsupported JWT_ALGORITHM %q (only HS256)", cfg.JWTAlgorithm)
	}
	if cfg.MessageMaxLength < 1 {
		return nil, fmt.Errorf("MESSAGE_MAX_LENGTH must be positive")
	}
	if cfg.DispatcherBatchSize < 1 {
		return nil, fmt.Errorf("REALTIME_DISPATCHER_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		panic(fmt.Errorf("invalid boolean env %s=%q", k, v))
	}
}

func getCSV(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
