package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the copy-trade executor.
type Config struct {
	HTTPAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers    []string
	KafkaAuditTopic string

	HyperAPIURL   string
	HyperWSURL    string
	StreamEnabled bool

	LeaderAddress    string
	PollInterval     time.Duration
	MonitorAutostart bool

	EncryptionKey string
	AdminAPIKey   string

	FollowerHashKey string
	APIKeyHashKey   string

	RateLimitWindow time.Duration
	RateLimitMax    int

	MaxSlippagePercent  float64
	MaxDelayMs          int64
	MinOrderSize        float64
	MaxOrderSizePercent float64
	CooldownMs          int64
}

// envOrDefault returns the value of an env var or a default.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) (int, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}

	return def, nil
}

func envFloatOrDefault(key string, def float64) (float64, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}

	return def, nil
}

func envBoolOrDefault(key string, def bool) (bool, error) {
	if raw := os.Getenv(key); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return val, nil
	}

	return def, nil
}

func envCSV(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (Config, error) {
	redisDB, err := envIntOrDefault("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	pollMs, err := envIntOrDefault("MONITOR_POLL_INTERVAL_MS", 2000)
	if err != nil {
		return Config{}, err
	}
	autostart, err := envBoolOrDefault("MONITOR_AUTOSTART", true)
	if err != nil {
		return Config{}, err
	}
	streamEnabled, err := envBoolOrDefault("HYPERLIQUID_WS_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	rateWindowMs, err := envIntOrDefault("RATE_LIMIT_WINDOW_MS", 60_000)
	if err != nil {
		return Config{}, err
	}
	rateMax, err := envIntOrDefault("RATE_LIMIT_MAX_REQUESTS", 60)
	if err != nil {
		return Config{}, err
	}

	maxSlippage, err := envFloatOrDefault("MAX_SLIPPAGE_PERCENT", 1.0)
	if err != nil {
		return Config{}, err
	}
	maxDelayMs, err := envIntOrDefault("MAX_DELAY_MS", 5000)
	if err != nil {
		return Config{}, err
	}
	minOrderSize, err := envFloatOrDefault("MIN_ORDER_SIZE", 1)
	if err != nil {
		return Config{}, err
	}
	maxOrderPct, err := envFloatOrDefault("MAX_ORDER_SIZE_PERCENT", 10)
	if err != nil {
		return Config{}, err
	}
	cooldownMs, err := envIntOrDefault("ORDER_COOLDOWN_MS", 1000)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr: envOrDefault("HTTP_ADDR", ":3001"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		KafkaBrokers:    envCSV("KAFKA_BROKERS"),
		KafkaAuditTopic: envOrDefault("KAFKA_TOPIC_AUDIT", "copy_trade_audit"),

		HyperAPIURL:   envOrDefault("HYPERLIQUID_API_URL", "https://api.hyperliquid.xyz"),
		HyperWSURL:    envOrDefault("HYPERLIQUID_WS_URL", "wss://api.hyperliquid.xyz/ws"),
		StreamEnabled: streamEnabled,

		LeaderAddress:    envOrDefault("LEADER_ADDRESS", "0x29c89eC30a43c8d12b6BD4E99d3D6E5CBf1AEb28"),
		PollInterval:     time.Duration(pollMs) * time.Millisecond,
		MonitorAutostart: autostart,

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		AdminAPIKey:   os.Getenv("ADMIN_API_KEY"),

		FollowerHashKey: envOrDefault("FOLLOWER_HASH_KEY", "copytrade:followers"),
		APIKeyHashKey:   envOrDefault("API_KEY_HASH_KEY", "copytrade:apikeys"),

		RateLimitWindow: time.Duration(rateWindowMs) * time.Millisecond,
		RateLimitMax:    rateMax,

		MaxSlippagePercent:  maxSlippage,
		MaxDelayMs:          int64(maxDelayMs),
		MinOrderSize:        minOrderSize,
		MaxOrderSizePercent: maxOrderPct,
		CooldownMs:          int64(cooldownMs),
	}

	return cfg, nil
}
