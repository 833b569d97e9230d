// Package config loads the game service's runtime configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the complete set of environment-sourced settings for the game
// service process.
type Config struct {
	GamePort           int
	GatewayPort        int
	MetricsPort        int
	RedisURL           string
	LedgerEndpoint     string
	EventStoreEndpoint string
	TurnTimeoutSeconds int
	NextHandDelay      time.Duration
	LogLevel           string
	OTLPEndpoint       string
	TrustProxy         bool
}

// Load reads Config from the environment, falling back to local-dev
// defaults (20s turn timer, info log level).
func Load() Config {
	return Config{
		GamePort:           envInt("GAME_PORT", 8080),
		GatewayPort:        envInt("GATEWAY_PORT", 8081),
		MetricsPort:        envInt("METRICS_PORT", 9090),
		RedisURL:           envStr("REDIS_URL", "redis://127.0.0.1:6379/0"),
		LedgerEndpoint:     envStr("LEDGER_ENDPOINT", "http://127.0.0.1:9001"),
		EventStoreEndpoint: envStr("EVENTSTORE_ENDPOINT", "http://127.0.0.1:9002"),
		TurnTimeoutSeconds: envInt("TURN_TIMEOUT_SECONDS", 20),
		NextHandDelay:      3000 * time.Millisecond,
		LogLevel:           envStr("LOG_LEVEL", "info"),
		OTLPEndpoint:       envStr("OTLP_ENDPOINT", ""),
		TrustProxy:         envBool("TRUST_PROXY", false),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
