package config

import (
	"os"
	"strconv"
	"time"
)

type GatewayConfig struct {
	LedgerURL      string
	ComplianceURL  string
	RiskURL        string
	NotifierURL    string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

func LoadGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		LedgerURL:      getEnv("LEDGER_URL", "http://localhost:8080"),
		ComplianceURL:  getEnv("COMPLIANCE_URL", ""),
		RiskURL:        getEnv("RISK_URL", ""),
		NotifierURL:    getEnv("NOTIFIER_URL", ""),
		RequestTimeout: getEnvAsDuration("GATEWAY_REQUEST_TIMEOUT", 5*time.Second),
		MaxRetries:     getEnvAsInt("GATEWAY_MAX_RETRIES", 3),
		RetryBackoff:   getEnvAsDuration("GATEWAY_RETRY_BACKOFF", 500*time.Millisecond),
	}
}

type RelayConfig struct {
	PollInterval    time.Duration
	DegradedBackoff time.Duration
	BatchSize       int
	Workers         int
}

func LoadRelayConfig() *RelayConfig {
	return &RelayConfig{
		PollInterval:    getEnvAsDuration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		DegradedBackoff: getEnvAsDuration("OUTBOX_DEGRADED_BACKOFF", 5*time.Second),
		BatchSize:       getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
		Workers:         getEnvAsInt("OUTBOX_WORKERS", 2),
	}
}

type RewardsConfig struct {
	CacheTTL time.Duration
}

func LoadRewardsConfig() *RewardsConfig {
	return &RewardsConfig{
		CacheTTL: getEnvAsDuration("REWARDS_CACHE_TTL", 30*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
