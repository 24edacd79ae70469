package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the control plane.
type Config struct {
	Port string

	// Database
	DBPath string

	// Risk policy file (breaker tiers, limits, promotion criteria)
	PolicyPath string

	// Exchange
	ExchangeURL       string
	ExchangeStreamURL string
	ExchangeAPIKey    string
	ExchangeAPISecret string
	DryRun            bool

	// Control loop
	TickInterval      time.Duration
	ReconcileInterval time.Duration

	// Model registry
	ModelDir string

	// Auth
	JWTSecret string
	// Bootstrap operator, seeded on first start when the operators table is empty.
	BootstrapOperator string
	BootstrapPassword string
	BootstrapRole     string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/tradeguard.db"),
		PolicyPath:        getEnv("RISK_POLICY_PATH", "./config/risk_policy.yaml"),
		ExchangeURL:       getEnv("EXCHANGE_URL", ""),
		ExchangeStreamURL: getEnv("EXCHANGE_STREAM_URL", ""),
		ExchangeAPIKey:    os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret: os.Getenv("EXCHANGE_API_SECRET"),
		DryRun:            getEnv("DRY_RUN", "true") == "true",
		TickInterval:      getEnvDuration("TICK_INTERVAL", 5*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ModelDir:          getEnv("MODEL_DIR", "./data/models"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		BootstrapOperator: getEnv("BOOTSTRAP_OPERATOR", "admin"),
		BootstrapPassword: os.Getenv("BOOTSTRAP_PASSWORD"),
		BootstrapRole:     getEnv("BOOTSTRAP_ROLE", "sys-admin"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
