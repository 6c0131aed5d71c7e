package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all runtime configuration for the API server
type Config struct {
	Env                 string
	Port                int
	LogLevel            zerolog.Level
	DatabasePath        string
	JWTSecret           string
	JWTExpiry           time.Duration
	RefreshTokenSecret  string
	RefreshTokenExpiry  time.Duration
	InternalAPIKey      string
	StartingCash        float64
	FeeRate             float64
	RevaluationInterval time.Duration
	OrderRetryAttempts  int
	ShutdownTimeout     time.Duration
}

// IsProduction reports whether the server runs with production settings
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads an optional .env file, then the process environment, applies
// defaults and validates the result
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only
func FromEnv() (*Config, error) {
	cfg := &Config{
		Env:                getStr("ENV", "development"),
		DatabasePath:       getStr("DATABASE_PATH", "semicrypto.db"),
		JWTSecret:          getStr("JWT_SECRET", "semicrypto-access-secret"),
		RefreshTokenSecret: getStr("REFRESH_TOKEN_SECRET", "semicrypto-refresh-secret"),
		InternalAPIKey:     getStr("INTERNAL_API_KEY", "semicrypto-internal-key"),
	}

	var err error
	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", cfg.Port)
	}

	level := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(level) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", level)
	}
	if cfg.LogLevel, err = zerolog.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if cfg.JWTExpiry, err = getDuration("JWT_EXPIRY", 7*24*time.Hour); err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRY: %w", err)
	}
	if cfg.RefreshTokenExpiry, err = getDuration("REFRESH_TOKEN_EXPIRY", 30*24*time.Hour); err != nil {
		return nil, fmt.Errorf("invalid REFRESH_TOKEN_EXPIRY: %w", err)
	}

	if cfg.StartingCash, err = getFloat("STARTING_CASH", 10000); err != nil {
		return nil, fmt.Errorf("invalid STARTING_CASH: %w", err)
	}
	if cfg.StartingCash < 0 {
		return nil, fmt.Errorf("invalid STARTING_CASH: must not be negative")
	}

	if cfg.FeeRate, err = getFloat("FEE_RATE", 0.001); err != nil {
		return nil, fmt.Errorf("invalid FEE_RATE: %w", err)
	}
	if cfg.FeeRate < 0 || cfg.FeeRate >= 1 {
		return nil, fmt.Errorf("invalid FEE_RATE: %v must be in [0, 1)", cfg.FeeRate)
	}

	if cfg.RevaluationInterval, err = getDuration("REVALUATION_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("invalid REVALUATION_INTERVAL: %w", err)
	}
	if cfg.RevaluationInterval <= 0 {
		return nil, fmt.Errorf("invalid REVALUATION_INTERVAL: must be positive")
	}

	if cfg.OrderRetryAttempts, err = getInt("ORDER_RETRY_ATTEMPTS", 3); err != nil {
		return nil, fmt.Errorf("invalid ORDER_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.OrderRetryAttempts < 1 {
		return nil, fmt.Errorf("invalid ORDER_RETRY_ATTEMPTS: must be at least 1")
	}

	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	if cfg.IsProduction() && cfg.JWTSecret == "semicrypto-access-secret" {
		return nil, errors.New("JWT_SECRET must be set in production")
	}

	return cfg, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
