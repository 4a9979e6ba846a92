package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the RTC matchmaking service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// RingTimeout bounds how long an unanswered invite stays ringing.
	RingTimeout time.Duration

	// CallCost is the flat coin debit taken from the payer when a call
	// is accepted. EarnRateUnits coins are credited to the earner per
	// full EarnBlock of completed call time.
	CallCost      int64
	EarnRateUnits int64
	EarnBlock     time.Duration

	// PayerGender selects which side of a matched pair is the payer.
	// Empty disables billing entirely.
	PayerGender string

	// LanguageWildcard makes an unset language preference match any
	// partner instead of disqualifying the match.
	LanguageWildcard bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "friendapp"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,
		RingTimeout:      30 * time.Second,
		CallCost:         100,
		EarnRateUnits:    1,
		EarnBlock:        5 * time.Minute,
		PayerGender:      envOrDefault("RTC_PAYER_GENDER", "male"),
		LanguageWildcard: false,
		DatabaseURL:      trimSpaceEnv("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RingTimeout, err = durationFromEnv("RTC_RING_TIMEOUT", cfg.RingTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallCost, err = int64FromEnv("RTC_CALL_COST", cfg.CallCost)
	if err != nil {
		return Config{}, err
	}
	cfg.EarnRateUnits, err = int64FromEnv("RTC_EARN_RATE_UNITS", cfg.EarnRateUnits)
	if err != nil {
		return Config{}, err
	}
	cfg.EarnBlock, err = durationFromEnv("RTC_EARN_BLOCK", cfg.EarnBlock)
	if err != nil {
		return Config{}, err
	}
	cfg.LanguageWildcard, err = boolFromEnv("RTC_LANGUAGE_WILDCARD", cfg.LanguageWildcard)
	if err != nil {
		return Config{}, err
	}

	if cfg.RingTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("RTC_RING_TIMEOUT must be at least 5s")
	}
	if cfg.CallCost < 0 {
		return Config{}, fmt.Errorf("RTC_CALL_COST must be >= 0")
	}
	if cfg.EarnRateUnits < 0 {
		return Config{}, fmt.Errorf("RTC_EARN_RATE_UNITS must be >= 0")
	}
	if cfg.EarnBlock <= 0 {
		return Config{}, fmt.Errorf("RTC_EARN_BLOCK must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.PayerGender)) {
	case "", "male", "female":
	default:
		return Config{}, fmt.Errorf("RTC_PAYER_GENDER must be male, female or empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpaceEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimSpaceEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
