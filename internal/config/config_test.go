package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.RingTimeout != 30*time.Second {
		t.Fatalf("RingTimeout = %v, want 30s", cfg.RingTimeout)
	}
	if cfg.CallCost != 100 {
		t.Fatalf("CallCost = %d, want 100", cfg.CallCost)
	}
	if cfg.EarnBlock != 5*time.Minute {
		t.Fatalf("EarnBlock = %v, want 5m", cfg.EarnBlock)
	}
	if cfg.PayerGender != "male" {
		t.Fatalf("PayerGender = %q, want %q", cfg.PayerGender, "male")
	}
	if cfg.LanguageWildcard {
		t.Fatalf("LanguageWildcard = true, want false default")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadExplicitOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RTC_RING_TIMEOUT", "12s")
	t.Setenv("RTC_CALL_COST", "250")
	t.Setenv("RTC_EARN_BLOCK", "1m")
	t.Setenv("RTC_LANGUAGE_WILDCARD", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RingTimeout != 12*time.Second {
		t.Fatalf("RingTimeout = %v, want 12s", cfg.RingTimeout)
	}
	if cfg.CallCost != 250 {
		t.Fatalf("CallCost = %d, want 250", cfg.CallCost)
	}
	if cfg.EarnBlock != time.Minute {
		t.Fatalf("EarnBlock = %v, want 1m", cfg.EarnBlock)
	}
	if !cfg.LanguageWildcard {
		t.Fatalf("LanguageWildcard = false, want true")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"short ring timeout", "RTC_RING_TIMEOUT", "1s"},
		{"negative cost", "RTC_CALL_COST", "-5"},
		{"zero earn block", "RTC_EARN_BLOCK", "0s"},
		{"bad payer gender", "RTC_PAYER_GENDER", "other"},
		{"unparsable bool", "RTC_LANGUAGE_WILDCARD", "maybe"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"RTC_RING_TIMEOUT",
		"RTC_CALL_COST",
		"RTC_EARN_RATE_UNITS",
		"RTC_EARN_BLOCK",
		"RTC_PAYER_GENDER",
		"RTC_LANGUAGE_WILDCARD",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
