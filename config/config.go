// Package config loads billing engine configuration from the
// environment. Pair with godotenv to populate the environment from a
// .env file during development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/warp/billing-engine/billing"
)

type Config struct {
	// DBPath is the SQLite database location. ":memory:" works for
	// experiments.
	DBPath string

	// RulesPath points to the price-list JSON document.
	RulesPath string

	// MembersPath points to an optional member-data JSON document
	// (birth dates and named member lists referenced by the price
	// list). Empty means no member data.
	MembersPath string

	// DueDays is the payment term applied to generated invoices.
	DueDays int

	// ExcludedRefs lists member reference ids that are never billed
	// (comma separated in the environment).
	ExcludedRefs []string

	// Logging configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

func Load() (*Config, error) {
	dueDays, err := getEnvInt("BILLING_DUE_DAYS", billing.DefaultDueDays)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBPath:        getEnv("BILLING_DB_PATH", "./data/billing.db"),
		RulesPath:     getEnv("BILLING_RULES_PATH", "./rules.json"),
		MembersPath:   getEnv("BILLING_MEMBERS_PATH", ""),
		DueDays:       dueDays,
		ExcludedRefs:  splitList(getEnv("BILLING_EXCLUDED_REFS", "")),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		LogTimeFormat: getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:     getEnv("LOG_OUTPUT", "stderr"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("BILLING_DB_PATH is required")
	}
	if c.DueDays <= 0 {
		return fmt.Errorf("BILLING_DUE_DAYS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
