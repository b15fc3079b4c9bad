package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "./data/billing.db", cfg.DBPath)
	assert.Equal(t, "./rules.json", cfg.RulesPath)
	assert.Equal(t, 14, cfg.DueDays)
	assert.Empty(t, cfg.ExcludedRefs)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("BILLING_DB_PATH", "/tmp/test.db")
	t.Setenv("BILLING_DUE_DAYS", "30")
	t.Setenv("BILLING_EXCLUDED_REFS", "ref-1, ref-2,ref-3")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 30, cfg.DueDays)
	assert.Equal(t, []string{"ref-1", "ref-2", "ref-3"}, cfg.ExcludedRefs)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_InvalidDueDays(t *testing.T) {
	t.Setenv("BILLING_DUE_DAYS", "soon")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_NonPositiveDueDaysRejected(t *testing.T) {
	t.Setenv("BILLING_DUE_DAYS", "0")

	_, err := config.Load()
	assert.ErrorContains(t, err, "BILLING_DUE_DAYS")
}
