package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"RiskCore/internal/aggregation"
	"RiskCore/internal/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "USD", cfg.BaseCurrency)
	assert.Equal(t, 0.3, cfg.OffsetThreshold)
	assert.Equal(t, 20, cfg.MinObservations)
	assert.Equal(t, 60, cfg.LookbackDays)
	assert.Equal(t, 0.9, cfg.StressCorrelation)
	assert.Equal(t, 3, cfg.RunMaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
	assert.True(t, cfg.AutoRun)
	assert.Empty(t, cfg.OpenFIGIURL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("RISKCORE_BASE_CURRENCY", "eur")
	t.Setenv("RISKCORE_OFFSET_THRESHOLD", "0.5")
	t.Setenv("RISKCORE_NETTING_BASIS", "market_value")
	t.Setenv("RISKCORE_CONCENTRATION_ABS", "5000000")
	t.Setenv("RISKCORE_MIN_OBSERVATIONS", "30")
	t.Setenv("RISKCORE_METRIC_MAX_AGE", "6h")
	t.Setenv("RISKCORE_AUTO_RUN", "false")
	t.Setenv("RISKCORE_SWEEP_CRON", "@every 1m")

	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "EUR", cfg.BaseCurrency)
	assert.Equal(t, 30, cfg.MinObservations)
	assert.Equal(t, "@every 1m", cfg.SweepCron)

	ec := cfg.Engine()
	assert.Equal(t, "EUR", ec.BaseCurrency)
	assert.Equal(t, 0.5, ec.Netting.OffsetThreshold)
	assert.Equal(t, aggregation.BasisMarketValue, ec.Netting.Basis)
	assert.True(t, ec.Netting.ConcentrationAbs.Equal(decimal.NewFromInt(5_000_000)))
	assert.Equal(t, 30, ec.Correlation.MinObservations)
	assert.Equal(t, 6*time.Hour, ec.Rollup.MaxAge)
	assert.Equal(t, 3, ec.Run.MaxAttempts)
	assert.False(t, ec.AutoRun)
}

func TestFromEnv_UnparseableNumberFallsBack(t *testing.T) {
	t.Setenv("RISKCORE_LOOKBACK_DAYS", "sixty")
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.LookbackDays)
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]string{
		"RISKCORE_OFFSET_THRESHOLD":   "1.5",
		"RISKCORE_STRESS_CORRELATION": "2",
		"RISKCORE_BASE_CURRENCY":      "dollars",
		"RISKCORE_NETTING_BASIS":      "notional",
		"RISKCORE_MIN_OBSERVATIONS":   "1",
		"RISKCORE_OPENFIGI_URL":       "not a url",
		"RISKCORE_LOG_LEVEL":          "verbose",
		"RISKCORE_CONCENTRATION_ABS":  "-1",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := config.FromEnv()
			require.Error(t, err)
		})
	}
}

func TestFromEnv_BadDecimal(t *testing.T) {
	t.Setenv("RISKCORE_CONCENTRATION_ABS", "lots")
	_, err := config.FromEnv()
	require.ErrorContains(t, err, "RISKCORE_CONCENTRATION_ABS")
}

func TestLoadFiles_EnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte(
		"RISKCORE_LOOKBACK_DAYS=90\nRISKCORE_GRPC_ADDR=:7070\n",
	), 0o600))

	t.Setenv("RISKCORE_GRPC_ADDR", ":6060")
	// godotenv sets variables that were unset; register cleanup for them.
	t.Setenv("RISKCORE_LOOKBACK_DAYS", "")
	require.NoError(t, os.Unsetenv("RISKCORE_LOOKBACK_DAYS"))

	cfg, err := config.LoadFiles(path)
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.LookbackDays)
	assert.Equal(t, ":6060", cfg.GRPCAddr)
}

func TestLoadFiles_MissingFile(t *testing.T) {
	_, err := config.LoadFiles(filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)
}
