package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lizcirble/shakabackend/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEconomicsValid(t *testing.T) {
	e := DefaultEconomics()
	require.NoError(t, e.Validate())
	assert.Equal(t, int64(1500), e.PlatformFeeBps)
	assert.Equal(t, 5*time.Minute, e.SubmissionTTL)
	assert.Equal(t, money.MustParse("0.05"), e.AnonymousMaxPayout)
}

func TestEconomicsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Economics)
	}{
		{"fee too high", func(e *Economics) { e.PlatformFeeBps = 10_001 }},
		{"zero threshold", func(e *Economics) { e.ConsensusThreshold = 0 }},
		{"no evaluations", func(e *Economics) { e.MinEvaluations = 0 }},
		{"inverted bounds", func(e *Economics) { e.ReputationMin = 300 }},
		{"initial outside", func(e *Economics) { e.ReputationInitial = 500 }},
		{"zero ttl", func(e *Economics) { e.SubmissionTTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DefaultEconomics()
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
server_addr: ":9000"
sweep_interval: 30s
economics:
  platform_fee_bps: 1000
  min_evaluations: 5
  anonymous_max_payout: "0.02"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_ADDR", ":9100")
	t.Setenv("FORBIDDEN_KEYWORDS", "spam, fraud")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.ServerAddr, "env overrides file")
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(1000), cfg.Economics.PlatformFeeBps)
	assert.Equal(t, 5, cfg.Economics.MinEvaluations)
	assert.Equal(t, money.MustParse("0.02"), cfg.Economics.AnonymousMaxPayout)
	assert.Equal(t, money.MustParse("0.1"), cfg.Economics.FirstTimeMaxPayout)
	assert.Equal(t, []string{"spam", "fraud"}, cfg.Economics.ForbiddenKeywords)
	assert.Equal(t, 0.70, cfg.Economics.ConsensusThreshold)
}

func TestLoadRejectsBadEconomics(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CONSENSUS_THRESHOLD", "1.5")
	_, err := Load()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "host=localhost port=5432 user=postgres password=postgres dbname=escrow sslmode=disable", cfg.DSN())
}
