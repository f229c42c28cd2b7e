package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Subs.MaxLines)
	assert.Equal(t, 3, cfg.Subs.MaxDepthSlots)
	assert.Equal(t, "file", cfg.Journal.Backend)
}

func TestLoad_OverridesBackfillDefaults(t *testing.T) {
	path := writeFile(t, "tapegate.yaml", `
subscriptions:
  max_depth_slots: 2
gating:
  warmup_min_trades: 9
engine:
  refresh_interval_ms: 30000
  universe: [ACME, OTHR]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Subs.MaxDepthSlots)
	assert.Equal(t, 9, cfg.Gating.WarmupMinTrades)
	assert.Equal(t, int64(30000), cfg.Engine.RefreshIntervalMs)

	// Untouched sections keep their defaults.
	assert.Equal(t, 90, cfg.Subs.MaxLines)
	assert.Equal(t, 10, cfg.Book.MaxDepth)
	assert.InDelta(t, 0.10, cfg.Book.ResetJumpDollars, 1e-9)

	syms, err := cfg.UniverseSymbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"ACME", "OTHR"}, syms)
}

func TestLoad_RejectsInvalidCombinations(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"depth slots above tick cap", "subscriptions:\n  max_depth_slots: 9\n  max_tick_by_tick: 8\n"},
		{"depth slots above line cap", "subscriptions:\n  max_depth_slots: 5\n  max_lines: 4\n  max_tick_by_tick: 8\n"},
		{"postgres without dsn", "journal:\n  backend: postgres\n"},
		{"unknown journal backend", "journal:\n  backend: carrier-pigeon\n"},
		{"zero throttle", "gating:\n  throttle_ms: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "bad.yaml", tc.yaml)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestUniverseSymbols_FileWithComments(t *testing.T) {
	list := writeFile(t, "universe.txt", "# morning watchlist\nACME\n  OTHR  \n\nTHRD\n")
	cfg := Default()
	cfg.Engine.Universe = []string{"SEED"}
	cfg.Engine.UniverseFile = list

	syms, err := cfg.UniverseSymbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"SEED", "ACME", "OTHR", "THRD"}, syms)
}
