package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/config"
	"github.com/talgya/starmacro/internal/ledger"
)

func TestDefaults(t *testing.T) {
	t.Setenv("MACROSIM_CONFIG", "")
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "realtime", cfg.Sim.Mode)
	assert.Equal(t, 8*time.Second, cfg.Sim.DayLength)
	assert.Equal(t, 500, cfg.Sim.Budget.MaxEvents)
	assert.Equal(t, 20*time.Millisecond, cfg.Sim.Budget.MaxElapsed)
	assert.Equal(t, 15, cfg.Sector.WageReserveDays)
	assert.Equal(t, 8080, cfg.API.Port)

	ec := cfg.Engine()
	assert.Equal(t, clock.RealTime, ec.Mode)
	assert.Equal(t, clock.Time(0.01), ec.Tolerance)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MACROSIM_CONFIG", "")
	t.Setenv("MACROSIM_SIM_MODE", "batch")
	t.Setenv("MACROSIM_SIM_DAY_LENGTH", "2s")
	t.Setenv("MACROSIM_SECTOR_WAGE_RESERVE_DAYS", "7")
	t.Setenv("MACROSIM_SECTOR_JG_WAGE", "11")
	t.Setenv("MACROSIM_API_ADMIN_KEY", "k")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, clock.Batch, cfg.Engine().Mode)
	assert.Equal(t, 2*time.Second, cfg.Sim.DayLength)
	assert.Equal(t, "k", cfg.API.AdminKey)

	p := cfg.Economy()
	assert.Equal(t, 7, p.WageReserveDays)
	assert.Equal(t, ledger.Money(11), p.JGWage)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "macrosim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sim:
  mode: batch
  batch_days: 90
  budget:
    max_events: 42
sector:
  households: 200
  locations: [port, mine]
log:
  level: debug
  format: json
`), 0o644))
	t.Setenv("MACROSIM_SECTOR_FIRMS", "9")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.Sim.BatchDays)
	assert.Equal(t, 42, cfg.Sim.Budget.MaxEvents)
	assert.Equal(t, 200, cfg.Economy().Households)
	assert.Equal(t, 9, cfg.Economy().Firms)
	assert.Equal(t, []string{"port", "mine"}, cfg.Economy().Locations)
	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
	assert.NotNil(t, cfg.Logger())
}

func TestValidate(t *testing.T) {
	t.Setenv("MACROSIM_CONFIG", "")
	t.Setenv("MACROSIM_SIM_MODE", "sideways")
	t.Setenv("MACROSIM_SECTOR_WAGE_RESERVE_DAYS", "0")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sim.mode")
	assert.Contains(t, err.Error(), "wage_reserve_days")

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
