// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fines"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "circulation.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
store:
  driver: sqlite
membership:
  url: http://members:8083
  timeout: 500ms
  maxFineBalance: 1000
policy:
  maxLoanPeriod: 336h
  dailyRate: 25
  damagedFraction: "0.25"
  overdueRounding: calendar
  gracePeriod: 2h
  timezone: Europe/Berlin
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Membership.Timeout)
	assert.Equal(t, int64(1000), cfg.Membership.MaxFineBalance)
	assert.Equal(t, 14*24*time.Hour, cfg.Policy.MaxLoanPeriod)
	// untouched values keep their defaults
	assert.Equal(t, 5, cfg.Policy.MaxCopiesPerTicket)
	assert.Equal(t, "1", cfg.Policy.LostFraction)

	policy, err := cfg.CirculationPolicy()
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(25), policy.Fines.DailyRate)
	assert.True(t, decimal.RequireFromString("0.25").Equal(policy.Fines.DamagedFraction))
	assert.Equal(t, fines.RoundCalendar, policy.Fines.Rounding)
	assert.Equal(t, 2*time.Hour, policy.Fines.GracePeriod)
	assert.Equal(t, "Europe/Berlin", policy.Fines.Location.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverPgx)
	t.Setenv("DATABASE_URL", "postgres://localhost/circulation")
	t.Setenv("PORT", "7000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "server:\n  port: \"9000\"\n"))

	require.NoError(t, err)
	assert.Equal(t, DriverPgx, cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/circulation", cfg.Store.DatabaseURL)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Telemetry.LogLevel)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [1, 2"))

	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, `store.driver "mongo" is unknown`},
		{"postgres without url", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.databaseURL is required"},
		{"rounding", func(c *Config) { c.Policy.OverdueRounding = "nearest" }, "policy.overdueRounding"},
		{"fraction", func(c *Config) { c.Policy.LostFraction = "-1" }, "policy.lostFraction"},
		{"copies", func(c *Config) { c.Policy.MaxCopiesPerTicket = 0 }, "policy.maxCopiesPerTicket"},
		{"timezone", func(c *Config) { c.Policy.Timezone = "Mars/Olympus" }, "policy.timezone"},
		{"grace", func(c *Config) { c.Policy.GracePeriod = -time.Hour }, "policy.gracePeriod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()

			assert.ErrorIs(t, err, ErrConfigInvalid)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
