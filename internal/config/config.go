// internal/config/config.go

// Package config loads the circulation service configuration from a YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fines"
)

var ErrConfigNotFound = errors.New("config file is not found")
var ErrConfigInvalid = errors.New("config is invalid")

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverGorm     = "gorm"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Membership MembershipConfig `yaml:"membership"`
	Policy     PolicyConfig     `yaml:"policy"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is requests per second across the API; zero disables it.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
}

type StoreConfig struct {
	// Driver is one of memory, postgres (lib/pq), pgx, gorm (postgres via
	// gorm) or sqlite (gorm).
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"databaseURL"`
	Migrate     bool   `yaml:"migrate"`
}

type MembershipConfig struct {
	// URL of the membership service. Empty allows every reader.
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	// MaxFineBalance is in minor currency units.
	MaxFineBalance  int64         `yaml:"maxFineBalance"`
	BreakerFailures uint32        `yaml:"breakerFailures"`
	BreakerOpenFor  time.Duration `yaml:"breakerOpenFor"`
}

type PolicyConfig struct {
	MaxLoanPeriod         time.Duration `yaml:"maxLoanPeriod"`
	MaxCopiesPerTicket    int           `yaml:"maxCopiesPerTicket"`
	MaxOpenLoansPerReader int           `yaml:"maxOpenLoansPerReader"`
	DailyRate             int64         `yaml:"dailyRate"`
	DamagedFraction       string        `yaml:"damagedFraction"`
	LostFraction          string        `yaml:"lostFraction"`
	OverdueRounding       string        `yaml:"overdueRounding"`
	GracePeriod           time.Duration `yaml:"gracePeriod"`
	// Timezone names the location for calendar rounding.
	Timezone string `yaml:"timezone"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"serviceName"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	LogLevel     string `yaml:"logLevel"`
	LogFormat    string `yaml:"logFormat"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8082",
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       100,
			RateBurst:       20,
		},
		Store: StoreConfig{
			Driver:  DriverMemory,
			Migrate: true,
		},
		Membership: MembershipConfig{
			Timeout:         3 * time.Second,
			BreakerFailures: 5,
			BreakerOpenFor:  30 * time.Second,
		},
		Policy: PolicyConfig{
			MaxLoanPeriod:      30 * 24 * time.Hour,
			MaxCopiesPerTicket: 5,
			DailyRate:          50,
			DamagedFraction:    "0.5",
			LostFraction:       "1",
			OverdueRounding:    string(fines.RoundCeil),
			Timezone:           "UTC",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "circulation",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("%w at %s", ErrConfigNotFound, path)
			}
			return Config{}, err
		}
		if err := Unmarshal(buf, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Unmarshal decodes YAML into cfg, keeping values the document leaves out.
func Unmarshal(buf []byte, cfg *Config) error {
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	getEnv := func(key, defaultValue string) string {
		if value, exists := lookup(key); exists {
			return value
		}
		return defaultValue
	}

	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Membership.URL = getEnv("MEMBERSHIP_SERVICE_URL", c.Membership.URL)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.LogLevel = getEnv("LOG_LEVEL", c.Telemetry.LogLevel)
}

// Validate reports every problem at once, wrapped in ErrConfigInvalid.
func (c Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres, DriverPgx, DriverGorm:
		if c.Store.DatabaseURL == "" {
			problems = append(problems, fmt.Sprintf("store.databaseURL is required for driver %s", c.Store.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is unknown", c.Store.Driver))
	}

	if c.Server.Port == "" {
		problems = append(problems, "server.port is required")
	}
	if c.Server.RateLimit < 0 {
		problems = append(problems, "server.rateLimit must not be negative")
	}
	if c.Policy.MaxCopiesPerTicket <= 0 {
		problems = append(problems, "policy.maxCopiesPerTicket must be positive")
	}
	if c.Policy.MaxLoanPeriod <= 0 {
		problems = append(problems, "policy.maxLoanPeriod must be positive")
	}
	if c.Policy.DailyRate < 0 {
		problems = append(problems, "policy.dailyRate must not be negative")
	}
	if c.Policy.GracePeriod < 0 {
		problems = append(problems, "policy.gracePeriod must not be negative")
	}
	if _, err := fines.ParseRounding(c.Policy.OverdueRounding); err != nil {
		problems = append(problems, "policy.overdueRounding: "+err.Error())
	}
	for name, v := range map[string]string{
		"policy.damagedFraction": c.Policy.DamagedFraction,
		"policy.lostFraction":    c.Policy.LostFraction,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			problems = append(problems, fmt.Sprintf("%s %q is not a non-negative decimal", name, v))
		}
	}
	if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("policy.timezone %q is unknown", c.Policy.Timezone))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
}

// CirculationPolicy converts the policy section. Call Validate first.
func (c Config) CirculationPolicy() (circulation.Policy, error) {
	rounding, err := fines.ParseRounding(c.Policy.OverdueRounding)
	if err != nil {
		return circulation.Policy{}, err
	}
	damaged, err := decimal.NewFromString(c.Policy.DamagedFraction)
	if err != nil {
		return circulation.Policy{}, fmt.Errorf("damaged fraction: %w", err)
	}
	lost, err := decimal.NewFromString(c.Policy.LostFraction)
	if err != nil {
		return circulation.Policy{}, fmt.Errorf("lost fraction: %w", err)
	}
	loc, err := time.LoadLocation(c.Policy.Timezone)
	if err != nil {
		return circulation.Policy{}, err
	}

	return circulation.Policy{
		MaxLoanPeriod:         c.Policy.MaxLoanPeriod,
		MaxCopiesPerTicket:    c.Policy.MaxCopiesPerTicket,
		MaxOpenLoansPerReader: c.Policy.MaxOpenLoansPerReader,
		Fines: fines.Policy{
			DailyRate:       domain.Amount(c.Policy.DailyRate),
			DamagedFraction: damaged,
			LostFraction:    lost,
			Rounding:        rounding,
			GracePeriod:     c.Policy.GracePeriod,
			Location:        loc,
		},
	}, nil
}
