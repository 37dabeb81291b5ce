// Package config loads runtime settings from defaults, an optional YAML file
// and MACROSIM_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/sector"
)

// EnvPrefix prefixes every environment override, e.g. MACROSIM_SIM_MODE.
const EnvPrefix = "MACROSIM"

type Config struct {
	Sim     Sim     `mapstructure:"sim"`
	Sector  Sector  `mapstructure:"sector"`
	API     API     `mapstructure:"api"`
	Journal Journal `mapstructure:"journal"`
	Redis   Redis   `mapstructure:"redis"`
	Log     Log     `mapstructure:"log"`
}

type Sim struct {
	Mode             string        `mapstructure:"mode"`
	DayLength        time.Duration `mapstructure:"day_length"`
	Tolerance        float64       `mapstructure:"tolerance"`
	Budget           Budget        `mapstructure:"budget"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	BatchDays        int           `mapstructure:"batch_days"`
	StrictInvariants bool          `mapstructure:"strict_invariants"`
	Seed             int64         `mapstructure:"seed"`
}

type Budget struct {
	MaxEvents  int           `mapstructure:"max_events"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

type Sector struct {
	Households      int      `mapstructure:"households"`
	Firms           int      `mapstructure:"firms"`
	WageReserveDays int      `mapstructure:"wage_reserve_days"`
	JGWage          int64    `mapstructure:"jg_wage"`
	FirmWage        int64    `mapstructure:"firm_wage"`
	Locations       []string `mapstructure:"locations"` // Besides home.
}

type API struct {
	Port            int    `mapstructure:"port"`
	AdminKey        string `mapstructure:"admin_key"`
	OrdersPerMinute int    `mapstructure:"orders_per_minute"`
}

type Journal struct {
	Path string `mapstructure:"path"` // Empty disables the journal.
}

type Redis struct {
	URL      string        `mapstructure:"url"` // Empty disables the publisher.
	Channel  string        `mapstructure:"channel"`
	PriceTTL time.Duration `mapstructure:"price_ttl"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

func setDefaults(v *viper.Viper) {
	sim := engine.DefaultConfig()
	eco := sector.DefaultParams()

	v.SetDefault("sim.mode", "realtime")
	v.SetDefault("sim.day_length", sim.DayLength)
	v.SetDefault("sim.tolerance", float64(sim.Tolerance))
	v.SetDefault("sim.budget.max_events", sim.Budget.MaxEvents)
	v.SetDefault("sim.budget.max_elapsed", sim.Budget.MaxElapsed)
	v.SetDefault("sim.tick_interval", 50*time.Millisecond)
	v.SetDefault("sim.batch_days", 30)
	v.SetDefault("sim.strict_invariants", false)
	v.SetDefault("sim.seed", eco.Seed)

	v.SetDefault("sector.households", eco.Households)
	v.SetDefault("sector.firms", eco.Firms)
	v.SetDefault("sector.wage_reserve_days", eco.WageReserveDays)
	v.SetDefault("sector.jg_wage", int64(eco.JGWage))
	v.SetDefault("sector.firm_wage", int64(eco.FirmWage))
	v.SetDefault("sector.locations", []string{})

	v.SetDefault("api.port", 8080)
	v.SetDefault("api.admin_key", "")
	v.SetDefault("api.orders_per_minute", 600)

	v.SetDefault("journal.path", "data/macrosim.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "macrosim:trades")
	v.SetDefault("redis.price_ttl", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path names a YAML file; when empty,
// MACROSIM_CONFIG is consulted, and with neither only defaults and the
// environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the simulation cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := clock.ParseMode(c.Sim.Mode); err != nil {
		errs = append(errs, fmt.Errorf("sim.mode: %w", err))
	}
	if c.Sim.DayLength <= 0 {
		errs = append(errs, errors.New("sim.day_length must be positive"))
	}
	if c.Sim.Tolerance < 0 {
		errs = append(errs, errors.New("sim.tolerance must not be negative"))
	}
	if c.Sim.TickInterval <= 0 {
		errs = append(errs, errors.New("sim.tick_interval must be positive"))
	}
	if c.Sector.WageReserveDays < 1 {
		errs = append(errs, errors.New("sector.wage_reserve_days must be at least 1"))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Engine builds the simulation settings.
func (c *Config) Engine() engine.Config {
	mode, _ := clock.ParseMode(c.Sim.Mode)
	return engine.Config{
		Mode:             mode,
		DayLength:        c.Sim.DayLength,
		Tolerance:        clock.Time(c.Sim.Tolerance),
		Budget:           event.Budget{MaxEvents: c.Sim.Budget.MaxEvents, MaxElapsed: c.Sim.Budget.MaxElapsed},
		StrictInvariants: c.Sim.StrictInvariants,
	}
}

// Economy builds sector parameters, keeping defaults for what is not configurable.
func (c *Config) Economy() sector.Params {
	p := sector.DefaultParams()
	p.Households = c.Sector.Households
	p.Firms = c.Sector.Firms
	p.WageReserveDays = c.Sector.WageReserveDays
	p.JGWage = ledger.Money(c.Sector.JGWage)
	p.FirmWage = ledger.Money(c.Sector.FirmWage)
	p.Locations = c.Sector.Locations
	p.Seed = c.Sim.Seed
	return p
}

// LogLevel parses log.level ("debug", "info", "warn", "error").
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Log.Level))
	return l, err
}

// Logger builds the process logger.
func (c *Config) Logger() *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
