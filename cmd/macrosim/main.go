// Command macrosim runs the job guarantee macroeconomic simulation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/talgya/starmacro/internal/api"
	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/config"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/firehose"
	"github.com/talgya/starmacro/internal/persistence"
	"github.com/talgya/starmacro/internal/sector"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $MACROSIM_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	slog.SetDefault(cfg.Logger())

	if err := run(cfg); err != nil {
		slog.Error("macrosim failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Simulation ────────────────────────────────────────────────────
	sim := engine.New(cfg.Engine())
	eco, err := sector.Setup(sim, cfg.Economy())
	if err != nil {
		return fmt.Errorf("sector setup: %w", err)
	}
	private, guaranteed := eco.Employment()
	slog.Info("economy ready",
		"mode", sim.Clock.Mode().String(),
		"households", len(eco.Households),
		"firms", len(eco.Firms),
		"employed", private,
		"job_guarantee", guaranteed,
		"wage_reserve_days", eco.Params().WageReserveDays,
	)

	// ── Journal ───────────────────────────────────────────────────────
	var journal *persistence.Journal
	if path := cfg.Journal.Path; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("journal dir: %w", err)
		}
		journal, err = persistence.Open(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		if err := journal.Attach(sim); err != nil {
			return fmt.Errorf("attach journal: %w", err)
		}
		slog.Info("journal opened", "path", path, "run", journal.Run())
	} else {
		slog.Warn("journal.path empty, trades and series will not be recorded")
	}

	// ── Redis ─────────────────────────────────────────────────────────
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, publishing anyway", "error", err)
		}
		pub := firehose.NewRedisPublisher(rdb, cfg.Redis.Channel, cfg.Redis.PriceTTL)
		defer pub.Close()
		sim.OnTrade(pub.PublishTrade)
		slog.Info("redis publisher enabled", "channel", cfg.Redis.Channel)
	}

	onDay := func(day int) {
		sim.LogDaily()
		if journal == nil {
			return
		}
		if err := journal.Flush(); err != nil {
			slog.Error("journal flush failed", "day", day, "error", err)
		}
		if err := journal.SaveMeta("last_day", strconv.Itoa(day)); err != nil {
			slog.Error("save meta failed", "error", err)
		}
	}

	if sim.Clock.Mode() == clock.Batch {
		return runBatch(ctx, cfg, sim, onDay)
	}
	return runRealTime(ctx, cfg, sim, journal, onDay)
}

// runBatch runs a fixed number of days as fast as possible and exits.
func runBatch(ctx context.Context, cfg *config.Config, sim *engine.Simulation, onDay func(int)) error {
	slog.Info("batch run starting", "days", cfg.Sim.BatchDays)
	for d := 0; d < cfg.Sim.BatchDays; d++ {
		if err := ctx.Err(); err != nil {
			slog.Info("batch run interrupted", "day", sim.Clock.Now().Day())
			return nil
		}
		if err := sim.RunDays(1, onDay); err != nil {
			return err
		}
	}
	sum := sim.Summary()
	fmt.Printf("\nBatch finished at %s: %d trades, %d faults, %d quarantined.\n",
		sum.Date, sum.Stats.Trades, sum.Stats.Faults, sum.Quarantined)
	return nil
}

// runRealTime paces the simulation against wall time and serves the API
// until a signal arrives.
func runRealTime(ctx context.Context, cfg *config.Config, sim *engine.Simulation, journal *persistence.Journal, onDay func(int)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	core := engine.NewLocal(sim)

	hub := firehose.NewHub()
	core.Do(func(s *engine.Simulation) { s.OnTrade(hub.PublishTrade) })

	driver := engine.NewDriver(core)
	driver.Interval = cfg.Sim.TickInterval
	driver.OnDay = func(_ *engine.Simulation, day int) { onDay(day) }

	if cfg.API.AdminKey == "" {
		slog.Warn("MACROSIM_API_ADMIN_KEY not set, admin endpoints will be disabled")
	}
	server := &api.Server{
		Core:            core,
		Driver:          driver,
		Journal:         journal,
		Hub:             hub,
		Port:            cfg.API.Port,
		AdminKey:        cfg.API.AdminKey,
		DayLength:       cfg.Sim.DayLength,
		OrdersPerMinute: cfg.API.OrdersPerMinute,
	}

	fmt.Printf("\nmacrosim is running: one day every %s.\n", cfg.Sim.DayLength)
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	fmt.Println("Starting simulation... (Ctrl+C to stop)")

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	wg.Add(3)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			errc <- fmt.Errorf("api: %w", err)
			cancel()
		}
	}()
	wg.Wait()
	close(errc)

	core.Do(func(s *engine.Simulation) {
		slog.Info("final report")
		s.LogDaily()
	})
	return <-errc
}
