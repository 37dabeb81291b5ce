// Command steward runs the outside market stabiliser against a macrosim API.
// It observes the food book, decides whether the dealer should requote, and
// acts through the admin order endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/starmacro/internal/api"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/sector"
	"github.com/talgya/starmacro/internal/steward"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Configuration from environment.
	apiURL := envOrDefault("MACROSIM_API_URL", "http://localhost:8080")
	adminKey := os.Getenv("MACROSIM_API_ADMIN_KEY")
	interval := time.Duration(envIntOrDefault("STEWARD_INTERVAL_SECONDS", 8)) * time.Second
	dealerGID := entity.GID(envIntOrDefault("STEWARD_DEALER", 0))
	anchor := ledger.Money(envIntOrDefault("STEWARD_ANCHOR", int(sector.DefaultParams().JGPrice)))
	memoryPath := envOrDefault("STEWARD_MEMORY", "steward_memory.json")

	if adminKey == "" {
		slog.Error("MACROSIM_API_ADMIN_KEY is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("steward starting", "api_url", apiURL, "interval", interval, "anchor", anchor)
	client := api.NewClient(apiURL, adminKey)

	// Wait for macrosim API to be ready before first cycle.
	slog.Info("waiting for macrosim API...")
	if err := waitForAPI(ctx, client); err != nil {
		slog.Error("macrosim API not ready", "error", err)
		os.Exit(1)
	}

	if dealerGID == entity.NoGID {
		gid, err := client.Create(ctx, engine.EntitySpec{
			Kind:   "dealer",
			Name:   "Stabilisation Desk",
			Cash:   ledger.Money(envIntOrDefault("STEWARD_DEALER_CASH", 1000)),
			Params: map[string]float64{"food": float64(envIntOrDefault("STEWARD_DEALER_FOOD", 200))},
		})
		if err != nil {
			slog.Error("create dealer failed", "error", err)
			os.Exit(1)
		}
		dealerGID = gid
		slog.Info("dealer created", "gid", gid)
	}

	s := steward.New(client, dealerGID, steward.DefaultPolicy(sector.Food, anchor), steward.LoadMemory(memoryPath))

	// Run first cycle immediately.
	runCycle(ctx, s)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCycle(ctx, s)
		case <-ctx.Done():
			slog.Info("received signal, shutting down")
			fmt.Println("Steward stopped.")
			return
		}
	}
}

func runCycle(ctx context.Context, s *steward.Steward) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.Cycle(cctx); err != nil {
		slog.Error("steward cycle failed", "error", err)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// waitForAPI polls the clock endpoint with exponential backoff until it
// responds. Gives up after 5 minutes.
func waitForAPI(ctx context.Context, core engine.Core) error {
	backoff := 2 * time.Second
	maxBackoff := 30 * time.Second
	deadline := time.Now().Add(5 * time.Minute)

	for {
		_, err := core.Now(ctx)
		if err == nil {
			slog.Info("macrosim API is ready")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("not ready within 5 minutes: %w", err)
		}
		slog.Info("macrosim not ready, retrying...", "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
