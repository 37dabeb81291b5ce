package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/metrics"
)

// Driver paces a real-time simulation: every Interval it syncs the clock and
// drains due events within the configured budget.
type Driver struct {
	Interval time.Duration // Wall time between ticks (default 50ms).

	// Callbacks run under the simulation lock.
	OnTick func(sim *Simulation, processed int)
	OnDay  func(sim *Simulation, day int) // Once per simulated day boundary crossed.

	core    *Local
	lastDay int
}

// NewDriver creates a driver for core.
func NewDriver(core *Local) *Driver {
	return &Driver{Interval: 50 * time.Millisecond, core: core}
}

// Run ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	var now clock.Time
	d.core.Do(func(s *Simulation) { now = s.Clock.Now() })
	d.lastDay = now.Day()
	slog.Info("simulation driver started", "time", now.String(), "interval", d.Interval)

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.core.Do(func(s *Simulation) { now = s.Clock.Now() })
			slog.Info("simulation driver stopped", "time", now.String())
			return ctx.Err()
		case <-ticker.C:
			d.core.Do(d.step)
		}
	}
}

// SetSpeed scales real time: speed 2 runs days twice as fast as the base day
// length. Zero or less pauses.
func (d *Driver) SetSpeed(base time.Duration, speed float64) {
	d.core.Do(func(s *Simulation) {
		if speed <= 0 {
			s.Clock.Pause()
			return
		}
		s.Clock.SetDayLength(time.Duration(float64(base) / speed))
		s.Clock.Resume()
	})
}

func (d *Driver) step(s *Simulation) {
	if s.Clock.Mode() != clock.RealTime || s.Clock.Paused() {
		return
	}
	start := time.Now()
	n, err := s.Tick()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, event.ErrBudgetExhausted) {
		slog.Error("tick failed", "error", err)
	}
	if d.OnTick != nil {
		d.OnTick(s, n)
	}
	s.Reap()

	day := s.Clock.Now().Day()
	for d.lastDay < day {
		d.lastDay++
		if d.OnDay != nil {
			d.OnDay(s, d.lastDay)
		}
	}
}
