package engine_test

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
)

// However irregularly the real-time driver ticks, an event due at T with
// tolerance eps runs while now is within [T, T+eps].
func TestProperty_ClockTolerance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		src := &clock.ManualSource{}
		cfg := engine.DefaultConfig()
		cfg.Mode = clock.RealTime
		cfg.DayLength = time.Second
		cfg.Source = src
		cfg.Budget = event.Budget{MaxEvents: 2}
		sim := engine.New(cfg)
		gid := sim.Spawn(func(g entity.GID) entity.Entity {
			return &trader{Base: entity.Base{ID: g}, Books: ledger.NewBooks(g, 0)}
		})

		type due struct{ at, tol, ran clock.Time }
		n := rapid.IntRange(1, 8).Draw(t, "events")
		events := make([]*due, n)
		for i := range events {
			d := &due{
				at:  clock.Time(rapid.Float64Range(0.01, 5).Draw(t, "at")),
				tol: clock.Time(rapid.Float64Range(0.001, 0.5).Draw(t, "tol")),
				ran: -1,
			}
			events[i] = d
			_, err := sim.Queue.Schedule(event.Event{
				Target: gid, At: d.at, Tolerance: d.tol, Kind: "deadline",
				Action: func(entity.Entity, event.Event) error {
					d.ran = sim.Now()
					return nil
				},
			})
			if err != nil {
				t.Fatalf("schedule: %v", err)
			}
		}

		for i := 0; i < 10_000 && sim.Queue.Len() > 0; i++ {
			src.Add(time.Duration(rapid.Int64Range(int64(10*time.Millisecond), int64(3*time.Second)).Draw(t, "gap")))
			if _, err := sim.Tick(); err != nil && !errors.Is(err, event.ErrBudgetExhausted) {
				t.Fatalf("tick: %v", err)
			}
		}

		for i, d := range events {
			if d.ran < 0 {
				t.Fatalf("event %d at %v never ran", i, d.at)
			}
			if d.ran+clock.Epsilon < d.at || d.ran > d.at+d.tol+clock.Epsilon {
				t.Fatalf("event %d at %v tol %v ran at %v", i, d.at, d.tol, d.ran)
			}
		}
		if sim.Stats.Late != 0 {
			t.Fatalf("%d late events", sim.Stats.Late)
		}
	})
}
