package steward

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
)

// Steward runs observe → triage → decide → act cycles for one dealer.
type Steward struct {
	Observer *Observer
	Actor    *Actor
	Policy   Policy
	Memory   *CycleMemory
}

// New builds a steward trading on core through dealer.
func New(core engine.Core, dealer entity.GID, p Policy, mem *CycleMemory) *Steward {
	if mem == nil {
		mem = &CycleMemory{}
	}
	return &Steward{
		Observer: &Observer{Core: core, Commodity: p.Commodity, Dealer: dealer},
		Actor:    &Actor{Core: core},
		Policy:   p,
		Memory:   mem,
	}
}

// Cycle executes one observe → decide → act cycle.
func (s *Steward) Cycle(ctx context.Context) (*Decision, error) {
	snap, err := s.Observer.Observe(ctx)
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	health := Triage(snap, s.Policy)
	slog.Info("observation complete",
		"time", snap.Time.String(),
		"crisis", health.CrisisLevel,
		"spread", health.Spread,
		"mid", health.Mid,
		"deviation", fmt.Sprintf("%.2f", health.Deviation),
	)

	decision := Decide(snap, health, s.Policy, s.Memory)
	rec := CycleRecord{
		Time:        snap.Time,
		Action:      decision.Action,
		CrisisLevel: health.CrisisLevel,
		Spread:      health.Spread,
		Mid:         health.Mid,
		Rationale:   decision.Rationale,
	}
	defer func() {
		s.Memory.Record(rec)
		if err := s.Memory.Save(); err != nil {
			slog.Error("steward memory save failed", "error", err)
		}
	}()

	if decision.Action == "none" {
		slog.Info("steward cycle complete, no intervention", "rationale", decision.Rationale)
		return decision, nil
	}
	res, err := s.Actor.Act(ctx, decision)
	if err != nil {
		return decision, fmt.Errorf("act: %w", err)
	}
	rec.Placed = len(res.Placed)
	slog.Info("intervention executed",
		"cancelled", res.Cancelled,
		"placed", len(res.Placed),
		"rejected", res.Rejected,
		"rationale", decision.Rationale,
	)
	return decision, nil
}
