// Package steward implements an outside market stabiliser. Each cycle it
// observes one commodity's book through the core API, triages its health,
// decides on a dealer quote, and acts by placing orders. It only ever talks
// to engine.Core, so it runs the same in-process or against a remote server.
package steward

import (
	"context"
	"fmt"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
)

// Snapshot holds all data collected during an observation cycle.
type Snapshot struct {
	Time   clock.Time        `json:"time"`
	Bid    engine.Quote      `json:"bid"`
	Offer  engine.Quote      `json:"offer"`
	Dealer engine.EntityView `json:"dealer"`
}

// Observer reads market state through the core.
type Observer struct {
	Core      engine.Core
	Commodity ledger.Commodity
	Dealer    entity.GID
}

// Observe collects a snapshot.
func (o *Observer) Observe(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	var err error

	if snap.Time, err = o.Core.Now(ctx); err != nil {
		return nil, fmt.Errorf("fetch time: %w", err)
	}
	if snap.Bid, err = o.Core.BestBid(ctx, o.Commodity); err != nil {
		return nil, fmt.Errorf("fetch bid: %w", err)
	}
	if snap.Offer, err = o.Core.BestOffer(ctx, o.Commodity); err != nil {
		return nil, fmt.Errorf("fetch offer: %w", err)
	}
	if snap.Dealer, err = o.Core.Resolve(ctx, o.Dealer); err != nil {
		return nil, fmt.Errorf("fetch dealer %d: %w", o.Dealer, err)
	}
	return snap, nil
}
