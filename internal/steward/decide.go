package steward

import (
	"fmt"

	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// Policy tunes the dealer.
type Policy struct {
	Commodity ledger.Commodity
	Anchor    ledger.Money // Reference price the dealer quotes around.
	Edge      ledger.Money // Distance of each quote from the anchor.
	MaxSpread ledger.Money // Widest spread still considered healthy.
	Size      int64        // Units per quote.

	// EscalateAfter doubles quote size once the same crisis level has
	// persisted this many cycles. Zero disables escalation.
	EscalateAfter int
}

// DefaultPolicy quotes food two units either side of the job guarantee price.
func DefaultPolicy(c ledger.Commodity, anchor ledger.Money) Policy {
	return Policy{Commodity: c, Anchor: anchor, Edge: 2, MaxSpread: 4, Size: 5, EscalateAfter: 3}
}

// Decision is the outcome of one cycle.
type Decision struct {
	Action    string                `json:"action"` // "none" or "quote"
	Cancel    []market.OrderID      `json:"cancel,omitempty"`
	Orders    []engine.OrderRequest `json:"orders,omitempty"`
	Rationale string                `json:"rationale"`
}

// Decide picks zero or one requote. A requote withdraws the dealer's resting
// orders and posts fresh ones on the sides the market is missing, or both
// when the spread is too wide.
func Decide(snap *Snapshot, h *Health, p Policy, mem *CycleMemory) *Decision {
	if h.CrisisLevel == Healthy {
		return &Decision{Action: "none", Rationale: fmt.Sprintf("spread %s within %s", h.Spread, p.MaxSpread)}
	}

	size := p.Size
	if p.EscalateAfter > 0 && mem != nil && mem.Streak(h.CrisisLevel) >= p.EscalateAfter {
		size *= 2
	}

	d := &Decision{Action: "quote"}
	for _, o := range snap.Dealer.Orders {
		if o.Commodity == p.Commodity {
			d.Cancel = append(d.Cancel, o.ID)
		}
	}

	// Cancelled orders return their reservations, so the dealer's whole stock
	// and cash are available to the new quotes.
	wide := h.CrisisLevel == Watch
	if !snap.Offer.OK || wide {
		ask := p.Anchor + p.Edge
		if qty := min(size, snap.Dealer.Inventory[p.Commodity]); qty > 0 {
			d.Orders = append(d.Orders, engine.OrderRequest{
				Owner: snap.Dealer.GID, Commodity: p.Commodity, Side: market.Sell, Price: ask, Quantity: qty,
			})
		}
	}
	if !snap.Bid.OK || wide {
		bid := max(p.Anchor-p.Edge, 1)
		if qty := min(size, int64(snap.Dealer.Cash/bid)); qty > 0 {
			d.Orders = append(d.Orders, engine.OrderRequest{
				Owner: snap.Dealer.GID, Commodity: p.Commodity, Side: market.Buy, Price: bid, Quantity: qty,
			})
		}
	}

	if len(d.Orders) == 0 {
		return &Decision{Action: "none", Rationale: fmt.Sprintf("%s but dealer has nothing to quote", h.CrisisLevel)}
	}
	d.Rationale = fmt.Sprintf("%s: posting %d quotes of up to %d around %s", h.CrisisLevel, len(d.Orders), size, p.Anchor)
	return d
}
