package steward

import "github.com/talgya/starmacro/internal/ledger"

// Crisis levels, most severe first.
const (
	Critical = "CRITICAL" // nothing offered: buyers cannot eat
	Warning  = "WARNING"  // nothing bid: sellers cannot sell
	Watch    = "WATCH"    // both sides quoted, spread too wide
	Healthy  = "HEALTHY"
)

// Health holds signals derived from a Snapshot. Computed before any
// decision, deterministic and free.
type Health struct {
	Spread      ledger.Money // Offer minus bid; zero unless both sides are quoted.
	Mid         ledger.Money // Midpoint, or the only quoted price, or zero.
	Deviation   float64      // Mid relative to the policy anchor, 1 = on anchor.
	CrisisLevel string
}

// Triage computes Health from a snapshot.
func Triage(snap *Snapshot, p Policy) *Health {
	h := &Health{}

	switch {
	case snap.Bid.OK && snap.Offer.OK:
		h.Spread = snap.Offer.Price - snap.Bid.Price
		h.Mid = (snap.Bid.Price + snap.Offer.Price) / 2
	case snap.Offer.OK:
		h.Mid = snap.Offer.Price
	case snap.Bid.OK:
		h.Mid = snap.Bid.Price
	}
	if p.Anchor > 0 && h.Mid > 0 {
		h.Deviation = float64(h.Mid) / float64(p.Anchor)
	}

	switch {
	case !snap.Offer.OK:
		h.CrisisLevel = Critical
	case !snap.Bid.OK:
		h.CrisisLevel = Warning
	case h.Spread > p.MaxSpread:
		h.CrisisLevel = Watch
	default:
		h.CrisisLevel = Healthy
	}
	return h
}
