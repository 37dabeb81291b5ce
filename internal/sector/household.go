package sector

import (
	"errors"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// Household earns a wage, eats, and bids for food with a share of its free
// cash.
type Household struct {
	entity.Base
	ledger.Books
	engine.Site
	Employer entity.GID
	Hungry   int // Consecutive days without food.

	bid market.OrderID
	eco *Economy
}

func (e *Economy) newHousehold(gid entity.GID, name string, cash ledger.Money, loc entity.GID) *Household {
	return &Household{
		Base:  entity.Base{ID: gid, Name: name},
		Books: ledger.NewBooks(gid, cash),
		Site:  engine.Site{Loc: loc},
		eco:   e,
	}
}

func (h *Household) Kind() string { return "household" }

// Recurring implements engine.Scheduler.
func (h *Household) Recurring() []engine.Recurring {
	return []engine.Recurring{{
		Kind:   "consume",
		Window: [2]clock.Time{0.5, 0.7},
		Repeat: 1,
		Action: func(target entity.Entity, ev event.Event) error {
			offer, err := engine.Datum[engine.Quote](ev, "offer")
			if err != nil {
				return err
			}
			return target.(*Household).consume(offer)
		},
		Requests: []event.Request{{Key: "offer", Query: "best_offer", Args: map[string]string{"commodity": string(Food)}}},
	}}
}

// consume eats, then bids for food at its own location. offer is the best
// offer there when the day's event came up.
func (h *Household) consume(offer engine.Quote) error {
	sim, p := h.eco.sim, h.eco.params

	if h.Inv.Free(Food) >= p.FoodPerDay {
		if _, err := h.Inv.Remove(Food, p.FoodPerDay); err != nil {
			return err
		}
		h.Hungry = 0
	} else {
		h.Hungry++
	}

	// Yesterday's unfilled bid is replaced, not topped up.
	sim.Market.Cancel(h.bid)
	h.bid = 0

	price := p.JGPrice
	if offer.OK {
		price = offer.Price
	}
	want := 3*p.FoodPerDay - h.Inv.Amount(Food)
	budget := ledger.Money(float64(h.Acct.Free()) * h.eco.propensity(h.ID, sim.Now().Day()))
	if h.Hungry > 0 {
		// A hungry household spends whatever one day's food costs.
		budget = max(budget, price*ledger.Money(p.FoodPerDay))
	}
	qty := min(want, int64(budget/price))
	if qty > 0 {
		id, err := sim.Market.PlaceAt(h.ID, market.Venue{Location: h.Loc, Commodity: Food}, market.Buy, price, qty)
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			// Priced out today; try again tomorrow.
		case err != nil:
			return err
		default:
			h.bid = id
		}
	}

	sim.Record(h.ID, "cash", float64(h.Acct.Cash()))
	return nil
}
