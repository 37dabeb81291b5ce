package sector

import (
	"errors"
	"log/slog"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// Government issues the currency. Its account is unlimited, so its balance
// is the negative of all money held elsewhere.
type Government struct {
	entity.Base
	ledger.Books
}

func (g *Government) Kind() string { return "government" }

// JobGuarantee employs anyone not working for a firm at a fixed wage paid by
// the government, produces food, and anchors prices with a government floor
// bid.
type JobGuarantee struct {
	entity.Base
	ledger.Books
	Workers []entity.GID

	offer market.OrderID
	floor market.OrderID
	eco   *Economy
}

func (j *JobGuarantee) Kind() string { return "jobguarantee" }

// Enroll adds a worker.
func (j *JobGuarantee) Enroll(gid entity.GID) {
	j.Workers = append(j.Workers, gid)
	if hh, err := entity.As[*Household](j.eco.sim.Registry, gid); err == nil {
		hh.Employer = j.ID
	}
}

// Release hands up to n workers to another employer, oldest first.
func (j *JobGuarantee) Release(n int) []entity.GID {
	n = min(n, len(j.Workers))
	out := append([]entity.GID(nil), j.Workers[:n]...)
	j.Workers = j.Workers[n:]
	return out
}

// Recurring implements engine.Scheduler.
func (j *JobGuarantee) Recurring() []engine.Recurring {
	return []engine.Recurring{{
		Kind:   "jobguarantee",
		Window: [2]clock.Time{0, 0.1},
		Repeat: 1,
		Action: func(target entity.Entity, ev event.Event) error {
			wage, err := engine.Datum[ledger.Money](ev, "wage")
			if err != nil {
				return err
			}
			return target.(*JobGuarantee).run(wage)
		},
		Requests: []event.Request{{Key: "wage", Query: "jg_wage"}},
	}}
}

// run pays wage to every worker, collects output and sales, then reposts the
// programme's offer and the government floor bid at Home.
func (j *JobGuarantee) run(wage ledger.Money) error {
	sim, p := j.eco.sim, j.eco.params
	gov, err := entity.As[*Government](sim.Registry, j.eco.Government)
	if err != nil {
		return err
	}

	// Wages. Dead workers leave the programme.
	kept := j.Workers[:0]
	for _, gid := range j.Workers {
		hh, err := entity.As[*Household](sim.Registry, gid)
		if err != nil {
			continue
		}
		if err := gov.Acct.Pay(hh.Acct, wage); err != nil {
			return err
		}
		kept = append(kept, gid)
	}
	j.Workers = kept
	n := int64(len(j.Workers))

	if err := j.Inv.Add(Food, n*p.JGProductivity, wage*ledger.Money(n)); err != nil {
		return err
	}
	// Food the floor bid bought joins the programme's stock.
	if bought := gov.Inv.Free(Food); bought > 0 {
		cost, err := gov.Inv.Remove(Food, bought)
		if err != nil {
			return err
		}
		if err := j.Inv.Add(Food, bought, cost); err != nil {
			return err
		}
	}
	// Sales revenue goes back to the treasury.
	if free := j.Acct.Free(); free > 0 {
		if err := j.Acct.Pay(gov.Acct, free); err != nil {
			return err
		}
	}

	sim.Market.Cancel(j.offer)
	j.offer = 0
	if qty := j.Inv.Free(Food); qty > 0 {
		if j.offer, err = sim.Market.Place(j.ID, Food, market.Sell, p.JGPrice, qty); err != nil {
			return err
		}
	}

	// The floor bid absorbs what firms cannot sell above the floor.
	sim.Market.Cancel(j.floor)
	j.floor = 0
	floorQty := max(int64(len(j.eco.Households))*p.FoodPerDay, 1)
	j.floor, err = sim.Market.Place(gov.ID, Food, market.Buy, p.FloorPrice, floorQty)
	if err != nil && !errors.Is(err, ledger.ErrInsufficientFunds) {
		return err
	}

	sim.Record(j.ID, "jg_workers", float64(len(j.Workers)))
	slog.Debug("job guarantee paid", "workers", len(j.Workers), "stock", j.Inv.Amount(Food))
	return nil
}
