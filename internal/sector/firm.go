package sector

import (
	"errors"
	"log/slog"
	"math"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// Firm produces food from labour alone and sells it at a markup on unit
// cost. Before hiring it sets aside wages for WageReserveDays.
type Firm struct {
	entity.Base
	ledger.Books
	engine.Site
	Workers     []entity.GID
	Wage        ledger.Money
	ReserveDays int

	offer market.OrderID
	eco   *Economy
}

func (e *Economy) newFirm(gid entity.GID, name string, cash, wage ledger.Money, loc entity.GID) *Firm {
	return &Firm{
		Base:        entity.Base{ID: gid, Name: name},
		Books:       ledger.NewBooks(gid, cash),
		Site:        engine.Site{Loc: loc},
		Wage:        wage,
		ReserveDays: e.params.WageReserveDays,
		eco:         e,
	}
}

func (f *Firm) Kind() string { return "firm" }

// Recurring implements engine.Scheduler.
func (f *Firm) Recurring() []engine.Recurring {
	return []engine.Recurring{{
		Kind:   "produce",
		Window: [2]clock.Time{0.1, 0.3},
		Repeat: 1,
		Action: func(target entity.Entity, ev event.Event) error {
			per, err := engine.Datum[int64](ev, "productivity")
			if err != nil {
				return err
			}
			return target.(*Firm).produce(per)
		},
		Requests: []event.Request{{Key: "productivity", Query: "productivity", Args: map[string]string{"commodity": string(Food)}}},
	}}
}

// produce pays wages, makes per units of food per worker, hires and
// reprices.
func (f *Firm) produce(per int64) error {
	sim := f.eco.sim
	if err := f.payWages(); err != nil {
		return err
	}

	n := int64(len(f.Workers))
	if n > 0 {
		if err := f.Inv.Add(Food, n*per, f.Wage*ledger.Money(n)); err != nil {
			return err
		}
	}
	f.hire()
	if err := f.rebalanceReserve(); err != nil {
		return err
	}
	if err := f.reprice(); err != nil {
		return err
	}

	sim.Record(f.ID, "workers", float64(len(f.Workers)))
	sim.Record(f.ID, "cash", float64(f.Acct.Cash()))
	return nil
}

// payWages pays each worker from the wage reserve. Workers the reserve can
// no longer cover go back to the job guarantee.
func (f *Firm) payWages() error {
	sim := f.eco.sim
	jg, jgErr := entity.As[*JobGuarantee](sim.Registry, f.eco.JobGuarantee)

	kept := f.Workers[:0]
	for _, gid := range f.Workers {
		hh, err := entity.As[*Household](sim.Registry, gid)
		if err != nil {
			continue
		}
		if f.Acct.ReservedFor(ledger.ReserveWages) < f.Wage {
			if err := f.Acct.Reserve(ledger.ReserveWages, f.Wage); err != nil {
				if !errors.Is(err, ledger.ErrInsufficientFunds) {
					return err
				}
				if jgErr == nil {
					jg.Enroll(gid)
				}
				slog.Debug("worker laid off", "firm", f.ID, "worker", gid)
				continue
			}
		}
		if err := f.Acct.SpendReserved(ledger.ReserveWages, f.Wage); err != nil {
			return err
		}
		if err := hh.Acct.Receive(f.Wage); err != nil {
			return err
		}
		kept = append(kept, gid)
	}
	f.Workers = kept
	return nil
}

// hire takes workers from the job guarantee while free cash covers their
// wage reserve, at most a third of the programme per day.
func (f *Firm) hire() {
	per := ledger.WageReserve(f.Wage, 1, f.ReserveDays)
	if per <= 0 {
		return
	}
	need := ledger.WageReserve(f.Wage, len(f.Workers), f.ReserveDays) - f.Acct.ReservedFor(ledger.ReserveWages)
	affordable := int((f.Acct.Free() - max(need, 0)) / per)
	if affordable <= 0 {
		return
	}
	jg, err := entity.As[*JobGuarantee](f.eco.sim.Registry, f.eco.JobGuarantee)
	if err != nil {
		return
	}
	if len(jg.Workers) == 0 {
		return
	}
	// A third of the programme per day, but a small programme still releases one.
	for _, gid := range jg.Release(min(affordable, max(len(jg.Workers)/3, 1))) {
		if hh, err := entity.As[*Household](f.eco.sim.Registry, gid); err == nil {
			hh.Employer = f.ID
			f.Workers = append(f.Workers, gid)
		}
	}
}

// rebalanceReserve moves the wage reserve toward wage × workers × days.
func (f *Firm) rebalanceReserve() error {
	target := ledger.WageReserve(f.Wage, len(f.Workers), f.ReserveDays)
	held := f.Acct.ReservedFor(ledger.ReserveWages)
	switch {
	case held > target:
		return f.Acct.Release(ledger.ReserveWages, held-target)
	case held < target:
		return f.Acct.Reserve(ledger.ReserveWages, min(target-held, max(f.Acct.Free(), 0)))
	}
	return nil
}

// reprice replaces the standing offer with all free stock at unit cost plus
// markup.
func (f *Firm) reprice() error {
	sim := f.eco.sim
	sim.Market.Cancel(f.offer)
	f.offer = 0

	qty := f.Inv.Free(Food)
	if qty <= 0 {
		return nil
	}
	cost, _ := f.Inv.UnitCost(Food).Float64()
	price := ledger.Money(math.Ceil(cost * (1 + f.eco.params.Markup)))
	price = max(price, 1)
	id, err := sim.Market.PlaceAt(f.ID, market.Venue{Location: f.Loc, Commodity: Food}, market.Sell, price, qty)
	if err != nil {
		return err
	}
	f.offer = id
	return nil
}
