package market_test

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// Random order flow, including deaths, never breaks the reservation
// invariants and never creates or destroys money or goods.
func TestProperty_ReservationsBalance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := entity.NewRegistry()
		m := market.New(reg, func() clock.Time { return 0 })
		m.AddCommodity(food)
		var violations []*ledger.InvariantError
		m.SetHooks(market.Hooks{Violation: func(err *ledger.InvariantError) { violations = append(violations, err) }})

		n := rapid.IntRange(2, 6).Draw(t, "traders")
		traders := make([]*trader, 0, n)
		gids := make([]entity.GID, 0, n)
		var totalCash ledger.Money
		var totalGoods int64
		for i := 0; i < n; i++ {
			cash := ledger.Money(rapid.Int64Range(0, 500).Draw(t, "cash"))
			goods := rapid.Int64Range(0, 50).Draw(t, "goods")
			var tr *trader
			gid := reg.Create(func(g entity.GID) entity.Entity {
				tr = &trader{Base: entity.Base{ID: g}, Books: ledger.NewBooks(g, cash)}
				return tr
			})
			if goods > 0 {
				_ = tr.Inv.Add(food, goods, 0)
			}
			traders = append(traders, tr)
			gids = append(gids, gid)
			totalCash += cash
			totalGoods += goods
		}

		var ids []market.OrderID
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 9).Draw(t, "op") {
			case 0, 1, 2, 3:
				side := market.Side(rapid.IntRange(0, 1).Draw(t, "side"))
				owner := rapid.SampledFrom(gids).Draw(t, "owner")
				price := ledger.Money(rapid.Int64Range(1, 20).Draw(t, "price"))
				qty := rapid.Int64Range(1, 20).Draw(t, "qty")
				if id, err := m.Place(owner, food, side, price, qty); err == nil {
					ids = append(ids, id)
				}
			case 4, 5:
				if len(ids) > 0 {
					m.Cancel(rapid.SampledFrom(ids).Draw(t, "cancel"))
				}
			case 6, 7, 8:
				if len(ids) > 0 {
					id := rapid.SampledFrom(ids).Draw(t, "amend")
					price := ledger.Money(rapid.Int64Range(1, 20).Draw(t, "newPrice"))
					qty := rapid.Int64Range(0, 25).Draw(t, "newQty")
					_, _ = m.Amend(id, price, qty)
				}
			case 9:
				_ = reg.MarkDead(rapid.SampledFrom(gids).Draw(t, "kill"))
			}

			if err := m.Check(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			if len(violations) > 0 {
				t.Fatalf("step %d: %v", i, violations[0])
			}

			var cash ledger.Money
			var goods int64
			held := make(map[entity.GID]ledger.Money)
			for _, gid := range gids {
				for _, o := range m.OrdersOf(gid) {
					if o.Side == market.Buy {
						held[gid] += o.Reserved
					}
				}
			}
			for _, tr := range traders {
				if err := tr.Check(); err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
				if got := tr.Acct.ReservedFor(ledger.ReserveOrders); got != held[tr.ID] {
					t.Fatalf("step %d: trader %d reserved %d but orders hold %d", i, tr.ID, got, held[tr.ID])
				}
				cash += tr.Acct.Cash()
				goods += tr.Inv.Amount(food)
			}
			if cash != totalCash || goods != totalGoods {
				t.Fatalf("step %d: cash %d/%d goods %d/%d", i, cash, totalCash, goods, totalGoods)
			}
		}
	})
}

// However an order is amended, its reservation never exceeds the most it
// ever held.
func TestProperty_AmendmentIsLiquidityNeutral(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := entity.NewRegistry()
		m := market.New(reg, nil)
		m.AddCommodity(food)

		cash := ledger.Money(rapid.Int64Range(1, 10_000).Draw(t, "cash"))
		var tr *trader
		gid := reg.Create(func(g entity.GID) entity.Entity {
			tr = &trader{Base: entity.Base{ID: g}, Books: ledger.NewBooks(g, cash)}
			return tr
		})

		price := ledger.Money(rapid.Int64Range(1, 50).Draw(t, "price"))
		qty := rapid.Int64Range(1, int64(cash/price)+1).Draw(t, "qty")
		id, err := m.Place(gid, food, market.Buy, price, qty)
		if err != nil {
			t.Skip("unaffordable opening order")
		}

		peak := price * ledger.Money(qty)
		amends := rapid.IntRange(1, 20).Draw(t, "amends")
		for i := 0; i < amends; i++ {
			_, _ = m.Amend(id,
				ledger.Money(rapid.Int64Range(1, 100).Draw(t, "p")),
				rapid.Int64Range(0, 200).Draw(t, "q"))

			reserved := tr.Acct.ReservedFor(ledger.ReserveOrders)
			if reserved > peak {
				t.Fatalf("amend %d: reserved %d above peak %d", i, reserved, peak)
			}
			if o, ok := m.Order(id); ok {
				if o.Reserved != o.Price*ledger.Money(o.Remaining) {
					t.Fatalf("amend %d: reserved %d for %d at %d", i, o.Reserved, o.Remaining, o.Price)
				}
				peak = max(peak, o.Reserved)
			} else if reserved != 0 {
				t.Fatalf("amend %d: cancelled order left %d reserved", i, reserved)
			}
			if tr.Acct.Free() < 0 {
				t.Fatalf("amend %d: free cash %d", i, tr.Acct.Free())
			}
		}
	})
}

// The earliest order at the best price always fills first.
func TestProperty_PriceTimePriority(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := entity.NewRegistry()
		m := market.New(reg, nil)
		m.AddCommodity(food)

		type resting struct {
			id    market.OrderID
			price ledger.Money
		}
		var bids []resting
		n := rapid.IntRange(1, 10).Draw(t, "bids")
		for i := 0; i < n; i++ {
			gid := reg.Create(func(g entity.GID) entity.Entity {
				return &trader{Base: entity.Base{ID: g}, Books: ledger.NewBooks(g, 1000)}
			})
			p := ledger.Money(rapid.Int64Range(1, 5).Draw(t, "price"))
			id, err := m.Place(gid, food, market.Buy, p, 1)
			if err != nil {
				t.Fatalf("place: %v", err)
			}
			bids = append(bids, resting{id, p})
		}

		want := bids[0]
		for _, b := range bids[1:] {
			if b.price > want.price {
				want = b
			}
		}

		var got []market.Trade
		m.OnTrade(func(tr market.Trade) { got = append(got, tr) })
		var seller *trader
		sg := reg.Create(func(g entity.GID) entity.Entity {
			seller = &trader{Base: entity.Base{ID: g}, Books: ledger.NewBooks(g, 0)}
			return seller
		})
		_ = seller.Inv.Add(food, 1, 0)
		if _, err := m.Place(sg, food, market.Sell, 1, 1); err != nil {
			t.Fatalf("sell: %v", err)
		}

		if len(got) != 1 || got[0].BuyOrder != want.id || got[0].Price != want.price {
			t.Fatalf("got %+v, want order %d at %d", got, want.id, want.price)
		}
	})
}
