package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/talgya/starmacro/internal/entity"
)

// Commodity names a traded good.
type Commodity string

// Lot is the holding of one commodity. Cost is the book value of Amount.
type Lot struct {
	Amount   int64
	Reserved int64
	Cost     Money
}

// Inventory is an entity's goods position, valued at average cost.
type Inventory struct {
	owner entity.GID
	lots  map[Commodity]*Lot
}

// NewInventory returns an empty inventory.
func NewInventory(owner entity.GID) *Inventory {
	return &Inventory{owner: owner, lots: make(map[Commodity]*Lot)}
}

func (inv *Inventory) lot(c Commodity) *Lot {
	l, ok := inv.lots[c]
	if !ok {
		l = &Lot{}
		inv.lots[c] = l
	}
	return l
}

// Get returns a copy of the lot for c.
func (inv *Inventory) Get(c Commodity) Lot {
	if l, ok := inv.lots[c]; ok {
		return *l
	}
	return Lot{}
}

// Amount returns the total units of c held.
func (inv *Inventory) Amount(c Commodity) int64 { return inv.Get(c).Amount }

// Free returns units of c not reserved against sell orders.
func (inv *Inventory) Free(c Commodity) int64 {
	l := inv.Get(c)
	return l.Amount - l.Reserved
}

// UnitCost returns the average book cost of one unit of c.
func (inv *Inventory) UnitCost(c Commodity) decimal.Decimal {
	l := inv.Get(c)
	if l.Amount == 0 {
		return decimal.Zero
	}
	return l.Cost.Decimal().Div(decimal.NewFromInt(l.Amount))
}

// Commodities lists held commodities in name order.
func (inv *Inventory) Commodities() []Commodity {
	out := make([]Commodity, 0, len(inv.lots))
	for c, l := range inv.lots {
		if l.Amount > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Add takes qty units of c into stock at a total cost.
func (inv *Inventory) Add(c Commodity, qty int64, cost Money) error {
	if qty < 0 || cost < 0 {
		return &InvariantError{Owner: inv.owner, Detail: fmt.Sprintf("add %s qty %d cost %d", c, qty, cost)}
	}
	l := inv.lot(c)
	l.Amount += qty
	l.Cost += cost
	return nil
}

// Reserve earmarks qty free units of c.
func (inv *Inventory) Reserve(c Commodity, qty int64) error {
	if qty < 0 {
		return &InvariantError{Owner: inv.owner, Detail: fmt.Sprintf("reserve %s qty %d", c, qty)}
	}
	if inv.Free(c) < qty {
		return fmt.Errorf("reserve %d %s of free %d: %w", qty, c, inv.Free(c), ErrInsufficientGoods)
	}
	inv.lot(c).Reserved += qty
	return nil
}

// Release returns qty reserved units of c to free stock.
func (inv *Inventory) Release(c Commodity, qty int64) error {
	l := inv.Get(c)
	if qty < 0 || l.Reserved < qty {
		return fmt.Errorf("release %d %s of reserved %d: %w", qty, c, l.Reserved, ErrReserve)
	}
	inv.lot(c).Reserved -= qty
	return nil
}

// Remove takes qty free units of c out of stock and returns their cost of goods sold.
func (inv *Inventory) Remove(c Commodity, qty int64) (Money, error) {
	if qty < 0 {
		return 0, &InvariantError{Owner: inv.owner, Detail: fmt.Sprintf("remove %s qty %d", c, qty)}
	}
	if inv.Free(c) < qty {
		return 0, fmt.Errorf("remove %d %s of free %d: %w", qty, c, inv.Free(c), ErrInsufficientGoods)
	}
	return inv.take(c, qty), nil
}

// RemoveReserved takes qty reserved units of c out of stock and returns their cost of goods sold.
func (inv *Inventory) RemoveReserved(c Commodity, qty int64) (Money, error) {
	l := inv.Get(c)
	if qty < 0 || l.Reserved < qty {
		return 0, fmt.Errorf("remove reserved %d %s of %d: %w", qty, c, l.Reserved, ErrReserve)
	}
	inv.lot(c).Reserved -= qty
	return inv.take(c, qty), nil
}

// take removes units at average cost. Taking the whole lot takes the whole
// cost so that rounding never strands book value.
func (inv *Inventory) take(c Commodity, qty int64) Money {
	l := inv.lot(c)
	if qty == 0 {
		return 0
	}
	var cogs Money
	if qty == l.Amount {
		cogs = l.Cost
	} else {
		cogs = l.Cost * Money(qty) / Money(l.Amount)
	}
	l.Amount -= qty
	l.Cost -= cogs
	return cogs
}

// Check verifies the inventory invariants.
func (inv *Inventory) Check() error {
	for c, l := range inv.lots {
		if l.Amount < 0 || l.Reserved < 0 || l.Cost < 0 {
			return &InvariantError{Owner: inv.owner, Detail: fmt.Sprintf("negative %s lot %+v", c, *l)}
		}
		if l.Reserved > l.Amount {
			return &InvariantError{Owner: inv.owner, Detail: fmt.Sprintf("%s reserved %d exceeds amount %d", c, l.Reserved, l.Amount)}
		}
	}
	return nil
}

// Holder is implemented by entities that own money and goods.
type Holder interface {
	Account() *Account
	Inventory() *Inventory
}

// Books bundles an account and an inventory. Actors embed it to satisfy Holder.
type Books struct {
	Acct *Account
	Inv  *Inventory
}

// NewBooks returns bounded books with an opening cash balance.
func NewBooks(owner entity.GID, cash Money) Books {
	return Books{Acct: NewAccount(owner, cash), Inv: NewInventory(owner)}
}

// Account implements Holder.
func (b *Books) Account() *Account { return b.Acct }

// Inventory implements Holder.
func (b *Books) Inventory() *Inventory { return b.Inv }

// Check verifies account and inventory invariants.
func (b *Books) Check() error {
	if err := b.Acct.Check(); err != nil {
		return err
	}
	return b.Inv.Check()
}
