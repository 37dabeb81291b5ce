package sector

import (
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
)

// Dealer holds cash and food for an outside trader. It has no behaviour of its
// own; its orders arrive through the core API.
type Dealer struct {
	entity.Base
	ledger.Books
}

func (d *Dealer) Kind() string { return "dealer" }

// newDealer stocks food at the job guarantee price. Params["food"] sets the
// opening stock.
func (e *Economy) newDealer(gid entity.GID, name string, cash ledger.Money, food int64) *Dealer {
	d := &Dealer{Base: entity.Base{ID: gid, Name: name}, Books: ledger.NewBooks(gid, cash)}
	if food > 0 {
		_ = d.Inv.Add(Food, food, e.params.JGPrice*ledger.Money(food))
	}
	return d
}
