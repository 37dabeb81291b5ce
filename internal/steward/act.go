package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// Result reports what an Act call did.
type Result struct {
	Cancelled int              `json:"cancelled"`
	Placed    []market.OrderID `json:"placed"`
	Rejected  int              `json:"rejected"` // Orders the dealer could not fund.
}

// Actor carries out decisions through the core.
type Actor struct {
	Core engine.Core
}

// Act cancels then places. An order the dealer cannot fund is skipped; any
// other error stops the cycle.
func (a *Actor) Act(ctx context.Context, d *Decision) (*Result, error) {
	res := &Result{}
	for _, id := range d.Cancel {
		ok, err := a.Core.CancelOrder(ctx, id)
		if err != nil {
			return res, fmt.Errorf("cancel order %d: %w", id, err)
		}
		if ok {
			res.Cancelled++
		}
	}
	for _, req := range d.Orders {
		id, err := a.Core.PlaceOrder(ctx, req)
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientGoods):
			slog.Warn("dealer order rejected", "side", req.Side.String(), "price", req.Price, "qty", req.Quantity, "error", err)
			res.Rejected++
		case err != nil:
			return res, fmt.Errorf("place %s order: %w", req.Side, err)
		default:
			res.Placed = append(res.Placed, id)
		}
	}
	return res, nil
}
