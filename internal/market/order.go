// Package market implements continuous double-auction order books.
//
// Buy orders reserve the owner's cash at placement and sell orders reserve
// the goods. A resting buy order always satisfies
// reserved == remaining × limit price, through fills, amendments and
// cancellation, so reserved money is either spent or returned, never lost.
package market

import (
	"errors"
	"fmt"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
)

var (
	// ErrInvalidOrder rejects non-positive prices or quantities.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrUnknownCommodity is returned for commodities with no book.
	ErrUnknownCommodity = errors.New("unknown commodity")
	// ErrNotHolder is returned when the owner cannot hold money or goods.
	ErrNotHolder = errors.New("entity cannot trade")
)

// Side is the direction of an order.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// ParseSide accepts "buy"/"bid" or "sell"/"offer".
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "bid":
		return Buy, nil
	case "sell", "offer", "ask":
		return Sell, nil
	}
	return Buy, fmt.Errorf("side %q: %w", s, ErrInvalidOrder)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderID identifies an order. Order IDs form their own space, separate from GIDs.
type OrderID uint64

// Status is an order's position in its lifecycle.
type Status uint8

const (
	Resting Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Resting:
		return "resting"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for v := Resting; v <= Cancelled; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown order status %q", b)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == Filled || s == Cancelled }

// Home is the location of the default venues. Commodities opened without a
// location trade there.
const Home = entity.NoGID

// Venue is where one commodity trades: a (location, commodity) pair with its
// own book.
type Venue struct {
	Location  entity.GID       `json:"location,omitempty"`
	Commodity ledger.Commodity `json:"commodity"`
}

// At returns the venue for c at Home.
func At(c ledger.Commodity) Venue { return Venue{Location: Home, Commodity: c} }

func (v Venue) String() string {
	if v.Location == Home {
		return string(v.Commodity)
	}
	return fmt.Sprintf("%s@%d", v.Commodity, v.Location)
}

// Order is a bid or offer. Values handed out by the book are copies.
type Order struct {
	ID        OrderID          `json:"id"`
	Owner     entity.GID       `json:"owner"`
	Location  entity.GID       `json:"location,omitempty"`
	Commodity ledger.Commodity `json:"commodity"`
	Side      Side             `json:"side"`
	Price     ledger.Money     `json:"price"`
	Quantity  int64            `json:"quantity"` // Quantity at placement or after the last amendment.
	Remaining int64            `json:"remaining"`
	Reserved  ledger.Money     `json:"reserved"` // Cash held against a buy order.
	Status    Status           `json:"status"`
	Placed    clock.Time       `json:"placed"`
	IOC       bool             `json:"ioc,omitempty"`

	seq uint64
}

// Filled returns units executed since placement or the last amendment.
func (o *Order) Filled() int64 { return o.Quantity - o.Remaining }

// Option modifies an order at placement.
type Option func(*Order)

// ImmediateOrCancel cancels whatever does not fill on arrival.
func ImmediateOrCancel() Option {
	return func(o *Order) { o.IOC = true }
}

// Trade is one execution between a buy and a sell order.
type Trade struct {
	Location  entity.GID       `json:"location,omitempty"`
	Commodity ledger.Commodity `json:"commodity"`
	Buyer     entity.GID       `json:"buyer"`
	Seller    entity.GID       `json:"seller"`
	BuyOrder  OrderID          `json:"buy_order"`
	SellOrder OrderID          `json:"sell_order"`
	Price     ledger.Money     `json:"price"`
	Quantity  int64            `json:"quantity"`
	At        clock.Time       `json:"at"`
	COGS      ledger.Money     `json:"cogs"`
}

// Value is the money that changed hands.
func (t Trade) Value() ledger.Money { return t.Price * ledger.Money(t.Quantity) }

// TradeObserver is notified synchronously at settlement. It must not block.
type TradeObserver func(Trade)

// Registry is what a book needs from the identity registry.
type Registry interface {
	Resolve(entity.GID) (entity.Entity, error)
	Remains(entity.GID) (entity.Entity, bool)
	Pin(entity.GID)
	Unpin(entity.GID)
}

// Hooks observe book activity besides trades. Nil fields are skipped.
type Hooks struct {
	// Aborted fires when a match is abandoned because a party is gone.
	Aborted func(bid, ask Order)
	// Violation fires when settlement finds a broken ledger invariant. The
	// offending order has already been pulled from the book.
	Violation func(err *ledger.InvariantError)
}
