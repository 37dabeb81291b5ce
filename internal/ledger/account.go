// Package ledger holds per-entity money and goods balances.
//
// Cash is partitioned into free money and reserved money. Reserves are kept
// in buckets (open orders, tax, wages) so that each obligation can be released
// or spent without touching the others. The invariant reserved <= cash holds
// after every operation on a bounded account.
package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/talgya/starmacro/internal/entity"
)

var (
	// ErrInsufficientFunds is returned when free cash cannot cover a reservation or payment.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrReserve is returned when a reserve bucket holds less than requested.
	ErrReserve = errors.New("insufficient reserve")
	// ErrInsufficientGoods is returned when free inventory cannot cover a request.
	ErrInsufficientGoods = errors.New("insufficient goods")
	// ErrInvariant marks a broken ledger invariant. It always indicates a bug.
	ErrInvariant = errors.New("invariant violation")
)

// InvariantError describes which entity broke which invariant.
type InvariantError struct {
	Owner  entity.GID
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on %d: %s", e.Owner, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// Money is an integer amount of currency.
type Money int64

// Decimal returns m as a decimal for display and averaging.
func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(m)) }

// String renders m with thousands separators.
func (m Money) String() string { return humanize.Comma(int64(m)) }

// Times returns m × n, or false if the product does not fit in a Money.
func (m Money) Times(n int64) (Money, bool) {
	a := int64(m)
	if a == 0 || n == 0 {
		return 0, true
	}
	if (a == -1 && n == math.MinInt64) || (n == -1 && a == math.MinInt64) {
		return 0, false
	}
	p := a * n
	if p/n != a {
		return 0, false
	}
	return Money(p), true
}

// Plus returns m + n, or false on overflow.
func (m Money) Plus(n Money) (Money, bool) {
	if (n > 0 && m > math.MaxInt64-n) || (n < 0 && m < math.MinInt64-n) {
		return 0, false
	}
	return m + n, true
}

// ReserveKind names a reserve bucket.
type ReserveKind uint8

const (
	ReserveOrders ReserveKind = iota
	ReserveTax
	ReserveWages
	numReserveKinds
)

func (k ReserveKind) String() string {
	switch k {
	case ReserveOrders:
		return "orders"
	case ReserveTax:
		return "tax"
	case ReserveWages:
		return "wages"
	}
	return fmt.Sprintf("reserve(%d)", uint8(k))
}

// Account is an entity's cash position.
type Account struct {
	owner    entity.GID
	cash     Money
	reserved [numReserveKinds]Money

	// Unlimited accounts may spend below zero. The issuing government holds
	// one: its balance mirrors the money held by everyone else.
	unlimited bool
}

// NewAccount returns a bounded account with an opening balance.
func NewAccount(owner entity.GID, cash Money) *Account {
	return &Account{owner: owner, cash: cash}
}

// NewUnlimitedAccount returns an account that can always spend.
func NewUnlimitedAccount(owner entity.GID) *Account {
	return &Account{owner: owner, unlimited: true}
}

// Owner returns the GID the account belongs to.
func (a *Account) Owner() entity.GID { return a.owner }

// Cash returns the total balance including reserved money.
func (a *Account) Cash() Money { return a.cash }

// Unlimited reports whether the account can spend below zero.
func (a *Account) Unlimited() bool { return a.unlimited }

// Reserved returns the sum of all reserve buckets.
func (a *Account) Reserved() Money {
	var total Money
	for _, r := range a.reserved {
		total += r
	}
	return total
}

// ReservedFor returns the balance of one reserve bucket.
func (a *Account) ReservedFor(kind ReserveKind) Money { return a.reserved[kind] }

// Free returns cash not encumbered by any reserve.
func (a *Account) Free() Money { return a.cash - a.Reserved() }

// Reserve moves amt of free cash into a bucket.
func (a *Account) Reserve(kind ReserveKind, amt Money) error {
	if err := a.nonNegative("reserve", amt); err != nil {
		return err
	}
	if !a.unlimited && a.Free() < amt {
		return fmt.Errorf("reserve %s %d of free %d: %w", kind, amt, a.Free(), ErrInsufficientFunds)
	}
	a.reserved[kind] += amt
	return nil
}

// Release returns amt from a bucket to free cash.
func (a *Account) Release(kind ReserveKind, amt Money) error {
	if err := a.nonNegative("release", amt); err != nil {
		return err
	}
	if a.reserved[kind] < amt {
		return fmt.Errorf("release %s %d of %d: %w", kind, amt, a.reserved[kind], ErrReserve)
	}
	a.reserved[kind] -= amt
	return nil
}

// SpendReserved pays amt out of a bucket.
func (a *Account) SpendReserved(kind ReserveKind, amt Money) error {
	if err := a.nonNegative("spend reserved", amt); err != nil {
		return err
	}
	if a.reserved[kind] < amt {
		return fmt.Errorf("spend %s %d of %d: %w", kind, amt, a.reserved[kind], ErrReserve)
	}
	a.reserved[kind] -= amt
	a.cash -= amt
	return nil
}

// Spend pays amt out of free cash.
func (a *Account) Spend(amt Money) error {
	if err := a.nonNegative("spend", amt); err != nil {
		return err
	}
	if !a.unlimited && a.Free() < amt {
		return fmt.Errorf("spend %d of free %d: %w", amt, a.Free(), ErrInsufficientFunds)
	}
	a.cash -= amt
	return nil
}

// Receive credits amt to free cash.
func (a *Account) Receive(amt Money) error {
	if err := a.nonNegative("receive", amt); err != nil {
		return err
	}
	a.cash += amt
	return nil
}

// Pay moves amt of free cash from a to b.
func (a *Account) Pay(b *Account, amt Money) error {
	if err := a.Spend(amt); err != nil {
		return err
	}
	return b.Receive(amt)
}

// Check verifies the account invariants.
func (a *Account) Check() error {
	for k, r := range a.reserved {
		if r < 0 {
			return &InvariantError{Owner: a.owner, Detail: fmt.Sprintf("negative %s reserve %d", ReserveKind(k), r)}
		}
	}
	if a.unlimited {
		return nil
	}
	if a.cash < 0 {
		return &InvariantError{Owner: a.owner, Detail: fmt.Sprintf("negative cash %d", a.cash)}
	}
	if res := a.Reserved(); res > a.cash {
		return &InvariantError{Owner: a.owner, Detail: fmt.Sprintf("reserved %d exceeds cash %d", res, a.cash)}
	}
	return nil
}

func (a *Account) nonNegative(op string, amt Money) error {
	if amt < 0 {
		return &InvariantError{Owner: a.owner, Detail: fmt.Sprintf("%s negative amount %d", op, amt)}
	}
	return nil
}

// WageReserve is the money a firm keeps back to cover wages for a number of days.
func WageReserve(wage Money, workers, days int) Money {
	if workers <= 0 || days <= 0 {
		return 0
	}
	return wage * Money(workers) * Money(days)
}
