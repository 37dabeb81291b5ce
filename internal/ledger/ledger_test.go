package ledger_test

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/talgya/starmacro/internal/ledger"
)

func TestReserveAndRelease(t *testing.T) {
	a := ledger.NewAccount(1, 100)

	require.NoError(t, a.Reserve(ledger.ReserveOrders, 60))
	assert.Equal(t, ledger.Money(40), a.Free())
	assert.Equal(t, ledger.Money(60), a.Reserved())

	err := a.Reserve(ledger.ReserveWages, 50)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, ledger.Money(60), a.Reserved())

	require.NoError(t, a.Release(ledger.ReserveOrders, 20))
	assert.ErrorIs(t, a.Release(ledger.ReserveTax, 1), ledger.ErrReserve)
	assert.Equal(t, ledger.Money(40), a.ReservedFor(ledger.ReserveOrders))
	assert.Equal(t, ledger.Money(100), a.Cash())
}

func TestSpendReservedAndFree(t *testing.T) {
	a := ledger.NewAccount(1, 100)
	require.NoError(t, a.Reserve(ledger.ReserveWages, 30))

	require.NoError(t, a.SpendReserved(ledger.ReserveWages, 10))
	assert.Equal(t, ledger.Money(90), a.Cash())
	assert.Equal(t, ledger.Money(20), a.ReservedFor(ledger.ReserveWages))

	assert.ErrorIs(t, a.Spend(71), ledger.ErrInsufficientFunds)
	require.NoError(t, a.Spend(70))
	assert.Equal(t, ledger.Money(0), a.Free())
	require.NoError(t, a.Check())
}

func TestNegativeAmountIsInvariantViolation(t *testing.T) {
	a := ledger.NewAccount(7, 10)
	err := a.Reserve(ledger.ReserveOrders, -1)

	var inv *ledger.InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, ledger.Money(0), a.Reserved())
	assert.ErrorIs(t, err, ledger.ErrInvariant)
	assert.EqualValues(t, 7, inv.Owner)
}

func TestUnlimitedAccountAlwaysSpends(t *testing.T) {
	gov := ledger.NewUnlimitedAccount(1)
	hh := ledger.NewAccount(2, 0)

	require.NoError(t, gov.Pay(hh, 500))
	assert.Equal(t, ledger.Money(-500), gov.Cash())
	assert.Equal(t, ledger.Money(500), hh.Cash())
	require.NoError(t, gov.Reserve(ledger.ReserveOrders, 1000))
	assert.NoError(t, gov.Check())
}

func TestWageReserve(t *testing.T) {
	assert.Equal(t, ledger.Money(1500), ledger.WageReserve(10, 10, 15))
	assert.Equal(t, ledger.Money(700), ledger.WageReserve(10, 10, 7))
	assert.Equal(t, ledger.Money(0), ledger.WageReserve(10, 0, 15))
}

func TestInventoryAverageCost(t *testing.T) {
	inv := ledger.NewInventory(1)
	require.NoError(t, inv.Add("food", 100, 201))

	cogs, err := inv.Remove("food", 30)
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(60), cogs)

	cogs2, err := inv.Remove("food", 70)
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(201), cogs+cogs2)
	assert.Equal(t, int64(0), inv.Amount("food"))
	assert.Equal(t, ledger.Lot{}, inv.Get("food"))
}

func TestInventoryReservations(t *testing.T) {
	inv := ledger.NewInventory(1)
	require.NoError(t, inv.Add("food", 10, 50))
	require.NoError(t, inv.Reserve("food", 8))

	_, err := inv.Remove("food", 3)
	assert.ErrorIs(t, err, ledger.ErrInsufficientGoods)
	assert.ErrorIs(t, inv.Reserve("food", 3), ledger.ErrInsufficientGoods)

	cogs, err := inv.RemoveReserved("food", 4)
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(20), cogs)
	require.NoError(t, inv.Release("food", 4))
	assert.Equal(t, int64(6), inv.Free("food"))
	assert.Equal(t, "5", inv.UnitCost("food").String())
	assert.Equal(t, []ledger.Commodity{"food"}, inv.Commodities())
	require.NoError(t, inv.Check())
}

func TestMoneyFormatting(t *testing.T) {
	assert.Equal(t, "1,234,567", ledger.Money(1234567).String())
}

func TestMoneyCheckedArithmetic(t *testing.T) {
	p, ok := ledger.Money(7).Times(6)
	require.True(t, ok)
	assert.Equal(t, ledger.Money(42), p)

	_, ok = ledger.Money(1 << 62).Times(4)
	assert.False(t, ok)
	_, ok = ledger.Money(math.MinInt64).Times(-1)
	assert.False(t, ok)
	_, ok = ledger.Money(math.MaxInt64).Plus(1)
	assert.False(t, ok)
	s, ok := ledger.Money(-5).Plus(3)
	require.True(t, ok)
	assert.Equal(t, ledger.Money(-2), s)

	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64().Draw(t, "a")
		b := rapid.Int64().Draw(t, "b")
		want := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
		got, ok := ledger.Money(a).Times(b)
		if want.IsInt64() != ok {
			t.Fatalf("%d × %d: ok=%v, exact %s", a, b, ok, want)
		}
		if ok && int64(got) != want.Int64() {
			t.Fatalf("%d × %d = %d, want %s", a, b, got, want)
		}
	})
}

// Whatever sequence of ledger operations runs, a bounded account never has
// more reserved than it holds and never goes negative.
func TestAccountInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := ledger.NewAccount(1, ledger.Money(rapid.Int64Range(0, 1000).Draw(t, "cash")))
		kinds := []ledger.ReserveKind{ledger.ReserveOrders, ledger.ReserveTax, ledger.ReserveWages}

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			kind := rapid.SampledFrom(kinds).Draw(t, "kind")
			amt := ledger.Money(rapid.Int64Range(0, 400).Draw(t, "amt"))
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				_ = a.Reserve(kind, amt)
			case 1:
				_ = a.Release(kind, amt)
			case 2:
				_ = a.SpendReserved(kind, amt)
			case 3:
				_ = a.Spend(amt)
			case 4:
				_ = a.Receive(amt)
			}
			if err := a.Check(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			if a.Free() < 0 {
				t.Fatalf("step %d: free cash %d", i, a.Free())
			}
		}
	})
}
