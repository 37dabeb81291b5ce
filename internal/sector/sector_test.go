package sector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
	"github.com/talgya/starmacro/internal/sector"
)

func setup(t *testing.T, mutate func(*sector.Params)) (*engine.Simulation, *sector.Economy) {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.StrictInvariants = true
	sim := engine.New(cfg)
	p := sector.DefaultParams()
	if mutate != nil {
		mutate(&p)
	}
	eco, err := sector.Setup(sim, p)
	require.NoError(t, err)
	return sim, eco
}

func totalCash(sim *engine.Simulation) ledger.Money {
	var total ledger.Money
	for _, gid := range sim.Registry.Live() {
		ent, _ := sim.Registry.Resolve(gid)
		if h, ok := ent.(ledger.Holder); ok {
			total += h.Account().Cash()
		}
	}
	return total
}

func TestSetupValidates(t *testing.T) {
	sim := engine.New(engine.DefaultConfig())
	p := sector.DefaultParams()
	p.WageReserveDays = 0
	_, err := sector.Setup(sim, p)
	assert.Error(t, err)
}

func TestEconomyRuns(t *testing.T) {
	sim, eco := setup(t, nil)
	start := totalCash(sim)

	require.NoError(t, sim.RunDays(20, nil))
	require.NoError(t, sim.CheckInvariants())

	assert.Zero(t, sim.Stats.Faults)
	assert.Positive(t, sim.Stats.Trades)
	assert.Equal(t, start, totalCash(sim), "money is only moved, never created outside the treasury")

	private, guaranteed := eco.Employment()
	assert.Positive(t, private)
	assert.Equal(t, len(eco.Households), private+guaranteed)

	gov, err := entity.As[*sector.Government](sim.Registry, eco.Government)
	require.NoError(t, err)
	assert.Negative(t, int64(gov.Acct.Cash()), "the treasury is the counterparty of every issued unit")
}

func TestFirmHoldsWageReserve(t *testing.T) {
	for _, days := range []int{7, 15} {
		sim, eco := setup(t, func(p *sector.Params) {
			p.Firms = 1
			p.Households = 30
			p.WageReserveDays = days
		})
		_, err := sim.RunUntil(1)
		require.NoError(t, err)

		firm, err := entity.As[*sector.Firm](sim.Registry, eco.Firms[0])
		require.NoError(t, err)
		require.Len(t, firm.Workers, 10, "a third of the programme moves per day")
		assert.Equal(t,
			ledger.WageReserve(firm.Wage, len(firm.Workers), days),
			firm.Acct.ReservedFor(ledger.ReserveWages),
			"reserve for %d days", days)
	}
}

func TestFirmHiresFromSmallProgramme(t *testing.T) {
	sim, eco := setup(t, func(p *sector.Params) {
		p.Firms = 1
		p.Households = 2
	})
	_, err := sim.RunUntil(1)
	require.NoError(t, err)

	firm, err := entity.As[*sector.Firm](sim.Registry, eco.Firms[0])
	require.NoError(t, err)
	assert.Len(t, firm.Workers, 1)
	private, guaranteed := eco.Employment()
	assert.Equal(t, 1, private)
	assert.Equal(t, 1, guaranteed)
}

func TestLocalMarkets(t *testing.T) {
	sim, eco := setup(t, func(p *sector.Params) {
		p.Firms = 2
		p.Households = 4
		p.Locations = []string{"Port"}
	})
	require.Len(t, eco.Locations, 2)
	port := eco.Locations[1]

	byVenue := map[entity.GID]int{}
	unsub := sim.OnTrade(func(tr market.Trade) { byVenue[tr.Location]++ })
	defer unsub()

	require.NoError(t, sim.RunDays(5, nil))
	require.NoError(t, sim.CheckInvariants())

	firm, err := entity.As[*sector.Firm](sim.Registry, eco.Firms[1])
	require.NoError(t, err)
	assert.Equal(t, port, firm.Location())
	hh, err := entity.As[*sector.Household](sim.Registry, eco.Households[3])
	require.NoError(t, err)
	assert.Equal(t, port, hh.Location())

	assert.Positive(t, byVenue[port], "port households buy from the port firm")
	assert.Positive(t, byVenue[market.Home])
	for _, o := range sim.Market.OrdersOf(eco.JobGuarantee) {
		assert.Equal(t, market.Home, o.Location)
	}
}

func TestDeadWorkerLeavesFirm(t *testing.T) {
	sim, eco := setup(t, func(p *sector.Params) {
		p.Firms = 1
		p.Households = 9
	})
	_, err := sim.RunUntil(1)
	require.NoError(t, err)
	firm, err := entity.As[*sector.Firm](sim.Registry, eco.Firms[0])
	require.NoError(t, err)
	require.NotEmpty(t, firm.Workers)

	gone := firm.Workers[0]
	require.NoError(t, sim.Destroy(gone))
	_, err = sim.RunUntil(2)
	require.NoError(t, err)
	sim.Reap()

	assert.NotContains(t, firm.Workers, gone)
	private, guaranteed := eco.Employment()
	assert.Equal(t, 8, private+guaranteed)
	assert.Zero(t, sim.Stats.Faults)
}

func TestHouseholdsEat(t *testing.T) {
	sim, eco := setup(t, func(p *sector.Params) { p.Households = 5 })
	require.NoError(t, sim.RunDays(10, nil))

	fed := 0
	for _, gid := range eco.Households {
		hh, err := entity.As[*sector.Household](sim.Registry, gid)
		require.NoError(t, err)
		if hh.Hungry == 0 {
			fed++
		}
	}
	assert.Positive(t, fed)
}
