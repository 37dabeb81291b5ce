package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

type ship struct {
	entity.Base
	ledger.Books
	engine.Journey
	speed float64
}

func (s *ship) Kind() string          { return "ship" }
func (s *ship) Trip() *engine.Journey { return &s.Journey }
func (s *ship) Speed() float64        { return s.speed }

func spawnShip(sim *engine.Simulation, cash ledger.Money, speed float64) (entity.GID, *ship) {
	var sh *ship
	gid := sim.Spawn(func(g entity.GID) entity.Entity {
		sh = &ship{Base: entity.Base{ID: g, Name: "ship"}, Books: ledger.NewBooks(g, cash), speed: speed}
		return sh
	})
	return gid, sh
}

func TestTravellerTradesOnArrival(t *testing.T) {
	sim := newSim(t, engine.DefaultConfig())
	port := sim.AddLocation("port", 6, 8)
	fm, _ := spawnTrader(t, sim, 0, 5)
	_, err := sim.Market.PlaceAt(fm, market.Venue{Location: port, Commodity: food}, market.Sell, 3, 5)
	require.NoError(t, err)

	gid, sh := spawnShip(sim, 50, 2)
	assert.Equal(t, market.Home, sim.LocationOf(gid))

	arrives, err := sim.Move(gid, port)
	require.NoError(t, err)
	assert.Equal(t, clock.Time(5), arrives)
	assert.Equal(t, engine.InTransit, sim.LocationOf(gid))

	_, err = sim.Move(gid, market.Home)
	assert.ErrorIs(t, err, engine.ErrInTransit)
	_, err = sim.Market.PlaceAt(gid, market.Venue{Location: sim.LocationOf(gid), Commodity: food}, market.Buy, 3, 1)
	assert.ErrorIs(t, err, market.ErrUnknownCommodity, "nothing trades in transit")

	_, err = sim.RunUntil(2.5)
	require.NoError(t, err)
	x, y, err := sim.Position(gid)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, x, 1e-9)
	assert.InDelta(t, 4.0, y, 1e-9)

	_, err = sim.RunUntil(6)
	require.NoError(t, err)
	assert.Equal(t, port, sim.LocationOf(gid))
	_, err = sim.Market.PlaceAt(gid, market.Venue{Location: sim.LocationOf(gid), Commodity: food}, market.Buy, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sh.Inv.Amount(food))
	assert.Equal(t, ledger.Money(44), sh.Acct.Cash())
}

func TestMoveNeedsRoute(t *testing.T) {
	sim := newSim(t, engine.DefaultConfig())
	port := sim.AddLocation("port", 1, 0)
	fm, _ := spawnTrader(t, sim, 0, 0)

	stuck, _ := spawnShip(sim, 0, 0)
	_, err := sim.Move(stuck, port)
	assert.ErrorIs(t, err, engine.ErrNoRoute)
	assert.Equal(t, market.Home, sim.LocationOf(stuck))

	_, err = sim.Move(fm, port)
	assert.ErrorIs(t, err, entity.ErrNotFound, "traders cannot travel")

	gid, _ := spawnShip(sim, 0, 1)
	_, err = sim.Move(gid, fm)
	assert.ErrorIs(t, err, entity.ErrNotFound, "destinations are locations")
	assert.Zero(t, sim.Queue.Len())
}
