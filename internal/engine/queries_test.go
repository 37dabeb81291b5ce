package engine_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

func offerRequest(key string, args map[string]string) event.Request {
	return event.Request{Key: key, Query: "best_offer", Args: args}
}

func TestDataRequestsAnsweredBeforeAction(t *testing.T) {
	sim := newSim(t, engine.DefaultConfig())
	fm, _ := spawnTrader(t, sim, 0, 5)
	hh, _ := spawnTrader(t, sim, 10, 0)
	_, err := sim.Market.Place(fm, food, market.Sell, 4, 5)
	require.NoError(t, err)

	var got engine.Quote
	var at clock.Time
	sim.Handle("look", func(_ entity.Entity, ev event.Event) error {
		if got, err = engine.Datum[engine.Quote](ev, "offer"); err != nil {
			return err
		}
		at, err = engine.Datum[clock.Time](ev, "now")
		return err
	})

	_, err = sim.Schedule(engine.EventSpec{
		Target: hh,
		Kind:   "look",
		Delay:  1,
		Requests: []event.Request{
			offerRequest("offer", map[string]string{"commodity": string(food)}),
			{Key: "now", Query: "now"},
		},
	})
	require.NoError(t, err)
	_, err = sim.RunUntil(2)
	require.NoError(t, err)

	assert.Equal(t, engine.Quote{Commodity: food, Price: 4, OK: true}, got)
	assert.Equal(t, clock.Time(1), at)
	assert.Zero(t, sim.Stats.Faults)
}

func TestDataRequestsValidatedWhenScheduled(t *testing.T) {
	sim := newSim(t, engine.DefaultConfig())
	hh, _ := spawnTrader(t, sim, 10, 0)
	sim.Handle("look", func(entity.Entity, event.Event) error { return nil })

	_, err := sim.Schedule(engine.EventSpec{Target: hh, Kind: "look", Delay: 1,
		Requests: []event.Request{{Key: "x", Query: "weather"}}})
	assert.ErrorIs(t, err, engine.ErrUnknownQuery)

	_, err = sim.Schedule(engine.EventSpec{Target: hh, Kind: "look", Delay: 1,
		Requests: []event.Request{offerRequest("offer", nil)}})
	assert.ErrorIs(t, err, engine.ErrQueryArgs)
	assert.Zero(t, sim.Queue.Len())

	var names []string
	for _, q := range sim.Queries() {
		names = append(names, q.Name)
	}
	assert.Equal(t, []string{"best_bid", "best_offer", "commodities", "location", "now"}, names)
}

func TestFailedDataRequestFaultsEvent(t *testing.T) {
	sim := newSim(t, engine.DefaultConfig())
	hh, _ := spawnTrader(t, sim, 10, 0)
	ran := false
	sim.Handle("look", func(entity.Entity, event.Event) error {
		ran = true
		return nil
	})

	_, err := sim.Schedule(engine.EventSpec{Target: hh, Kind: "look", Delay: 1,
		Requests: []event.Request{offerRequest("offer", map[string]string{"commodity": "steel"})}})
	require.NoError(t, err)
	_, err = sim.RunUntil(2)
	require.NoError(t, err)

	assert.False(t, ran)
	assert.Equal(t, 1, sim.Stats.Faults)
}

func TestLocationsOpenVenues(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t, engine.DefaultConfig())
	core := engine.NewLocal(sim)

	port := sim.AddLocation("port", 3, 4)
	mine, err := core.Create(ctx, engine.EntitySpec{Kind: "location", Name: "mine", Params: map[string]float64{"x": 6, "y": 8}})
	require.NoError(t, err)
	assert.Equal(t, []entity.GID{market.Home, port, mine}, sim.Market.Locations())

	p, err := entity.As[*engine.Location](sim.Registry, port)
	require.NoError(t, err)
	m, err := entity.As[*engine.Location](sim.Registry, mine)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, p.Distance(m), 1e-9)

	fm, _ := spawnTrader(t, sim, 0, 5)
	hh, _ := spawnTrader(t, sim, 20, 0)
	_, err = core.PlaceOrder(ctx, engine.OrderRequest{Owner: fm, Location: port, Commodity: food, Side: market.Sell, Price: 3, Quantity: 5})
	require.NoError(t, err)

	q, err := core.BestOffer(ctx, food)
	require.NoError(t, err)
	assert.False(t, q.OK, "the port offer is not quoted at home")

	var got engine.Quote
	sim.Handle("look", func(_ entity.Entity, ev event.Event) error {
		got, err = engine.Datum[engine.Quote](ev, "offer")
		return err
	})
	_, err = sim.Schedule(engine.EventSpec{Target: hh, Kind: "look", Delay: 1, Requests: []event.Request{
		offerRequest("offer", map[string]string{"commodity": string(food), "location": strconv.FormatUint(uint64(port), 10)}),
	}})
	require.NoError(t, err)
	_, err = sim.RunUntil(2)
	require.NoError(t, err)
	assert.Equal(t, engine.Quote{Location: port, Commodity: food, Price: 3, OK: true}, got)

	_, err = core.PlaceOrder(ctx, engine.OrderRequest{Owner: hh, Location: port, Commodity: food, Side: market.Buy, Price: 3, Quantity: 2})
	require.NoError(t, err)
	view, err := core.Resolve(ctx, hh)
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.Inventory[food])
	assert.Equal(t, ledger.Money(14), view.Cash)
}
