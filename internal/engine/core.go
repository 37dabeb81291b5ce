package engine

import (
	"context"
	"sync"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// OrderRequest asks to place a limit order.
// Location picks the venue; zero trades at market.Home.
type OrderRequest struct {
	Owner     entity.GID       `json:"owner"`
	Location  entity.GID       `json:"location,omitempty"`
	Commodity ledger.Commodity `json:"commodity"`
	Side      market.Side      `json:"side"`
	Price     ledger.Money     `json:"price"`
	Quantity  int64            `json:"quantity"`
	IOC       bool             `json:"ioc,omitempty"`
}

// Quote is a best price on one side of a book. OK is false on an empty side.
type Quote struct {
	Location  entity.GID       `json:"location,omitempty"`
	Commodity ledger.Commodity `json:"commodity"`
	Price     ledger.Money     `json:"price"`
	OK        bool             `json:"ok"`
}

// Core is the boundary between the simulation and everything that drives or
// observes it. Local serves it in-process; api.Client serves it over HTTP.
// All values crossing it are copies.
type Core interface {
	// Entities.
	Create(ctx context.Context, spec EntitySpec) (entity.GID, error)
	Resolve(ctx context.Context, gid entity.GID) (EntityView, error)
	MarkDead(ctx context.Context, gid entity.GID) error
	IsLive(ctx context.Context, gid entity.GID) (bool, error)

	// Clock.
	Now(ctx context.Context) (clock.Time, error)
	Advance(ctx context.Context, delta clock.Time) (int, error)
	ScheduleWithJitter(ctx context.Context, gid entity.GID, interval clock.Time) (clock.Time, error)
	SetMode(ctx context.Context, mode clock.Mode) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Events.
	Schedule(ctx context.Context, spec EventSpec) (event.ID, error)
	Cancel(ctx context.Context, id event.ID) (bool, error)
	DrainUpTo(ctx context.Context, t clock.Time, budget event.Budget) (int, error)

	// Markets.
	PlaceOrder(ctx context.Context, req OrderRequest) (market.OrderID, error)
	CancelOrder(ctx context.Context, id market.OrderID) (bool, error)
	AmendOrder(ctx context.Context, id market.OrderID, price ledger.Money, qty int64) (bool, error)
	BestBid(ctx context.Context, c ledger.Commodity) (Quote, error)
	BestOffer(ctx context.Context, c ledger.Commodity) (Quote, error)
	OnTrade(ctx context.Context, fn market.TradeObserver) (unsubscribe func(), err error)
}

// Local serves Core against an in-process simulation, serialising every call
// with one mutex. The real-time driver shares the same lock.
type Local struct {
	mu  sync.Mutex
	sim *Simulation
}

var _ Core = (*Local)(nil)

// NewLocal wraps sim.
func NewLocal(sim *Simulation) *Local { return &Local{sim: sim} }

// Do runs fn with exclusive access to the simulation.
func (l *Local) Do(fn func(*Simulation)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.sim)
}

func (l *Local) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	return nil
}

func (l *Local) Create(ctx context.Context, spec EntitySpec) (entity.GID, error) {
	if err := l.lock(ctx); err != nil {
		return entity.NoGID, err
	}
	defer l.mu.Unlock()
	return l.sim.Create(spec)
}

func (l *Local) Resolve(ctx context.Context, gid entity.GID) (EntityView, error) {
	if err := l.lock(ctx); err != nil {
		return EntityView{}, err
	}
	defer l.mu.Unlock()
	return l.sim.View(gid)
}

func (l *Local) MarkDead(ctx context.Context, gid entity.GID) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.mu.Unlock()
	return l.sim.Destroy(gid)
}

func (l *Local) IsLive(ctx context.Context, gid entity.GID) (bool, error) {
	if err := l.lock(ctx); err != nil {
		return false, err
	}
	defer l.mu.Unlock()
	return l.sim.Registry.IsLive(gid), nil
}

func (l *Local) Now(ctx context.Context) (clock.Time, error) {
	if err := l.lock(ctx); err != nil {
		return 0, err
	}
	defer l.mu.Unlock()
	return l.sim.Clock.Now(), nil
}

// Advance runs the simulation forward delta days. In real-time mode the
// clock cannot be pushed ahead of wall time, so this only drains what is due.
func (l *Local) Advance(ctx context.Context, delta clock.Time) (int, error) {
	if err := l.lock(ctx); err != nil {
		return 0, err
	}
	defer l.mu.Unlock()
	return l.sim.Advance(delta)
}

func (l *Local) ScheduleWithJitter(ctx context.Context, gid entity.GID, interval clock.Time) (clock.Time, error) {
	if err := l.lock(ctx); err != nil {
		return 0, err
	}
	defer l.mu.Unlock()
	return l.sim.Clock.ScheduleWithJitter(gid, interval), nil
}

func (l *Local) SetMode(ctx context.Context, mode clock.Mode) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.mu.Unlock()
	l.sim.Clock.SetMode(mode)
	return nil
}

func (l *Local) Pause(ctx context.Context) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.mu.Unlock()
	l.sim.Clock.Pause()
	return nil
}

func (l *Local) Resume(ctx context.Context) error {
	if err := l.lock(ctx); err != nil {
		return err
	}
	defer l.mu.Unlock()
	l.sim.Clock.Resume()
	return nil
}

func (l *Local) Schedule(ctx context.Context, spec EventSpec) (event.ID, error) {
	if err := l.lock(ctx); err != nil {
		return 0, err
	}
	defer l.mu.Unlock()
	return l.sim.Schedule(spec)
}

func (l *Local) Cancel(ctx context.Context, id event.ID) (bool, error) {
	if err := l.lock(ctx); err != nil {
		return false, err
	}
	defer l.mu.Unlock()
	return l.sim.Queue.Cancel(id), nil
}

func (l *Local) DrainUpTo(ctx context.Context, t clock.Time, budget event.Budget) (int, error) {
	if err := l.lock(ctx); err != nil {
		return 0, err
	}
	defer l.mu.Unlock()
	return l.sim.DrainUpTo(t, budget)
}

func (l *Local) PlaceOrder(ctx context.Context, req OrderRequest) (market.OrderID, error) {
	if err := l.lock(ctx); err != nil {
		return 0, err
	}
	defer l.mu.Unlock()
	var opts []market.Option
	if req.IOC {
		opts = append(opts, market.ImmediateOrCancel())
	}
	v := market.Venue{Location: req.Location, Commodity: req.Commodity}
	return l.sim.Market.PlaceAt(req.Owner, v, req.Side, req.Price, req.Quantity, opts...)
}

func (l *Local) CancelOrder(ctx context.Context, id market.OrderID) (bool, error) {
	if err := l.lock(ctx); err != nil {
		return false, err
	}
	defer l.mu.Unlock()
	return l.sim.Market.Cancel(id), nil
}

func (l *Local) AmendOrder(ctx context.Context, id market.OrderID, price ledger.Money, qty int64) (bool, error) {
	if err := l.lock(ctx); err != nil {
		return false, err
	}
	defer l.mu.Unlock()
	return l.sim.Market.Amend(id, price, qty)
}

func (l *Local) BestBid(ctx context.Context, c ledger.Commodity) (Quote, error) {
	if err := l.lock(ctx); err != nil {
		return Quote{}, err
	}
	defer l.mu.Unlock()
	p, ok := l.sim.Market.BestBid(c)
	return Quote{Commodity: c, Price: p, OK: ok}, nil
}

func (l *Local) BestOffer(ctx context.Context, c ledger.Commodity) (Quote, error) {
	if err := l.lock(ctx); err != nil {
		return Quote{}, err
	}
	defer l.mu.Unlock()
	p, ok := l.sim.Market.BestOffer(c)
	return Quote{Commodity: c, Price: p, OK: ok}, nil
}

// OnTrade registers fn. It runs under the simulation lock and must not call
// back into Local.
func (l *Local) OnTrade(ctx context.Context, fn market.TradeObserver) (func(), error) {
	if err := l.lock(ctx); err != nil {
		return nil, err
	}
	defer l.mu.Unlock()
	unsub := l.sim.OnTrade(fn)
	return func() { l.Do(func(*Simulation) { unsub() }) }, nil
}
