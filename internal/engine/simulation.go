// Package engine ties the registry, clock, event queue and markets into one
// explicitly constructed simulation context and drives it forward.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
	"github.com/talgya/starmacro/internal/metrics"
)

// Config holds the core's tunables.
type Config struct {
	Mode      clock.Mode
	DayLength time.Duration // Real duration of one simulated day in real-time mode.
	Tolerance clock.Time    // Default allowed lateness for events.
	Budget    event.Budget  // Per-tick work ceiling in real-time mode.

	// StrictInvariants panics on a broken ledger invariant. Otherwise the
	// offending entity is logged and quarantined.
	StrictInvariants bool

	Source clock.Source // Monotonic source; nil uses the system clock.
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Mode:      clock.Batch,
		DayLength: clock.DefaultDayLength,
		Tolerance: 0.01,
		Budget:    event.Budget{MaxEvents: 500, MaxElapsed: 20 * time.Millisecond},
	}
}

// Notable is a newsworthy occurrence kept for the status API and the journal.
type Notable struct {
	At          clock.Time `json:"at"`
	Description string     `json:"description"`
	Category    string     `json:"category"` // "lifecycle", "fault", "invariant", "market"
}

// Stats counts core activity since start.
type Stats struct {
	Dispatched int   `json:"dispatched"`
	Dropped    int   `json:"dropped"`
	Faults     int   `json:"faults"`
	Late       int   `json:"late"`
	Exhausted  int   `json:"exhausted"`
	Trades     int   `json:"trades"`
	Volume     int64 `json:"volume"`
	Aborts     int   `json:"aborts"`
	Violations int   `json:"violations"`
}

// Sample is one time-series observation.
type Sample struct {
	GID    entity.GID `json:"gid"`
	Series string     `json:"series"`
	At     clock.Time `json:"at"`
	Value  float64    `json:"value"`
}

// Recurring describes a repeating event an entity wants from birth. The first
// occurrence lands at a jittered point in the daily Window.
type Recurring struct {
	Kind     string
	Window   [2]clock.Time
	Repeat   clock.Time
	Action   event.Action
	Requests []event.Request
}

// Scheduler is implemented by entities with recurring work.
type Scheduler interface {
	Recurring() []Recurring
}

// Simulation is the simulation context. It owns every subsystem and is
// passed explicitly; nothing in the core is global. It is not safe for
// concurrent use; Local serialises access for transports.
type Simulation struct {
	cfg Config

	Registry *entity.Registry
	Clock    *clock.Clock
	Queue    *event.Queue
	Market   *market.Market

	Stats  Stats
	Events []Notable // Recent notable events, newest last.

	handlers    map[string]event.Action
	factories   map[string]Factory
	queries     map[string]Query
	series      []func(Sample)
	notables    []func(Notable)
	subs        []*subscription
	quarantined map[entity.GID]string
}

// New builds a simulation from cfg.
func New(cfg Config) *Simulation {
	reg := entity.NewRegistry()
	s := &Simulation{
		cfg:      cfg,
		Registry: reg,
		Clock: clock.New(clock.Options{
			Mode:      cfg.Mode,
			DayLength: cfg.DayLength,
			Tolerance: cfg.Tolerance,
			Source:    cfg.Source,
		}),
		Queue:       event.NewQueue(reg),
		handlers:    make(map[string]event.Action),
		factories:   make(map[string]Factory),
		queries:     make(map[string]Query),
		quarantined: make(map[entity.GID]string),
	}
	s.Market = market.New(reg, s.Clock.Now)
	s.registerBuiltinQueries()
	s.RegisterKind("location", func(gid entity.GID, spec EntitySpec) entity.Entity {
		return &Location{Base: entity.Base{ID: gid, Name: spec.Name}, X: spec.Params["x"], Y: spec.Params["y"]}
	})

	s.Queue.SetHooks(event.Hooks{
		Dispatched: func(ev event.Event) {
			s.Stats.Dispatched++
			metrics.EventsDispatched.WithLabelValues(ev.Kind).Inc()
		},
		Dropped: func(event.Event) {
			s.Stats.Dropped++
			metrics.EventsDropped.Inc()
		},
		Fault: func(ev event.Event, err error) {
			s.Stats.Faults++
			metrics.EventFaults.WithLabelValues(ev.Kind).Inc()
			s.note("fault", fmt.Sprintf("%s on %d: %v", ev.Kind, ev.Target, err))
		},
		Exhausted: func(int) {
			s.Stats.Exhausted++
			metrics.BudgetExhausted.Inc()
		},
	})
	s.Market.SetHooks(market.Hooks{
		Aborted: func(bid, ask market.Order) {
			s.Stats.Aborts++
			metrics.MatchAborts.Inc()
		},
		Violation: s.invariant,
	})
	s.Market.OnTrade(func(tr market.Trade) {
		s.Stats.Trades++
		s.Stats.Volume += tr.Quantity
		metrics.TradesTotal.WithLabelValues(string(tr.Commodity)).Inc()
		metrics.TradeVolume.WithLabelValues(string(tr.Commodity)).Add(float64(tr.Quantity))
		for _, sub := range s.subs {
			sub.fn(tr)
		}
	})
	return s
}

// Config returns the configuration the simulation was built with.
func (s *Simulation) Config() Config { return s.cfg }

// Now returns the current simulated time.
func (s *Simulation) Now() clock.Time { return s.Clock.Now() }

// Dispatch implements event.Dispatcher: resolve the target, bring the clock
// up to the event in batch mode, then run the action.
func (s *Simulation) Dispatch(ev event.Event) error {
	target, err := s.Registry.Resolve(ev.Target)
	if err != nil {
		return err
	}
	if s.Clock.Mode() == clock.Batch {
		s.Clock.AdvanceTo(ev.At)
	}
	tol := ev.Tolerance
	if tol == 0 {
		tol = s.Clock.Tolerance()
	}
	if s.Clock.Late(ev.At, tol) {
		s.Stats.Late++
		metrics.EventsLate.Inc()
	}
	if ev.Action == nil {
		return fmt.Errorf("event %d (%s) has no action", ev.ID, ev.Kind)
	}
	if len(ev.Requests) > 0 {
		if ev.Data, err = s.fetch(ev.Target, ev.Requests); err != nil {
			return fmt.Errorf("event %d (%s): %w", ev.ID, ev.Kind, err)
		}
	}
	return ev.Action(target, ev)
}

// Spawn creates an entity and queues its recurring events.
func (s *Simulation) Spawn(factory func(entity.GID) entity.Entity) entity.GID {
	gid := s.Registry.Create(factory)
	ent, _ := s.Registry.Resolve(gid)
	if _, ok := ent.(*Location); ok {
		s.Market.AddLocation(gid)
	}
	if sch, ok := ent.(Scheduler); ok {
		for _, r := range sch.Recurring() {
			if err := s.ValidateRequests(r.Requests); err != nil {
				slog.Error("recurring event rejected", "gid", gid, "kind", r.Kind, "error", err)
				continue
			}
			at := s.Clock.FirstCall(r.Window[0], r.Window[1])
			if _, err := s.Queue.Schedule(event.Event{
				Target:   gid,
				At:       at,
				Kind:     r.Kind,
				Repeat:   r.Repeat,
				Action:   r.Action,
				Requests: r.Requests,
			}); err != nil {
				slog.Error("recurring event rejected", "gid", gid, "kind", r.Kind, "error", err)
			}
		}
	}
	metrics.LiveEntities.Set(float64(s.Registry.LiveCount()))
	return gid
}

// After queues a one-shot action delay days from now.
func (s *Simulation) After(target entity.GID, delay clock.Time, kind string, action event.Action) (event.ID, error) {
	return s.Queue.Schedule(event.Event{Target: target, At: s.Clock.Now() + delay, Kind: kind, Action: action})
}

// Every queues a repeating action. The first run is phase-staggered by the
// target's jitter offset within the period.
func (s *Simulation) Every(target entity.GID, period clock.Time, kind string, action event.Action) (event.ID, error) {
	at := s.Clock.Now() + s.Clock.ScheduleWithJitter(target, period)
	return s.Queue.Schedule(event.Event{Target: target, At: at, Kind: kind, Repeat: period, Action: action})
}

// Destroy marks an entity dead. Its queued events and resting orders are
// dropped lazily as they come up.
func (s *Simulation) Destroy(gid entity.GID) error {
	if err := s.Registry.MarkDead(gid); err != nil {
		return err
	}
	s.Clock.Forget(gid)
	metrics.LiveEntities.Set(float64(s.Registry.LiveCount()))
	return nil
}

// Reap withdraws resting orders of dead entities so their last pins go.
func (s *Simulation) Reap() int {
	n := 0
	for _, gid := range s.Registry.Dead() {
		n += s.Market.CancelOwner(gid)
	}
	s.Registry.Sweep()
	return n
}

type fatalInvariant struct{ err error }

func (f fatalInvariant) Error() string { return f.err.Error() }
func (f fatalInvariant) Unwrap() error { return f.err }

// Fatal marks the panic as one the event queue must not swallow.
func (fatalInvariant) Fatal() bool { return true }

// invariant applies the invariant policy: panic in strict mode, otherwise
// quarantine the entity so the damage cannot spread.
func (s *Simulation) invariant(err *ledger.InvariantError) {
	s.Stats.Violations++
	metrics.InvariantViolations.Inc()
	if s.cfg.StrictInvariants {
		panic(fatalInvariant{err})
	}
	s.Quarantine(err.Owner, err.Detail)
}

// Quarantine marks an entity dead after a ledger corruption.
func (s *Simulation) Quarantine(gid entity.GID, reason string) {
	if gid == entity.NoGID {
		return
	}
	s.quarantined[gid] = reason
	slog.Error("entity quarantined", "gid", gid, "reason", reason)
	s.note("invariant", fmt.Sprintf("entity %d quarantined: %s", gid, reason))
	if err := s.Registry.MarkDead(gid); err != nil && !errors.Is(err, entity.ErrNotFound) {
		slog.Error("quarantine failed", "gid", gid, "error", err)
	}
}

// Quarantined reports entities pulled after invariant violations.
func (s *Simulation) Quarantined() map[entity.GID]string {
	out := make(map[entity.GID]string, len(s.quarantined))
	for k, v := range s.quarantined {
		out[k] = v
	}
	return out
}

// CheckInvariants verifies every live holder's books and every resting order,
// applying the invariant policy to the first failure found.
func (s *Simulation) CheckInvariants() error {
	if err := s.Market.Check(); err != nil {
		var ie *ledger.InvariantError
		if errors.As(err, &ie) {
			s.invariant(ie)
		}
		return err
	}
	for _, gid := range s.Registry.Live() {
		ent, err := s.Registry.Resolve(gid)
		if err != nil {
			continue
		}
		type checker interface{ Check() error }
		c, ok := ent.(checker)
		if !ok {
			continue
		}
		if err := c.Check(); err != nil {
			var ie *ledger.InvariantError
			if errors.As(err, &ie) {
				s.invariant(ie)
			}
			return err
		}
	}
	return nil
}

// Tick is one real-time step: bring the clock up to wall time without
// passing the earliest pending event, then drain what is due within budget.
func (s *Simulation) Tick() (int, error) {
	next, pending := s.Queue.Peek()
	s.Clock.Sync(next.At, pending)
	n, err := s.Queue.DrainUpTo(s.Clock.Now(), s.cfg.Budget, s)
	s.gauges()
	return n, err
}

// Step drains events already due at the current time within budget without
// moving the clock.
func (s *Simulation) Step(budget event.Budget) (int, error) {
	n, err := s.Queue.DrainUpTo(s.Clock.Now(), budget, s)
	s.gauges()
	return n, err
}

// Quiescent reports whether no event is due at the current time. The clock
// only moves on from a quiescent state.
func (s *Simulation) Quiescent() bool {
	return s.Queue.DueCount(s.Clock.Now()) == 0
}

// RunUntil drains every event up to horizon with no budget and leaves the
// clock at horizon.
func (s *Simulation) RunUntil(horizon clock.Time) (int, error) {
	n, err := s.DrainUpTo(horizon, event.Budget{})
	return n, err
}

// Advance runs the simulation forward by delta days.
func (s *Simulation) Advance(delta clock.Time) (int, error) {
	if delta < 0 {
		return 0, fmt.Errorf("advance %v: %w", delta, clock.ErrBackwards)
	}
	return s.DrainUpTo(s.Clock.Now()+delta, event.Budget{})
}

// DrainUpTo dispatches events up to t within budget. In batch mode the clock
// follows the events and finishes at t, unless the budget left due events
// behind, in which case it stays with them. A real-time clock is never
// pushed ahead of wall time, so t is capped at now.
func (s *Simulation) DrainUpTo(t clock.Time, budget event.Budget) (int, error) {
	if s.Clock.Mode() == clock.RealTime && t > s.Clock.Now() {
		t = s.Clock.Now()
	}
	n, err := s.Queue.DrainUpTo(t, budget, s)
	if err == nil && s.Clock.Mode() == clock.Batch {
		s.Clock.AdvanceTo(t)
	}
	s.gauges()
	return n, err
}

func (s *Simulation) gauges() {
	metrics.SimTime.Set(float64(s.Clock.Now()))
	metrics.PendingEvents.Set(float64(s.Queue.Len()))
	metrics.LiveEntities.Set(float64(s.Registry.LiveCount()))
}

type subscription struct{ fn market.TradeObserver }

// OnTrade registers a settlement observer and returns a function removing
// it. Observers run synchronously inside matching and must not block.
func (s *Simulation) OnTrade(fn market.TradeObserver) (unsubscribe func()) {
	sub := &subscription{fn: fn}
	s.subs = append(s.subs, sub)
	return func() {
		for i, x := range s.subs {
			if x == sub {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// OnSample registers a time-series sink.
func (s *Simulation) OnSample(fn func(Sample)) { s.series = append(s.series, fn) }

// Record emits a time-series observation at the current time.
func (s *Simulation) Record(gid entity.GID, series string, value float64) {
	sm := Sample{GID: gid, Series: series, At: s.Clock.Now(), Value: value}
	for _, fn := range s.series {
		fn(sm)
	}
}

// OnNotable registers a sink for notable events.
func (s *Simulation) OnNotable(fn func(Notable)) { s.notables = append(s.notables, fn) }

func (s *Simulation) note(category, desc string) {
	n := Notable{At: s.Clock.Now(), Description: desc, Category: category}
	for _, fn := range s.notables {
		fn(n)
	}
	s.Events = append(s.Events, n)
	if len(s.Events) > 1000 {
		s.Events = s.Events[len(s.Events)-1000:]
	}
}

// Note records a notable event.
func (s *Simulation) Note(category, desc string) { s.note(category, desc) }
