// Package event provides the pending-event store that drives the simulation.
//
// Events are dispatched in strictly increasing time order with FIFO ties.
// Draining is bounded by a work budget so that a real-time tick never runs
// long; anything left over stays queued for the next tick.
package event

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tidwall/btree"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
)

// MinRepeat is the shortest allowed repeat period, in days.
const MinRepeat clock.Time = 0.01

var (
	// ErrBudgetExhausted is returned by DrainUpTo when due events remain.
	ErrBudgetExhausted = errors.New("drain budget exhausted")
	// ErrBadRepeat rejects repeat periods below MinRepeat.
	ErrBadRepeat = errors.New("repeat period too short")
	// ErrBadTime rejects NaN or infinite schedule times.
	ErrBadTime = errors.New("invalid event time")
)

// ID identifies a scheduled event. A repeating event keeps its ID across recurrences.
type ID uint64

// Action is the work an event performs against its resolved target.
type Action func(target entity.Entity, ev Event) error

// Event is an immutable unit of scheduled work.
type Event struct {
	ID        ID
	Target    entity.GID
	At        clock.Time
	Kind      string
	Tolerance clock.Time // Allowed lateness; zero means the clock default.
	Repeat    clock.Time // Zero for one-shot events.
	Action    Action

	// Requests name data the dispatcher fetches just before the action
	// runs. Results land in Data under each request's key.
	Requests []Request
	Data     map[string]any

	seq uint64
}

// Request asks for one registered query to be answered for an action.
type Request struct {
	Key   string            `json:"key"`
	Query string            `json:"query"`
	Args  map[string]string `json:"args,omitempty"`
}

// Budget bounds one drain. Zero fields are unlimited.
type Budget struct {
	MaxEvents  int
	MaxElapsed time.Duration
}

// Dispatcher runs a due event. The engine implements it by resolving the
// target, moving the clock and invoking the action.
type Dispatcher interface {
	Dispatch(ev Event) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ev Event) error

// Dispatch implements Dispatcher.
func (f DispatchFunc) Dispatch(ev Event) error { return f(ev) }

// Pinner tracks references to entities held by queued events.
type Pinner interface {
	Pin(entity.GID)
	Unpin(entity.GID)
}

// Hooks observe queue activity. Nil fields are skipped.
type Hooks struct {
	Dispatched func(ev Event)
	Dropped    func(ev Event)
	Fault      func(ev Event, err error)
	Exhausted  func(remaining int)
}

// Queue orders events by (time, insertion sequence). It is not safe for
// concurrent use.
type Queue struct {
	tree   *btree.BTreeG[Event]
	byID   map[ID]Event
	nextID ID
	seq    uint64
	pins   Pinner
	hooks  Hooks

	inFlight  ID
	flight    Event
	cancelled bool
}

func less(a, b Event) bool {
	if a.At != b.At {
		return a.At < b.At
	}
	return a.seq < b.seq
}

// NewQueue returns an empty queue. pins may be nil.
func NewQueue(pins Pinner) *Queue {
	return &Queue{
		tree: btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
		byID: make(map[ID]Event),
		pins: pins,
	}
}

// SetHooks installs observers.
func (q *Queue) SetHooks(h Hooks) { q.hooks = h }

// Schedule queues ev and returns its ID. A zero ev.ID is assigned.
func (q *Queue) Schedule(ev Event) (ID, error) {
	if math.IsNaN(float64(ev.At)) || math.IsInf(float64(ev.At), 0) {
		return 0, fmt.Errorf("schedule %s at %v: %w", ev.Kind, ev.At, ErrBadTime)
	}
	if ev.Repeat != 0 && ev.Repeat < MinRepeat {
		return 0, fmt.Errorf("schedule %s repeat %v: %w", ev.Kind, ev.Repeat, ErrBadRepeat)
	}
	if ev.ID == 0 {
		q.nextID++
		ev.ID = q.nextID
	} else if _, dup := q.byID[ev.ID]; dup {
		return 0, fmt.Errorf("schedule %s: duplicate event id %d", ev.Kind, ev.ID)
	}
	if q.pins != nil {
		q.pins.Pin(ev.Target)
	}
	q.insert(ev)
	return ev.ID, nil
}

func (q *Queue) insert(ev Event) {
	q.seq++
	ev.seq = q.seq
	q.tree.Set(ev)
	q.byID[ev.ID] = ev
}

func (q *Queue) remove(ev Event) {
	q.tree.Delete(ev)
	delete(q.byID, ev.ID)
}

func (q *Queue) release(ev Event) {
	if q.pins != nil {
		q.pins.Unpin(ev.Target)
	}
}

// Cancel removes a pending event. It reports false if the event is not
// queued. Cancelling a repeating event from inside its own action stops the
// recurrence.
func (q *Queue) Cancel(id ID) bool {
	ev, ok := q.byID[id]
	if !ok {
		if id != 0 && id == q.inFlight {
			q.cancelled = true
			return true
		}
		return false
	}
	q.remove(ev)
	q.release(ev)
	return true
}

// CancelTarget removes every pending event aimed at gid.
func (q *Queue) CancelTarget(gid entity.GID) int {
	var doomed []Event
	q.tree.Scan(func(ev Event) bool {
		if ev.Target == gid {
			doomed = append(doomed, ev)
		}
		return true
	})
	for _, ev := range doomed {
		q.remove(ev)
		q.release(ev)
	}
	if q.inFlight != 0 && q.flight.Target == gid {
		q.cancelled = true
	}
	return len(doomed)
}

// Peek returns the earliest pending event.
func (q *Queue) Peek() (Event, bool) { return q.tree.Min() }

// Get returns a pending event by ID.
func (q *Queue) Get(id ID) (Event, bool) {
	ev, ok := q.byID[id]
	return ev, ok
}

// Len returns the number of pending events.
func (q *Queue) Len() int { return q.tree.Len() }

// DueCount returns how many events are at or before horizon.
func (q *Queue) DueCount(horizon clock.Time) int {
	n := 0
	q.tree.Scan(func(ev Event) bool {
		if ev.At > horizon+clock.Epsilon {
			return false
		}
		n++
		return true
	})
	return n
}

// DrainUpTo dispatches events scheduled at or before horizon, in order,
// until the queue has nothing due or the budget runs out. Events whose target
// is gone are dropped silently and do not repeat. Any other failure is logged
// as a fault and the drain continues.
func (q *Queue) DrainUpTo(horizon clock.Time, budget Budget, d Dispatcher) (int, error) {
	start := time.Now()
	processed := 0

	for {
		ev, ok := q.tree.Min()
		if !ok || ev.At > horizon+clock.Epsilon {
			return processed, nil
		}
		if budget.MaxEvents > 0 && processed >= budget.MaxEvents ||
			budget.MaxElapsed > 0 && processed > 0 && time.Since(start) >= budget.MaxElapsed {
			remaining := q.DueCount(horizon)
			if q.hooks.Exhausted != nil {
				q.hooks.Exhausted(remaining)
			}
			return processed, fmt.Errorf("%d events left at %v: %w", remaining, horizon, ErrBudgetExhausted)
		}

		q.remove(ev)
		processed++
		q.dispatch(ev, d)
	}
}

func (q *Queue) dispatch(ev Event, d Dispatcher) {
	q.inFlight, q.flight, q.cancelled = ev.ID, ev, false
	defer func() { q.inFlight, q.flight = 0, Event{} }()

	err := q.safeDispatch(ev, d)
	switch {
	case errors.Is(err, entity.ErrNotFound):
		slog.Debug("event target gone, dropped", "event", ev.ID, "kind", ev.Kind, "gid", ev.Target)
		if q.hooks.Dropped != nil {
			q.hooks.Dropped(ev)
		}
		q.release(ev)
		return
	case err != nil:
		slog.Warn("event fault", "event", ev.ID, "kind", ev.Kind, "gid", ev.Target, "at", float64(ev.At), "error", err)
		if q.hooks.Fault != nil {
			q.hooks.Fault(ev, err)
		}
	default:
		if q.hooks.Dispatched != nil {
			q.hooks.Dispatched(ev)
		}
	}

	if ev.Repeat > 0 && !q.cancelled {
		ev.At += ev.Repeat
		q.insert(ev)
		return
	}
	q.release(ev)
}

func (q *Queue) safeDispatch(ev Event, d Dispatcher) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(interface{ Fatal() bool }); ok && f.Fatal() {
				panic(r)
			}
			if e, ok := r.(error); ok && errors.Is(e, entity.ErrNotFound) {
				err = e
				return
			}
			err = fmt.Errorf("panic in %s handler: %v", ev.Kind, r)
		}
	}()
	return d.Dispatch(ev)
}
