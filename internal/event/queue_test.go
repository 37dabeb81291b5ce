package event_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
)

type dummy struct{ entity.Base }

func (p *dummy) Kind() string { return "dummy" }

// harness resolves targets through a real registry, the way the engine does.
type harness struct {
	reg *entity.Registry
	q   *event.Queue
	log []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := entity.NewRegistry()
	return &harness{reg: reg, q: event.NewQueue(reg)}
}

func (h *harness) spawn(name string) entity.GID {
	return h.reg.Create(func(g entity.GID) entity.Entity {
		return &dummy{Base: entity.Base{ID: g, Name: name}}
	})
}

func (h *harness) Dispatch(ev event.Event) error {
	target, err := h.reg.Resolve(ev.Target)
	if err != nil {
		return err
	}
	return ev.Action(target, ev)
}

func (h *harness) record(label string) event.Action {
	return func(target entity.Entity, ev event.Event) error {
		h.log = append(h.log, fmt.Sprintf("%s@%g", label, float64(ev.At)))
		return nil
	}
}

func (h *harness) schedule(t *testing.T, target entity.GID, at clock.Time, label string) event.ID {
	t.Helper()
	id, err := h.q.Schedule(event.Event{Target: target, At: at, Kind: label, Action: h.record(label)})
	require.NoError(t, err)
	return id
}

func TestDrainOrdersByTimeThenFIFO(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")

	h.schedule(t, a, 2, "late")
	h.schedule(t, a, 1, "first")
	h.schedule(t, a, 1, "second")
	h.schedule(t, a, 1, "third")
	h.schedule(t, a, 5, "future")

	n, err := h.q.DrainUpTo(2, event.Budget{}, h)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"first@1", "second@1", "third@1", "late@2"}, h.log)
	assert.Equal(t, 1, h.q.Len())
}

func TestBudgetLeavesDueEventsQueued(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")
	for i := 0; i < 5; i++ {
		h.schedule(t, a, 1, fmt.Sprint(i))
	}

	n, err := h.q.DrainUpTo(1, event.Budget{MaxEvents: 3}, h)
	assert.ErrorIs(t, err, event.ErrBudgetExhausted)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, h.q.DueCount(1))

	n, err = h.q.DrainUpTo(1, event.Budget{MaxEvents: 3}, h)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"0@1", "1@1", "2@1", "3@1", "4@1"}, h.log)
}

func TestElapsedBudgetAlwaysMakesProgress(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")
	slow := func(entity.Entity, event.Event) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}
	for i := 0; i < 3; i++ {
		_, err := h.q.Schedule(event.Event{Target: a, At: 0, Action: slow})
		require.NoError(t, err)
	}

	n, err := h.q.DrainUpTo(0, event.Budget{MaxElapsed: time.Nanosecond}, h)
	assert.ErrorIs(t, err, event.ErrBudgetExhausted)
	assert.Equal(t, 1, n)
}

func TestDeadTargetDroppedSilently(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")
	b := h.spawn("b")

	var dropped []entity.GID
	h.q.SetHooks(event.Hooks{Dropped: func(ev event.Event) { dropped = append(dropped, ev.Target) }})

	_, err := h.q.Schedule(event.Event{Target: a, At: 1, Repeat: 1, Kind: "daily", Action: h.record("a")})
	require.NoError(t, err)
	h.schedule(t, b, 1, "b")
	require.NoError(t, h.reg.MarkDead(a))
	assert.Equal(t, 2, h.reg.Retained(), "dead entity retained while an event pins it")

	n, err := h.q.DrainUpTo(10, event.Budget{}, h)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"b@1"}, h.log)
	assert.Equal(t, []entity.GID{a}, dropped)
	assert.Equal(t, 0, h.q.Len(), "a dropped repeating event does not come back")

	_, ok := h.reg.Remains(a)
	assert.False(t, ok, "last pin released, entity removed")
}

func TestFaultsDoNotStopDrain(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")

	faults := 0
	h.q.SetHooks(event.Hooks{Fault: func(event.Event, error) { faults++ }})

	_, err := h.q.Schedule(event.Event{Target: a, At: 1, Kind: "err", Action: func(entity.Entity, event.Event) error {
		return errors.New("bad input")
	}})
	require.NoError(t, err)
	_, err = h.q.Schedule(event.Event{Target: a, At: 1, Kind: "panic", Action: func(entity.Entity, event.Event) error {
		panic("boom")
	}})
	require.NoError(t, err)
	h.schedule(t, a, 1, "ok")

	n, err := h.q.DrainUpTo(1, event.Budget{}, h)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, faults)
	assert.Equal(t, []string{"ok@1"}, h.log)
}

type fatal struct{}

func (fatal) Fatal() bool { return true }

func TestFatalPanicsPropagate(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")
	_, err := h.q.Schedule(event.Event{Target: a, At: 0, Action: func(entity.Entity, event.Event) error {
		panic(fatal{})
	}})
	require.NoError(t, err)

	assert.Panics(t, func() { _, _ = h.q.DrainUpTo(0, event.Budget{}, h) })
}

func TestRepeatKeepsIDAndCanBeCancelled(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")

	id, err := h.q.Schedule(event.Event{Target: a, At: 0.5, Repeat: 1, Kind: "daily", Action: h.record("d")})
	require.NoError(t, err)

	_, err = h.q.DrainUpTo(2.6, event.Budget{}, h)
	require.NoError(t, err)
	assert.Equal(t, []string{"d@0.5", "d@1.5", "d@2.5"}, h.log)

	next, ok := h.q.Get(id)
	require.True(t, ok)
	assert.Equal(t, clock.Time(3.5), next.At)

	assert.True(t, h.q.Cancel(id))
	assert.False(t, h.q.Cancel(id))
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, 0, h.reg.Pins(a))
}

func TestSelfCancelStopsRecurrence(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")

	var id event.ID
	runs := 0
	id, err := h.q.Schedule(event.Event{Target: a, At: 0, Repeat: 1, Action: func(entity.Entity, event.Event) error {
		runs++
		if runs == 2 {
			h.q.Cancel(id)
		}
		return nil
	}})
	require.NoError(t, err)

	_, err = h.q.DrainUpTo(10, event.Budget{}, h)
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	assert.Equal(t, 0, h.q.Len())
}

func TestCancelTarget(t *testing.T) {
	h := newHarness(t)
	a := h.spawn("a")
	b := h.spawn("b")
	h.schedule(t, a, 1, "a1")
	h.schedule(t, a, 2, "a2")
	h.schedule(t, b, 1, "b1")

	assert.Equal(t, 2, h.q.CancelTarget(a))
	assert.Equal(t, 1, h.q.Len())
	assert.Equal(t, 0, h.reg.Pins(a))
}

func TestScheduleValidation(t *testing.T) {
	q := event.NewQueue(nil)

	_, err := q.Schedule(event.Event{At: 1, Repeat: 0.001})
	assert.ErrorIs(t, err, event.ErrBadRepeat)

	_, err = q.Schedule(event.Event{At: clock.Time(nan())})
	assert.ErrorIs(t, err, event.ErrBadTime)

	id, err := q.Schedule(event.Event{ID: 42, At: 1})
	require.NoError(t, err)
	assert.Equal(t, event.ID(42), id)
	_, err = q.Schedule(event.Event{ID: 42, At: 2})
	assert.Error(t, err)
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}
