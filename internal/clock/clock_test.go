package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/starmacro/internal/clock"
)

func TestCalendar(t *testing.T) {
	tm := clock.Time(123.25)
	assert.Equal(t, 123, tm.Day())
	assert.Equal(t, 12, tm.Month())
	assert.Equal(t, 1, tm.Year())
	assert.InDelta(t, 0.25, tm.DayFraction(), 1e-12)
	assert.Equal(t, "Starday 4, Starmonth 3, Year 2 +0.250", tm.String())
	assert.Equal(t, clock.Time(123), tm.Floor())
}

func TestJitterSequence(t *testing.T) {
	var j clock.Jitter
	want := []float64{0.5, 0.05, 0.55, 0.1, 0.6}
	for i, w := range want {
		assert.InDelta(t, w, j.Next(), 1e-12, "draw %d", i)
	}
	j.Reset()
	assert.InDelta(t, 0.5, j.Next(), 1e-12)

	// The sequence ends on 1 and wraps to 0.
	j.Reset()
	var last float64
	for i := 0; i < 20; i++ {
		last = j.Next()
	}
	assert.InDelta(t, 1.0, last, 1e-12)
	assert.InDelta(t, 0.0, j.Next(), 1e-12)
}

func TestBatchAdvance(t *testing.T) {
	c := clock.New(clock.Options{})
	require.NoError(t, c.Advance(1.5))
	assert.Equal(t, clock.Time(1.5), c.Now())
	assert.ErrorIs(t, c.Advance(-1), clock.ErrBackwards)

	c.AdvanceTo(1.0)
	assert.Equal(t, clock.Time(1.5), c.Now())
	c.AdvanceTo(3)
	assert.Equal(t, clock.Time(3), c.Now())

	// Sync is inert outside real-time mode.
	assert.Equal(t, clock.Time(3), c.Sync(10, true))
}

func TestRealTimeSyncStopsAtPendingEvent(t *testing.T) {
	src := &clock.ManualSource{}
	c := clock.New(clock.Options{Mode: clock.RealTime, DayLength: 8 * time.Second, Source: src})

	src.Add(2 * time.Second)
	assert.InDelta(t, 0.25, float64(c.Sync(0, false)), 1e-9)

	src.Add(4 * time.Second)
	assert.InDelta(t, 0.3, float64(c.Sync(0.3, true)), 1e-9)

	// The event at 0.3 is still pending: time stands still.
	src.Add(4 * time.Second)
	assert.InDelta(t, 0.3, float64(c.Sync(0.3, true)), 1e-9)

	// Once it is gone, the stalled wall time is credited.
	assert.InDelta(t, 0.8, float64(c.Sync(5, true)), 1e-9)
}

func TestPauseRebases(t *testing.T) {
	src := &clock.ManualSource{}
	c := clock.New(clock.Options{Mode: clock.RealTime, DayLength: time.Second, Source: src})

	c.Pause()
	src.Add(10 * time.Second)
	assert.Equal(t, clock.Time(0), c.Sync(0, false))
	c.Resume()
	src.Add(time.Second)
	assert.InDelta(t, 1.0, float64(c.Sync(0, false)), 1e-9)
	assert.False(t, c.Paused())
}

func TestSetModeRebases(t *testing.T) {
	src := &clock.ManualSource{}
	c := clock.New(clock.Options{Source: src, DayLength: time.Second})
	src.Add(time.Hour)
	c.SetMode(clock.RealTime)
	src.Add(time.Second)
	assert.InDelta(t, 1.0, float64(c.Sync(0, false)), 1e-9)
	assert.Equal(t, clock.RealTime, c.Mode())
}

func TestDueAndLate(t *testing.T) {
	c := clock.New(clock.Options{Tolerance: 0.01})
	require.NoError(t, c.Advance(1.0049))

	assert.True(t, c.Due(1.0))
	assert.False(t, c.Due(1.01))
	assert.False(t, c.Late(1.0, c.Tolerance()))

	require.NoError(t, c.Advance(0.01))
	assert.True(t, c.Late(1.0, c.Tolerance()))
}

func TestScheduleWithJitterIsStablePerEntity(t *testing.T) {
	c := clock.New(clock.Options{})
	a := c.ScheduleWithJitter(1, 1)
	b := c.ScheduleWithJitter(2, 1)
	assert.InDelta(t, 0.5, float64(a), 1e-12)
	assert.InDelta(t, 0.05, float64(b), 1e-12)

	assert.Equal(t, a, c.ScheduleWithJitter(1, 1))
	assert.InDelta(t, 5.0, float64(c.ScheduleWithJitter(1, 10)), 1e-12)
}

func TestFirstCallMovesPastWindows(t *testing.T) {
	c := clock.New(clock.Options{})
	require.NoError(t, c.Advance(5.5))

	// Draw 0.5 of [0.2, 0.4] is 0.3, which is earlier today: tomorrow it is.
	assert.InDelta(t, 6.3, float64(c.FirstCall(0.2, 0.4)), 1e-9)

	// Draw 0.05 of [0.6, 0.8] is 0.61, later today.
	assert.InDelta(t, 5.61, float64(c.FirstCall(0.6, 0.8)), 1e-9)
}

func TestParseMode(t *testing.T) {
	m, err := clock.ParseMode("realtime")
	require.NoError(t, err)
	assert.Equal(t, clock.RealTime, m)
	_, err = clock.ParseMode("warp")
	assert.Error(t, err)
}
