package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talgya/starmacro/internal/entity"
)

// Mode selects how the clock is driven.
type Mode uint8

const (
	// Batch mode advances only on request, draining events up to a horizon.
	Batch Mode = iota
	// RealTime mode advances with a monotonic wall clock.
	RealTime
)

func (m Mode) String() string {
	if m == RealTime {
		return "realtime"
	}
	return "batch"
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts "batch" or "realtime".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "batch", "sim":
		return Batch, nil
	case "realtime", "real-time":
		return RealTime, nil
	}
	return Batch, fmt.Errorf("unknown clock mode %q", s)
}

// Epsilon absorbs float error when comparing times.
const Epsilon Time = 1e-9

// DefaultDayLength is the real duration of one simulated day.
const DefaultDayLength = 8 * time.Second

// ErrBackwards is returned when asked to move time backwards.
var ErrBackwards = errors.New("clock cannot move backwards")

// Source is a monotonic elapsed-time source.
type Source interface {
	Elapsed() time.Duration
}

// SystemSource reads the process monotonic clock.
type SystemSource struct{ start time.Time }

// NewSystemSource starts a monotonic source at the current instant.
func NewSystemSource() *SystemSource { return &SystemSource{start: time.Now()} }

// Elapsed implements Source.
func (s *SystemSource) Elapsed() time.Duration { return time.Since(s.start) }

// ManualSource is a Source moved by hand. Useful for tests and replays.
type ManualSource struct {
	mu sync.Mutex
	d  time.Duration
}

// Elapsed implements Source.
func (m *ManualSource) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d
}

// Add moves the source forward.
func (m *ManualSource) Add(d time.Duration) {
	m.mu.Lock()
	m.d += d
	m.mu.Unlock()
}

// Options configures a Clock.
type Options struct {
	Mode      Mode
	DayLength time.Duration // Real duration of one simulated day (real-time mode).
	Tolerance Time          // Default lateness allowed for deadlines.
	Source    Source
	Start     Time
}

// Clock is the single source of "now". It is not safe for concurrent use.
type Clock struct {
	mode      Mode
	now       Time
	dayLength time.Duration
	tolerance Time
	src       Source
	base      time.Duration
	paused    bool

	jitter  Jitter
	offsets map[entity.GID]Time
}

// New creates a clock. Zero options give a batch clock at time 0.
func New(opts Options) *Clock {
	if opts.DayLength <= 0 {
		opts.DayLength = DefaultDayLength
	}
	if opts.Source == nil {
		opts.Source = NewSystemSource()
	}
	c := &Clock{
		mode:      opts.Mode,
		now:       opts.Start,
		dayLength: opts.DayLength,
		tolerance: opts.Tolerance,
		src:       opts.Source,
		offsets:   make(map[entity.GID]Time),
	}
	c.base = c.src.Elapsed()
	return c
}

// Now returns the current simulated time.
func (c *Clock) Now() Time { return c.now }

// Mode returns the operating mode.
func (c *Clock) Mode() Mode { return c.mode }

// SetMode switches mode. Entering real-time rebases the monotonic reference
// so that time spent in batch mode is not replayed.
func (c *Clock) SetMode(m Mode) {
	if m == RealTime && c.mode != RealTime {
		c.base = c.src.Elapsed()
	}
	c.mode = m
}

// DayLength returns the real duration of one simulated day.
func (c *Clock) DayLength() time.Duration { return c.dayLength }

// SetDayLength changes the real-time speed. The reference is rebased so the
// change applies from now on.
func (c *Clock) SetDayLength(d time.Duration) {
	if d <= 0 {
		return
	}
	c.base = c.src.Elapsed()
	c.dayLength = d
}

// Tolerance returns the default deadline tolerance.
func (c *Clock) Tolerance() Time { return c.tolerance }

// Advance moves time forward by delta days.
func (c *Clock) Advance(delta Time) error {
	if delta < 0 {
		return fmt.Errorf("advance %v: %w", delta, ErrBackwards)
	}
	c.now += delta
	return nil
}

// AdvanceTo moves time forward to t. Earlier targets are ignored.
func (c *Clock) AdvanceTo(t Time) {
	if t > c.now {
		c.now = t
	}
}

// Sync advances a real-time clock by the elapsed wall time since the last
// sync. When next is set the clock never passes it: if next is already due
// time stands still, otherwise time stops at next and the reference is
// rebased, so the game clock slows rather than skipping work.
func (c *Clock) Sync(next Time, bounded bool) Time {
	if c.mode != RealTime || c.paused {
		return c.now
	}
	if bounded && c.Due(next) {
		return c.now
	}
	elapsed := c.src.Elapsed()
	target := c.now + Time(float64(elapsed-c.base)/float64(c.dayLength))
	if bounded && target > next {
		target = next
	}
	c.base = elapsed
	if target > c.now {
		c.now = target
	}
	return c.now
}

// Pause stops real-time advancement.
func (c *Clock) Pause() { c.paused = true }

// Resume restarts real-time advancement from the current instant.
func (c *Clock) Resume() {
	if c.paused {
		c.base = c.src.Elapsed()
	}
	c.paused = false
}

// Paused reports whether the clock is paused.
func (c *Clock) Paused() bool { return c.paused }

// Due reports whether t has been reached.
func (c *Clock) Due(t Time) bool { return c.now+Epsilon >= t }

// Late reports whether now is past t by more than tol.
func (c *Clock) Late(t, tol Time) bool { return c.now > t+tol+Epsilon }

// ScheduleWithJitter returns the fixed phase offset of an entity within a
// period of interval days. The first call for a GID draws from the jitter
// sequence; later calls return the same fraction scaled to the interval.
func (c *Clock) ScheduleWithJitter(gid entity.GID, interval Time) Time {
	frac, ok := c.offsets[gid]
	if !ok {
		frac = Time(c.jitter.Next())
		c.offsets[gid] = frac
	}
	return frac * interval
}

// Forget drops the stored phase of an entity.
func (c *Clock) Forget(gid entity.GID) { delete(c.offsets, gid) }

// FirstCall places a first occurrence inside a daily window [lo, hi]. Windows
// are given as day fractions; a point already in the past moves to today or,
// failing that, to tomorrow.
func (c *Clock) FirstCall(lo, hi Time) Time {
	t := c.jitter.Within(lo, hi)
	if t < c.now {
		t += c.now.Floor()
		if t < c.now {
			t++
		}
	}
	return t
}

// ResetJitter restarts the jitter sequence.
func (c *Clock) ResetJitter() { c.jitter.Reset() }
