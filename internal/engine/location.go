package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/market"
)

// InTransit is where a traveller is between locations. No venue opens there,
// so orders placed on the way fail with ErrUnknownCommodity.
const InTransit = entity.GID(math.MaxUint64)

var (
	// ErrInTransit rejects a move by an entity that has not arrived yet.
	ErrInTransit = errors.New("already travelling")
	// ErrNoRoute rejects a move that cannot be timed.
	ErrNoRoute = errors.New("no route")
)

// Location is a place with its own venue for every commodity. Spawning one
// opens its books.
type Location struct {
	entity.Base
	X, Y float64
}

func (l *Location) Kind() string { return "location" }

// Distance is the straight-line distance to o.
func (l *Location) Distance(o *Location) float64 { return math.Hypot(l.X-o.X, l.Y-o.Y) }

// Located is implemented by entities that trade at one location.
type Located interface {
	Location() entity.GID
}

// Site records where an entity trades. Embed it to implement Located; the
// zero value is market.Home.
type Site struct {
	Loc entity.GID
}

func (s Site) Location() entity.GID { return s.Loc }

// AddLocation spawns a location and opens every commodity there.
func (s *Simulation) AddLocation(name string, x, y float64) entity.GID {
	return s.Spawn(func(gid entity.GID) entity.Entity {
		return &Location{Base: entity.Base{ID: gid, Name: name}, X: x, Y: y}
	})
}

// LocationOf returns where gid trades: its Site, or Home for entities
// without one.
func (s *Simulation) LocationOf(gid entity.GID) entity.GID {
	ent, err := s.Registry.Resolve(gid)
	if err != nil {
		return market.Home
	}
	if l, ok := ent.(Located); ok {
		return l.Location()
	}
	return market.Home
}

// Journey records a traveller's last departure. From equals To once it has
// arrived. Embed it to implement Located.
type Journey struct {
	From, To          entity.GID
	Departed, Arrives clock.Time
}

func (j *Journey) Location() entity.GID {
	if j.From != j.To {
		return InTransit
	}
	return j.To
}

// Traveller is an entity that can Move between locations. Speed is distance
// per day.
type Traveller interface {
	Trip() *Journey
	Speed() float64
}

// coords places a location. Home sits at the origin.
func (s *Simulation) coords(loc entity.GID) (x, y float64, err error) {
	if loc == market.Home {
		return 0, 0, nil
	}
	l, err := entity.As[*Location](s.Registry, loc)
	if err != nil {
		return 0, 0, fmt.Errorf("location %d: %w", loc, err)
	}
	return l.X, l.Y, nil
}

// Move starts gid towards to and returns the arrival time. The traveller
// trades nowhere until an "arrive" event lands it. Resting orders stay on the
// venue they were placed at.
func (s *Simulation) Move(gid, to entity.GID) (clock.Time, error) {
	t, err := entity.As[Traveller](s.Registry, gid)
	if err != nil {
		return 0, err
	}
	j := t.Trip()
	if j.From != j.To {
		return 0, fmt.Errorf("%d bound for %d: %w", gid, j.To, ErrInTransit)
	}
	if to == j.To {
		return s.Now(), nil
	}
	x0, y0, err := s.coords(j.To)
	if err != nil {
		return 0, err
	}
	x1, y1, err := s.coords(to)
	if err != nil {
		return 0, err
	}
	if t.Speed() <= 0 {
		return 0, fmt.Errorf("%d has speed %g: %w", gid, t.Speed(), ErrNoRoute)
	}
	dt := clock.Time(math.Hypot(x1-x0, y1-y0) / t.Speed())
	prev := *j
	j.To, j.Departed, j.Arrives = to, s.Now(), s.Now()+dt
	_, err = s.After(gid, dt, "arrive", func(entity.Entity, event.Event) error {
		j.From = j.To
		return nil
	})
	if err != nil {
		*j = prev
		return 0, err
	}
	return j.Arrives, nil
}

// Position interpolates where a traveller is now along its journey.
func (s *Simulation) Position(gid entity.GID) (x, y float64, err error) {
	t, err := entity.As[Traveller](s.Registry, gid)
	if err != nil {
		return 0, 0, err
	}
	j := t.Trip()
	x0, y0, err := s.coords(j.From)
	if err != nil {
		return 0, 0, err
	}
	x1, y1, err := s.coords(j.To)
	if err != nil {
		return 0, 0, err
	}
	if j.From == j.To || j.Arrives <= j.Departed {
		return x1, y1, nil
	}
	f := float64((s.Now() - j.Departed) / (j.Arrives - j.Departed))
	f = math.Min(math.Max(f, 0), 1)
	return x0 + f*(x1-x0), y0 + f*(y1-y0), nil
}
