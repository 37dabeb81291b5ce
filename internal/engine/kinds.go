package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// ErrUnknownKind is returned for an entity or event kind with no registration.
var ErrUnknownKind = errors.New("unknown kind")

// EntitySpec is a serialisable request to create an entity.
type EntitySpec struct {
	Kind   string             `json:"kind"`
	Name   string             `json:"name"`
	Cash   ledger.Money       `json:"cash"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Factory builds an entity of one kind.
type Factory func(gid entity.GID, spec EntitySpec) entity.Entity

// EventSpec is a serialisable request to schedule a registered event kind.
// At is absolute; when zero, Delay is added to the current time.
type EventSpec struct {
	Target    entity.GID `json:"target"`
	Kind      string     `json:"kind"`
	At        clock.Time `json:"at,omitempty"`
	Delay     clock.Time `json:"delay,omitempty"`
	Tolerance clock.Time `json:"tolerance,omitempty"`
	Repeat    clock.Time `json:"repeat,omitempty"`

	Requests []event.Request `json:"requests,omitempty"`
}

// EntityView is a copied snapshot of an entity. It holds no reference into
// the registry.
type EntityView struct {
	GID       entity.GID                 `json:"gid"`
	Kind      string                     `json:"kind"`
	Name      string                     `json:"name"`
	Location  entity.GID                 `json:"location,omitempty"`
	Cash      ledger.Money               `json:"cash"`
	Reserved  ledger.Money               `json:"reserved"`
	Free      ledger.Money               `json:"free"`
	Unlimited bool                       `json:"unlimited,omitempty"`
	Inventory map[ledger.Commodity]int64 `json:"inventory,omitempty"`
	Orders    []market.Order             `json:"orders,omitempty"`
}

// RegisterKind makes an entity kind creatable through Create.
func (s *Simulation) RegisterKind(kind string, f Factory) { s.factories[kind] = f }

// Handle makes an event kind schedulable through Schedule.
func (s *Simulation) Handle(kind string, a event.Action) { s.handlers[kind] = a }

// Kinds lists registered entity kinds.
func (s *Simulation) Kinds() []string {
	out := make([]string, 0, len(s.factories))
	for k := range s.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Create spawns an entity of a registered kind.
func (s *Simulation) Create(spec EntitySpec) (entity.GID, error) {
	f, ok := s.factories[spec.Kind]
	if !ok {
		return entity.NoGID, fmt.Errorf("create %q: %w", spec.Kind, ErrUnknownKind)
	}
	return s.Spawn(func(gid entity.GID) entity.Entity { return f(gid, spec) }), nil
}

// Schedule queues a registered event kind.
func (s *Simulation) Schedule(spec EventSpec) (event.ID, error) {
	action, ok := s.handlers[spec.Kind]
	if !ok {
		return 0, fmt.Errorf("schedule %q: %w", spec.Kind, ErrUnknownKind)
	}
	at := spec.At
	if at == 0 {
		at = s.Clock.Now() + spec.Delay
	}
	if at < s.Clock.Now() {
		return 0, fmt.Errorf("schedule %q at %v before now %v: %w", spec.Kind, at, s.Clock.Now(), event.ErrBadTime)
	}
	if err := s.ValidateRequests(spec.Requests); err != nil {
		return 0, fmt.Errorf("schedule %q: %w", spec.Kind, err)
	}
	return s.Queue.Schedule(event.Event{
		Target:    spec.Target,
		At:        at,
		Kind:      spec.Kind,
		Tolerance: spec.Tolerance,
		Repeat:    spec.Repeat,
		Action:    action,
		Requests:  spec.Requests,
	})
}

// View snapshots a live entity.
func (s *Simulation) View(gid entity.GID) (EntityView, error) {
	var v EntityView
	err := s.Registry.With(gid, func(ent entity.Entity) error {
		v = EntityView{GID: gid, Kind: ent.Kind()}
		if n, ok := ent.(fmt.Stringer); ok {
			v.Name = n.String()
		}
		if l, ok := ent.(Located); ok {
			v.Location = l.Location()
		}
		if h, ok := ent.(ledger.Holder); ok {
			acct := h.Account()
			v.Cash, v.Reserved, v.Free, v.Unlimited = acct.Cash(), acct.Reserved(), acct.Free(), acct.Unlimited()
			inv := h.Inventory()
			for _, c := range inv.Commodities() {
				if v.Inventory == nil {
					v.Inventory = make(map[ledger.Commodity]int64)
				}
				v.Inventory[c] = inv.Amount(c)
			}
		}
		return nil
	})
	if err != nil {
		return EntityView{}, err
	}
	v.Orders = s.Market.OrdersOf(gid)
	return v, nil
}
