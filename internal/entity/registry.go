// Package entity provides the identity registry: the single owner of every
// simulation actor. Everything else holds a GID and resolves it on demand.
package entity

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// GID is a globally unique entity identifier. GIDs start at 1 and are never reused.
type GID uint64

// NoGID is the zero value and never identifies an entity.
const NoGID GID = 0

// ErrNotFound is returned when a GID is unknown or its entity has been marked dead.
// Callers treat it as "drop this unit of work".
var ErrNotFound = errors.New("entity not found")

// Entity is any addressable simulation actor.
type Entity interface {
	GID() GID
	Kind() string
}

// Base carries the identity fields shared by concrete actors.
type Base struct {
	ID   GID
	Name string
}

// GID implements Entity.
func (b *Base) GID() GID { return b.ID }

func (b *Base) String() string { return fmt.Sprintf("%s#%d", b.Name, b.ID) }

type slot struct {
	ent  Entity
	pins int
}

// Registry is an arena indexed by GID with a parallel liveness bitmap.
// It is not safe for concurrent use; the simulation serialises access.
type Registry struct {
	slots    []slot
	live     *bitset.BitSet
	retained int
	onRemove []func(GID)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		slots: make([]slot, 1, 64), // slot 0 is NoGID
		live:  bitset.New(64),
	}
}

// Create allocates the next GID and stores the entity built by factory.
func (r *Registry) Create(factory func(GID) Entity) GID {
	gid := GID(len(r.slots))
	ent := factory(gid)
	if ent == nil {
		panic(fmt.Sprintf("entity: factory returned nil for gid %d", gid))
	}
	r.slots = append(r.slots, slot{ent: ent})
	r.live.Set(uint(gid))
	r.retained++
	return gid
}

// Resolve returns a transient view of a live entity. The result must not be
// stored beyond the current call; store the GID instead.
func (r *Registry) Resolve(gid GID) (Entity, error) {
	if !r.IsLive(gid) {
		return nil, fmt.Errorf("resolve %d: %w", gid, ErrNotFound)
	}
	return r.slots[gid].ent, nil
}

// With runs fn against a live entity. It is the preferred form of Resolve
// since the view cannot escape the callback by accident.
func (r *Registry) With(gid GID, fn func(Entity) error) error {
	ent, err := r.Resolve(gid)
	if err != nil {
		return err
	}
	return fn(ent)
}

// IsLive reports whether gid names a live entity.
func (r *Registry) IsLive(gid GID) bool {
	if gid == NoGID || int(gid) >= len(r.slots) {
		return false
	}
	return r.live.Test(uint(gid))
}

// MarkDead flags an entity as destroyed. It stays in the arena while pins
// (scheduled events, resting orders) still reference it.
func (r *Registry) MarkDead(gid GID) error {
	if !r.IsLive(gid) {
		return fmt.Errorf("mark dead %d: %w", gid, ErrNotFound)
	}
	r.live.Clear(uint(gid))
	if r.slots[gid].pins == 0 {
		r.remove(gid)
	}
	return nil
}

// Pin records a lingering reference to gid. Pinning an absent GID is ignored.
func (r *Registry) Pin(gid GID) {
	if gid == NoGID || int(gid) >= len(r.slots) || r.slots[gid].ent == nil {
		return
	}
	r.slots[gid].pins++
}

// Unpin drops a reference recorded by Pin. A dead entity whose last pin is
// dropped is removed from the arena.
func (r *Registry) Unpin(gid GID) {
	if gid == NoGID || int(gid) >= len(r.slots) || r.slots[gid].ent == nil {
		return
	}
	s := &r.slots[gid]
	if s.pins > 0 {
		s.pins--
	}
	if s.pins == 0 && !r.live.Test(uint(gid)) {
		r.remove(gid)
	}
}

// Pins returns the number of outstanding references to gid.
func (r *Registry) Pins(gid GID) int {
	if gid == NoGID || int(gid) >= len(r.slots) {
		return 0
	}
	return r.slots[gid].pins
}

// Remains returns a dead entity that is still retained. It exists so that
// reservations held by a dead owner can be unwound; it never returns live entities.
func (r *Registry) Remains(gid GID) (Entity, bool) {
	if gid == NoGID || int(gid) >= len(r.slots) || r.live.Test(uint(gid)) {
		return nil, false
	}
	ent := r.slots[gid].ent
	return ent, ent != nil
}

// OnRemove registers a callback run when a dead entity leaves the arena.
func (r *Registry) OnRemove(fn func(GID)) {
	r.onRemove = append(r.onRemove, fn)
}

// Sweep removes every dead entity with no pins and returns how many went.
func (r *Registry) Sweep() int {
	n := 0
	for i := 1; i < len(r.slots); i++ {
		s := r.slots[i]
		if s.ent != nil && s.pins == 0 && !r.live.Test(uint(i)) {
			r.remove(GID(i))
			n++
		}
	}
	return n
}

func (r *Registry) remove(gid GID) {
	r.slots[gid] = slot{}
	r.retained--
	for _, fn := range r.onRemove {
		fn(gid)
	}
}

// Live returns the GIDs of all live entities in ascending order.
func (r *Registry) Live() []GID {
	out := make([]GID, 0, r.live.Count())
	for i, ok := r.live.NextSet(0); ok; i, ok = r.live.NextSet(i + 1) {
		out = append(out, GID(i))
	}
	return out
}

// Dead returns the GIDs of dead entities still retained by pins.
func (r *Registry) Dead() []GID {
	var out []GID
	for i := 1; i < len(r.slots); i++ {
		if r.slots[i].ent != nil && !r.live.Test(uint(i)) {
			out = append(out, GID(i))
		}
	}
	return out
}

// LiveCount returns the number of live entities.
func (r *Registry) LiveCount() int { return int(r.live.Count()) }

// Retained returns live entities plus dead ones still pinned.
func (r *Registry) Retained() int { return r.retained }

// Issued returns the number of GIDs handed out so far.
func (r *Registry) Issued() int { return len(r.slots) - 1 }

// As resolves gid and asserts the entity to T. A type mismatch is reported as
// ErrNotFound so callers keep a single drop path.
func As[T any](r *Registry, gid GID) (T, error) {
	var zero T
	ent, err := r.Resolve(gid)
	if err != nil {
		return zero, err
	}
	t, ok := ent.(T)
	if !ok {
		return zero, fmt.Errorf("resolve %d as %T: %w", gid, zero, ErrNotFound)
	}
	return t, nil
}
