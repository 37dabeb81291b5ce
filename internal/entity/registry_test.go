package entity_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/starmacro/internal/entity"
)

type thing struct {
	entity.Base
	hits int
}

func (t *thing) Kind() string { return "thing" }

func newThing(name string) func(entity.GID) entity.Entity {
	return func(gid entity.GID) entity.Entity {
		return &thing{Base: entity.Base{ID: gid, Name: name}}
	}
}

func TestCreateAndResolve(t *testing.T) {
	r := entity.NewRegistry()
	a := r.Create(newThing("a"))
	b := r.Create(newThing("b"))

	assert.Equal(t, entity.GID(1), a)
	assert.Equal(t, entity.GID(2), b)
	assert.True(t, r.IsLive(a))

	ent, err := r.Resolve(b)
	require.NoError(t, err)
	assert.Equal(t, b, ent.GID())
	assert.Equal(t, 2, r.LiveCount())
}

func TestResolveUnknownAndDead(t *testing.T) {
	r := entity.NewRegistry()

	_, err := r.Resolve(entity.NoGID)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	_, err = r.Resolve(99)
	assert.ErrorIs(t, err, entity.ErrNotFound)

	a := r.Create(newThing("a"))
	require.NoError(t, r.MarkDead(a))
	_, err = r.Resolve(a)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.False(t, r.IsLive(a))

	assert.ErrorIs(t, r.MarkDead(a), entity.ErrNotFound)
}

func TestGIDsNeverReused(t *testing.T) {
	r := entity.NewRegistry()
	a := r.Create(newThing("a"))
	require.NoError(t, r.MarkDead(a))
	assert.Equal(t, 0, r.Retained())

	b := r.Create(newThing("b"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, r.Issued())
}

func TestPinnedDeadEntityIsRetained(t *testing.T) {
	r := entity.NewRegistry()
	a := r.Create(newThing("a"))
	var removed []entity.GID
	r.OnRemove(func(g entity.GID) { removed = append(removed, g) })

	r.Pin(a)
	r.Pin(a)
	require.NoError(t, r.MarkDead(a))

	rem, ok := r.Remains(a)
	require.True(t, ok)
	assert.Equal(t, a, rem.GID())
	assert.Equal(t, 0, r.Sweep())

	r.Unpin(a)
	assert.Equal(t, 1, r.Retained())
	r.Unpin(a)
	assert.Equal(t, 0, r.Retained())
	assert.Equal(t, []entity.GID{a}, removed)

	_, ok = r.Remains(a)
	assert.False(t, ok)
}

func TestRemainsNeverExposesLiveEntities(t *testing.T) {
	r := entity.NewRegistry()
	a := r.Create(newThing("a"))
	_, ok := r.Remains(a)
	assert.False(t, ok)
}

func TestWithScopesAccess(t *testing.T) {
	r := entity.NewRegistry()
	a := r.Create(newThing("a"))

	err := r.With(a, func(e entity.Entity) error {
		e.(*thing).hits++
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = r.With(a, func(entity.Entity) error { return boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, r.MarkDead(a))
	called := false
	err = r.With(a, func(entity.Entity) error { called = true; return nil })
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.False(t, called)
}

func TestAs(t *testing.T) {
	r := entity.NewRegistry()
	a := r.Create(newThing("a"))

	th, err := entity.As[*thing](r, a)
	require.NoError(t, err)
	assert.Equal(t, "a", th.Name)

	type other interface{ Missing() }
	_, err = entity.As[other](r, a)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestLiveListing(t *testing.T) {
	r := entity.NewRegistry()
	a := r.Create(newThing("a"))
	b := r.Create(newThing("b"))
	c := r.Create(newThing("c"))
	require.NoError(t, r.MarkDead(b))

	assert.Equal(t, []entity.GID{a, c}, r.Live())
}
