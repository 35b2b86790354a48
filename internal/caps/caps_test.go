package caps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct{ name string }

func TestInsertLookupDelete(t *testing.T) {
	s := NewSpace()
	obj := &fakeEndpoint{name: "ep"}

	slot, err := s.Insert(TypeEndpoint, RightSend|RightRecv, obj, 0xbeef)
	require.NoError(t, err)
	require.Equal(t, 1, s.Used())

	c, err := s.Lookup(slot)
	require.NoError(t, err)
	assert.Equal(t, TypeEndpoint, c.Type)
	assert.Same(t, obj, c.Object)
	assert.Equal(t, uint64(0xbeef), c.Badge)
	assert.Equal(t, slot, c.Slot())
	assert.False(t, c.Derived())

	_, err = s.LookupTyped(slot, TypeThread)
	assert.ErrorIs(t, err, ErrWrongType)

	require.NoError(t, s.Delete(slot))
	assert.Zero(t, s.Used())

	_, err = s.Lookup(slot)
	assert.ErrorIs(t, err, ErrEmptySlot)

	_, err = s.Lookup(-1)
	assert.ErrorIs(t, err, ErrBadSlot)

	_, err = s.Lookup(1 << 20)
	assert.ErrorIs(t, err, ErrBadSlot)
}

func TestSlotBitmapInvariant(t *testing.T) {
	s := NewSpace()

	var slots []int

	for i := 0; i < 10; i++ {
		slot, err := s.Insert(TypeMemory, RightRead, nil, 0)
		require.NoError(t, err)

		slots = append(slots, slot)
	}

	// Occupied slots have their bit set; freed slots read back empty.
	for _, slot := range slots {
		assert.True(t, s.occupied(slot))
	}

	require.NoError(t, s.Delete(slots[3]))
	assert.False(t, s.occupied(slots[3]))
	assert.Equal(t, TypeNone, s.slots[slots[3]].Type, "a free slot's type tag is none")

	// The freed slot is reused before the table grows.
	slot, err := s.Insert(TypeMemory, RightRead, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, slots[3], slot)
}

func TestTableGrowth(t *testing.T) {
	s := NewSpace()

	for i := 0; i < DefaultSlots+1; i++ {
		_, err := s.Insert(TypeMemory, RightRead, nil, 0)
		require.NoError(t, err)
	}

	assert.Equal(t, DefaultSlots+1, s.Used())
	assert.GreaterOrEqual(t, len(s.slots), 2*DefaultSlots)
}

func TestCopyRequiresGrant(t *testing.T) {
	src := NewSpace()
	dst := NewSpace()

	noGrant, err := src.Insert(TypeEndpoint, RightSend, &fakeEndpoint{}, 0)
	require.NoError(t, err)

	_, err = Copy(src, noGrant, dst)
	assert.ErrorIs(t, err, ErrPerm)

	granted, err := src.Insert(TypeEndpoint, RightSend|RightGrant, &fakeEndpoint{}, 9)
	require.NoError(t, err)

	dslot, err := Copy(src, granted, dst)
	require.NoError(t, err)

	c, err := dst.Lookup(dslot)
	require.NoError(t, err)
	assert.True(t, c.Derived())
	assert.Equal(t, uint64(9), c.Badge)
	assert.Equal(t, RightSend|RightGrant, c.Rights)
}

func TestCopyWithinOneSpace(t *testing.T) {
	s := NewSpace()

	slot, err := s.Insert(TypeEndpoint, RightsAll, &fakeEndpoint{}, 0)
	require.NoError(t, err)

	dup, err := Copy(s, slot, s)
	require.NoError(t, err)
	assert.NotEqual(t, slot, dup)
	assert.Equal(t, 2, s.Used())
}

func TestMintIntersectsRights(t *testing.T) {
	src := NewSpace()
	dst := NewSpace()

	slot, err := src.Insert(TypeEndpoint, RightSend|RightGrant, &fakeEndpoint{}, 0)
	require.NoError(t, err)

	// The request asks for more than the source holds; the product is the intersection.
	dslot, err := Mint(src, slot, dst, RightSend|RightRecv|RightRevoke, 0x42)
	require.NoError(t, err)

	c, err := dst.Lookup(dslot)
	require.NoError(t, err)
	assert.Equal(t, RightSend, c.Rights)
	assert.Equal(t, uint64(0x42), c.Badge)
	assert.True(t, c.Derived())
}

func TestRevokeInvalidatesDerived(t *testing.T) {
	s := NewSpace()

	slot, err := s.Insert(TypeEndpoint, RightsAll, &fakeEndpoint{}, 0)
	require.NoError(t, err)

	dup, err := Copy(s, slot, s)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(slot))

	// The derived copy dies at next lookup; the original survives.
	_, err = s.Lookup(dup)
	assert.ErrorIs(t, err, ErrRevoked)

	_, err = s.Lookup(slot)
	assert.NoError(t, err)

	// The revoked slot is free again.
	_, err = s.Lookup(dup)
	assert.ErrorIs(t, err, ErrEmptySlot)
}

func TestRevokeRequiresRight(t *testing.T) {
	s := NewSpace()

	slot, err := s.Insert(TypeEndpoint, RightSend, &fakeEndpoint{}, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Revoke(slot), ErrPerm)
}

func TestCopyDeleteRoundTrip(t *testing.T) {
	s := NewSpace()
	obj := &fakeEndpoint{name: "round-trip"}

	slot, err := s.Insert(TypeEndpoint, RightsAll, obj, 0)
	require.NoError(t, err)

	live := func() map[any]int {
		refs := make(map[any]int)
		for _, c := range s.Snapshot() {
			refs[c.Object]++
		}

		return refs
	}

	before := live()

	dup, err := Copy(s, slot, s)
	require.NoError(t, err)
	require.NoError(t, s.Delete(dup))

	assert.Equal(t, before, live(),
		"copy then delete must leave the same live object references")
}

func TestInherit(t *testing.T) {
	parent := NewSpace()

	slot, err := parent.Insert(TypeEndpoint, RightSend, &fakeEndpoint{}, 0x5)
	require.NoError(t, err)

	child := Inherit(parent)

	c, err := child.Lookup(slot)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5), c.Badge)
	assert.Equal(t, parent.Used(), child.Used())

	// The tables are independent afterward.
	require.NoError(t, child.Delete(slot))

	_, err = parent.Lookup(slot)
	assert.NoError(t, err)
}
