package mmu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-chaudier/ocean/internal/boot"
	"github.com/jack-chaudier/ocean/internal/mem"
)

func newTestMMU(t *testing.T) (*MMU, *mem.PMM) {
	t.Helper()

	const ramSize = 32 << 20

	ram := mem.NewRAM(ramSize, uint64(HHDMBase))
	info := boot.Synthetic(ramSize, ram.HHDMOffset(), nil)

	pmm, err := mem.InitPMM(ram, info, nil)
	require.NoError(t, err)

	return New(pmm, nil), pmm
}

func TestMapTranslateUnmap(t *testing.T) {
	m, pmm := newTestMMU(t)

	root, err := m.NewTopLevel()
	require.NoError(t, err)

	frame := pmm.AllocPage(mem.ZoneNormal, mem.AllocZero)
	require.NotEqual(t, mem.NoPFN, frame)

	va := mem.VirtAddr(0x4000_5000)

	require.NoError(t, m.Map(root, va, frame.Addr(), PTEUser|PTEWrite))

	pa, ok := m.Translate(root, va+0x123)
	require.True(t, ok)
	assert.Equal(t, frame.Addr()+0x123, pa)

	pte, ok := m.Lookup(root, va)
	require.True(t, ok)
	assert.True(t, pte.Present())
	assert.True(t, pte.Writable())
	assert.Equal(t, frame, pte.Frame())

	m.Unmap(root, va)

	_, ok = m.Lookup(root, va)
	assert.False(t, ok)

	// Neighboring addresses in the same leaf table stay unaffected.
	require.NoError(t, m.Map(root, va, frame.Addr(), PTEUser))
	require.NoError(t, m.Map(root, va+mem.PageSize, frame.Addr(), PTEUser))
	m.Unmap(root, va)

	_, ok = m.Lookup(root, va+mem.PageSize)
	assert.True(t, ok)
}

func TestWalkDoesNotAllocateOnLookup(t *testing.T) {
	m, pmm := newTestMMU(t)

	root, err := m.NewTopLevel()
	require.NoError(t, err)

	before := pmm.FreeTotal()

	_, ok := m.Lookup(root, 0x7fff_0000_0000)
	assert.False(t, ok)
	assert.Equal(t, before, pmm.FreeTotal(), "a failed lookup must not grow the tree")
}

func TestSetPTERewritesInPlace(t *testing.T) {
	m, pmm := newTestMMU(t)

	root, err := m.NewTopLevel()
	require.NoError(t, err)

	frame := pmm.AllocPage(mem.ZoneNormal, mem.AllocZero)
	va := mem.VirtAddr(0x1000_0000)

	require.NoError(t, m.Map(root, va, frame.Addr(), PTEUser|PTEWrite))

	pte, _ := m.Lookup(root, va)
	demoted := pte&^PTEWrite | PTECOW

	require.NoError(t, m.SetPTE(root, va, demoted))

	got, ok := m.Lookup(root, va)
	require.True(t, ok)
	assert.False(t, got.Writable())
	assert.True(t, got.COW())
	assert.Equal(t, frame, got.Frame())

	assert.Error(t, m.SetPTE(root, 0x6000_0000_0000, 0), "SetPTE must not build paths")
}

func TestCloneUpperHalfShares(t *testing.T) {
	m, pmm := newTestMMU(t)

	kernelRoot, err := m.NewTopLevel()
	require.NoError(t, err)

	sub := pmm.AllocPage(mem.ZoneNormal, mem.AllocZero|mem.AllocKernel)
	entry := PTE(sub.Addr()) | PTEPresent | PTEWrite
	pmm.RAM().WriteU64(kernelRoot.Addr()+mem.PhysAddr((EntriesPerTable/2)*8), uint64(entry))

	userRoot, err := m.NewTopLevel()
	require.NoError(t, err)

	m.CloneUpperHalf(userRoot, kernelRoot)

	got := PTE(pmm.RAM().ReadU64(userRoot.Addr() + mem.PhysAddr((EntriesPerTable/2)*8)))
	assert.Equal(t, entry, got, "kernel-half entries must be shared verbatim")

	low := PTE(pmm.RAM().ReadU64(userRoot.Addr()))
	assert.False(t, low.Present(), "user-half entries must stay empty")
}

func TestDestroyTopLevelReclaimsTables(t *testing.T) {
	m, pmm := newTestMMU(t)

	root, err := m.NewTopLevel()
	require.NoError(t, err)

	baseline := pmm.FreeTotal()

	frame := pmm.AllocPage(mem.ZoneNormal, mem.AllocZero)
	require.NoError(t, m.Map(root, 0x4000_0000, frame.Addr(), PTEUser|PTEWrite))

	// The map built three intermediate tables.
	assert.Equal(t, baseline-4, pmm.FreeTotal())

	m.DestroyTopLevel(root)

	// The three tables and the root come back; the leaf frame is still the owner's.
	assert.Equal(t, baseline, pmm.FreeTotal())
}

func TestSwitchToTracksRoot(t *testing.T) {
	m, _ := newTestMMU(t)

	root, err := m.NewTopLevel()
	require.NoError(t, err)

	m.SwitchTo(root)
	assert.Equal(t, root, m.ActiveRoot())
}

func TestIndexExtraction(t *testing.T) {
	// 0xffff_ffff_8000_0000 is PML4 slot 511, PDPT slot 510.
	va := KernelTextBase

	assert.Equal(t, 511, index(va, 3))
	assert.Equal(t, 510, index(va, 2))
	assert.Equal(t, 0, index(va, 1))
	assert.Equal(t, 0, index(va, 0))
}
