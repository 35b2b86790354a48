// Package mmu maintains the 4-level page-table trees that give each address space its
// view of memory. Table pages are ordinary frames in DRAM holding little-endian 64-bit
// entries, walked and edited exactly as the hardware would.
package mmu

import (
	"fmt"
	"strings"

	"github.com/jack-chaudier/ocean/internal/mem"
)

// PTE is a page-table entry at any level of the tree.
type PTE uint64

const (
	PTEPresent PTE = 1 << 0
	PTEWrite   PTE = 1 << 1
	PTEUser    PTE = 1 << 2
	PTEPWT     PTE = 1 << 3
	PTEPCD     PTE = 1 << 4
	PTEAccess  PTE = 1 << 5
	PTEDirty   PTE = 1 << 6
	PTEHuge    PTE = 1 << 7
	PTEGlobal  PTE = 1 << 8

	// PTECOW occupies a software-available bit: the frame is shared copy-on-write and the
	// writable bit has been cleared until the first write fault.
	PTECOW PTE = 1 << 9

	PTENX PTE = 1 << 63

	// PTEAddrMask extracts the frame address bits.
	PTEAddrMask PTE = 0x000f_ffff_ffff_f000

	// PTEFlagsMask extracts everything but the frame address.
	PTEFlagsMask PTE = ^PTEAddrMask
)

// Present reports whether the entry maps anything.
func (e PTE) Present() bool { return e&PTEPresent != 0 }

// Writable reports whether the entry permits stores.
func (e PTE) Writable() bool { return e&PTEWrite != 0 }

// COW reports whether the entry is marked copy-on-write.
func (e PTE) COW() bool { return e&PTECOW != 0 }

// Addr returns the physical address the entry points at.
func (e PTE) Addr() mem.PhysAddr { return mem.PhysAddr(e & PTEAddrMask) }

// Frame returns the frame number the entry points at.
func (e PTE) Frame() mem.PFN { return e.Addr().PageDown() }

// WithAddr returns the entry retargeted at pa, flags preserved.
func (e PTE) WithAddr(pa mem.PhysAddr) PTE {
	return (e & PTEFlagsMask) | (PTE(pa) & PTEAddrMask)
}

func (e PTE) String() string {
	if !e.Present() {
		return "pte{absent}"
	}

	var b strings.Builder

	fmt.Fprintf(&b, "pte{%s", e.Addr())

	for _, f := range []struct {
		bit  PTE
		name string
	}{
		{PTEWrite, "w"},
		{PTEUser, "u"},
		{PTEDirty, "d"},
		{PTEGlobal, "g"},
		{PTECOW, "cow"},
		{PTENX, "nx"},
	} {
		if e&f.bit != 0 {
			b.WriteByte(' ')
			b.WriteString(f.name)
		}
	}

	b.WriteByte('}')

	return b.String()
}
