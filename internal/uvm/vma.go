// Package uvm is the address-space layer: it represents each process's memory as a
// sorted, disjoint list of virtual memory areas, drives the MMU, and services the page
// faults that represent legitimate demand-paging, copy-on-write, and stack-growth
// events.
package uvm

import (
	"fmt"
	"strings"

	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/mmu"
)

// Prot is the capability flag set of a VMA.
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtShared
	ProtStack
	ProtHeap
	ProtAnon
	ProtFile
)

func (p Prot) String() string {
	var b strings.Builder

	for _, f := range []struct {
		bit  Prot
		name byte
	}{
		{ProtRead, 'r'},
		{ProtWrite, 'w'},
		{ProtExec, 'x'},
		{ProtShared, 's'},
	} {
		if p&f.bit != 0 {
			b.WriteByte(f.name)
		} else {
			b.WriteByte('-')
		}
	}

	switch {
	case p&ProtStack != 0:
		b.WriteString(" stack")
	case p&ProtHeap != 0:
		b.WriteString(" heap")
	case p&ProtFile != 0:
		b.WriteString(" file")
	case p&ProtAnon != 0:
		b.WriteString(" anon")
	}

	return b.String()
}

// VMA is one labeled, page-aligned virtual range [Start, End) within an address space.
type VMA struct {
	Start, End mem.VirtAddr
	Flags      Prot

	// File backing, unused for anonymous areas. The reference is opaque to uvm; the VFS
	// collaborator owns its meaning.
	File    any
	FileOff uint64
}

// Size returns the byte length of the area.
func (v *VMA) Size() uint64 { return uint64(v.End - v.Start) }

// Pages returns the page count of the area.
func (v *VMA) Pages() uint64 { return v.Size() >> mem.PageShift }

// Contains reports whether va falls inside the area.
func (v *VMA) Contains(va mem.VirtAddr) bool { return va >= v.Start && va < v.End }

// pteFlags derives the leaf protection bits from the area's capability flags.
func (v *VMA) pteFlags() mmu.PTE {
	flags := mmu.PTEUser

	if v.Flags&ProtWrite != 0 {
		flags |= mmu.PTEWrite
	}

	if v.Flags&ProtExec == 0 {
		flags |= mmu.PTENX
	}

	return flags
}

func (v *VMA) String() string {
	return fmt.Sprintf("vma{[%s, %s) %s}", v.Start, v.End, v.Flags)
}

// clone duplicates the VMA record.
func (v *VMA) clone() *VMA {
	dup := *v
	return &dup
}
