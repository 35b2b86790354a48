package boot

// synthetic.go fabricates the descriptor a real bootloader would hand over, for the
// simulator and for tests.

// Synthetic lays out a plausible PC memory map over ramSize bytes of DRAM: a reserved
// low page, conventional memory, the legacy hole, the kernel image, then everything
// else usable.
func Synthetic(ramSize uint64, hhdmOffset uint64, mods []Module) *Info {
	const (
		lowReserved = 0x1000
		convEnd     = 640 << 10
		holeEnd     = 1 << 20
		kernelSize  = 8 << 20
	)

	info := &Info{
		HHDMOffset:     hhdmOffset,
		KernelPhysBase: holeEnd,
		KernelVirtBase: 0xffff_ffff_8000_0000,
		Modules:        mods,
	}

	kernelEnd := uint64(holeEnd + kernelSize)
	if kernelEnd > ramSize {
		kernelEnd = ramSize
	}

	info.MemoryMap = []Region{
		{Base: 0, Length: lowReserved, Type: RegionReserved},
		{Base: lowReserved, Length: convEnd - lowReserved, Type: RegionUsable},
		{Base: convEnd, Length: holeEnd - convEnd, Type: RegionReserved},
		{Base: holeEnd, Length: kernelEnd - holeEnd, Type: RegionKernelAndModules},
	}

	if ramSize > kernelEnd {
		info.MemoryMap = append(info.MemoryMap, Region{
			Base:   kernelEnd,
			Length: ramSize - kernelEnd,
			Type:   RegionUsable,
		})
	}

	return info
}
