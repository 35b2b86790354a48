// Package kernel assembles the machine from its subsystems and exposes the three entry
// points the architecture layer calls into: the page-fault handler, the syscall
// dispatcher, and the timer tick.
package kernel

import (
	"fmt"
	"io"
	"os"

	"github.com/jack-chaudier/ocean/internal/boot"
	"github.com/jack-chaudier/ocean/internal/ipc"
	"github.com/jack-chaudier/ocean/internal/kalloc"
	"github.com/jack-chaudier/ocean/internal/log"
	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/mmu"
	"github.com/jack-chaudier/ocean/internal/sched"
	"github.com/jack-chaudier/ocean/internal/uvm"
)

// DefaultRAM is the DRAM size a machine gets unless configured otherwise.
const DefaultRAM = 128 << 20

// Kernel is the machine: every subsystem wired together over one DRAM arena.
type Kernel struct {
	Boot *boot.Info

	RAM  *mem.RAM
	PMM  *mem.PMM
	MMU  *mmu.MMU
	Heap *kalloc.Heap
	UVM  *uvm.UVM

	Sched *sched.Sched
	IPC   *ipc.Registry

	kernelRoot mem.PFN

	// Console endpoints for the read/write/debug_print syscalls.
	ConsoleOut io.Writer
	ConsoleIn  io.Reader

	// ExecHandler, when installed by the process-server collaborator, implements the
	// exec syscall. Without one, exec fails with ENOSYS.
	ExecHandler func(p *sched.Process, path string, argv, envp []string) error

	modules []CachedModule

	forks forkTable

	log *log.Logger
}

// CachedModule is a boot module copied into kernel memory before reclamation.
type CachedModule struct {
	Cmdline string
	Data    mem.VirtAddr // kmalloc allocation holding the payload
	Size    uint64
}

// An OptionFn adjusts machine construction.
type OptionFn func(*Kernel)

// WithLogger directs kernel logging.
func WithLogger(logger *log.Logger) OptionFn {
	return func(k *Kernel) { k.log = logger }
}

// WithConsole wires the serial console streams.
func WithConsole(in io.Reader, out io.Writer) OptionFn {
	return func(k *Kernel) {
		k.ConsoleIn = in
		k.ConsoleOut = out
	}
}

// New boots a machine: DRAM, PMM from the boot memory map, the kernel page-table root,
// the heap, the address-space layer, the scheduler, and IPC. The calling goroutine
// becomes the init thread.
func New(ramSize uint64, info *boot.Info, opts ...OptionFn) (*Kernel, error) {
	if ramSize == 0 {
		ramSize = DefaultRAM
	}

	if info == nil {
		info = boot.Synthetic(ramSize, uint64(mmu.HHDMBase), nil)
	}

	k := &Kernel{
		Boot:       info,
		ConsoleOut: os.Stdout,
	}

	for _, fn := range opts {
		fn(k)
	}

	if k.log == nil {
		k.log = log.DefaultLogger()
	}

	k.RAM = mem.NewRAM(ramSize, info.HHDMOffset)

	pmm, err := mem.InitPMM(k.RAM, info, k.log)
	if err != nil {
		return nil, err
	}

	k.PMM = pmm
	k.MMU = mmu.New(pmm, k.log)

	if err := k.buildKernelSpace(); err != nil {
		return nil, err
	}

	heap, err := kalloc.NewHeap(pmm, k.log)
	if err != nil {
		return nil, err
	}

	k.Heap = heap
	k.UVM = uvm.New(pmm, k.MMU, k.kernelRoot, k.log)

	k.Sched = sched.New(k.log)
	k.Sched.InstallIRQHooks()
	k.Sched.SwitchSpace = k.switchSpace
	k.Sched.ReapSpace = k.reapSpace
	k.Sched.Bootstrap("swapper")

	k.IPC = ipc.NewRegistry(k.Sched, k.log)
	k.Sched.OnThreadExit = k.IPC.DropThreadState

	k.cacheModules()

	k.log.Info("kernel: up",
		"ram", ramSize,
		"free_pages", pmm.FreeTotal(),
		"hhdm", fmt.Sprintf("%#x", info.HHDMOffset))

	return k, nil
}

// buildKernelSpace creates the kernel top-level table and pre-allocates its upper-half
// directory entries, so CloneUpperHalf hands every user space the same shared subtrees.
func (k *Kernel) buildKernelSpace() error {
	root, err := k.MMU.NewTopLevel()
	if err != nil {
		return err
	}

	for idx := mmu.EntriesPerTable / 2; idx < mmu.EntriesPerTable; idx++ {
		sub := k.PMM.AllocPage(mem.ZoneNormal, mem.AllocZero|mem.AllocKernel)
		if sub == mem.NoPFN {
			return fmt.Errorf("kernel: out of memory building kernel space")
		}

		entry := mmu.PTE(sub.Addr()) | mmu.PTEPresent | mmu.PTEWrite | mmu.PTEGlobal

		if err := k.setTopEntry(root, idx, entry); err != nil {
			return err
		}
	}

	k.kernelRoot = root
	k.MMU.SwitchTo(root)

	return nil
}

// setTopEntry writes one top-level directory entry through DRAM.
func (k *Kernel) setTopEntry(root mem.PFN, idx int, e mmu.PTE) error {
	k.RAM.WriteU64(root.Addr()+mem.PhysAddr(idx*8), uint64(e))
	return nil
}

// KernelRoot returns the kernel page-table root frame.
func (k *Kernel) KernelRoot() mem.PFN { return k.kernelRoot }

// switchSpace is the context-switch hook: load the incoming process's tree, or the
// kernel tree for kernel threads.
func (k *Kernel) switchSpace(next *sched.Process) {
	if next == nil {
		k.MMU.SwitchTo(k.kernelRoot)
		return
	}

	if sp, ok := next.Space.(*uvm.Space); ok && sp != nil {
		k.MMU.SwitchTo(sp.Root())
		return
	}

	k.MMU.SwitchTo(k.kernelRoot)
}

// reapSpace tears down a reaped process's address space, capability space, and owned
// endpoints.
func (k *Kernel) reapSpace(p *sched.Process) {
	k.IPC.DestroyOwned(p)

	if sp, ok := p.Space.(*uvm.Space); ok && sp != nil {
		if k.MMU.ActiveRoot() == sp.Root() {
			k.MMU.SwitchTo(k.kernelRoot)
		}

		sp.Destroy()
		p.Space = nil
	}

	p.Caps = nil
}

// cacheModules copies boot-module payloads into kernel heap memory so they survive
// memory reclamation for exec.
func (k *Kernel) cacheModules() {
	for _, m := range k.Boot.Modules {
		if m.Size == 0 || m.Address+m.Size > k.RAM.Size() {
			k.log.Warn("kernel: skipping unreadable boot module", "cmdline", m.Cmdline)
			continue
		}

		va := k.Heap.Kmalloc(m.Size)
		if va == 0 {
			k.log.Warn("kernel: no memory to cache boot module", "cmdline", m.Cmdline)
			continue
		}

		copy(k.Heap.Bytes(va, int(m.Size)), k.RAM.Bytes(mem.PhysAddr(m.Address), int(m.Size)))

		k.modules = append(k.modules, CachedModule{
			Cmdline: m.Cmdline,
			Data:    va,
			Size:    m.Size,
		})
	}
}

// Modules returns the cached boot modules.
func (k *Kernel) Modules() []CachedModule { return k.modules }

// Module finds a cached module by cmdline.
func (k *Kernel) Module(cmdline string) (CachedModule, bool) {
	for _, m := range k.modules {
		if m.Cmdline == cmdline {
			return m, true
		}
	}

	return CachedModule{}, false
}

// Tick is the timer interrupt entry point: one call per tick.
func (k *Kernel) Tick() {
	k.Sched.TimerTick()
}

// PageFault is the exception-vector entry point. A kernel-mode fault on a kernel
// address is fatal; user faults are delegated to the faulting process's address space
// and kill the process when unrecoverable.
func (k *Kernel) PageFault(va mem.VirtAddr, flags uvm.FaultFlags) {
	if flags&uvm.FaultUser == 0 && mmu.IsKernel(va) {
		k.Panic("page fault in kernel space at %s (%s)", va, flags)
	}

	cur := k.Sched.Current()
	proc := cur.Process()

	sp, _ := spaceOf(proc)
	if sp == nil {
		k.Panic("page fault with no address space at %s (%s)", va, flags)
	}

	if err := sp.HandleFault(va, flags); err != nil {
		k.log.Warn("kernel: unrecoverable fault, killing process",
			"pid", int(proc.PID()),
			"addr", va.String(),
			"flags", flags.String(),
			"err", err.Error())

		k.exitCurrent(int(-EFAULT))
	}
}

func spaceOf(p *sched.Process) (*uvm.Space, bool) {
	if p == nil {
		return nil, false
	}

	sp, ok := p.Space.(*uvm.Space)

	return sp, ok
}

// exitCurrent terminates the calling thread's process path through the scheduler.
func (k *Kernel) exitCurrent(code int) {
	k.Sched.ExitThread(code)
}
