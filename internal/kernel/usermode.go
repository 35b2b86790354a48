package kernel

// usermode.go is the harness demo "user programs" run under. A program is a Go closure
// standing in for a loaded ELF image: it owns a process with a real address space and
// capability table, touches memory only through that space, and enters the kernel only
// through the syscall dispatcher.

import (
	"github.com/jack-chaudier/ocean/internal/caps"
	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/mmu"
	"github.com/jack-chaudier/ocean/internal/sched"
	"github.com/jack-chaudier/ocean/internal/uvm"
)

// UserStackSize is the lazily-populated main stack region.
const UserStackSize = 1 << 20

// Program is a user program body.
type Program func(uc *UserContext)

// UserContext is the program's view of its machine: pid bookkeeping plus the syscall
// gate. Memory access goes through Peek/Poke, which model user loads and stores against
// the program's own address space (faulting in pages on the way).
type UserContext struct {
	K      *Kernel
	Proc   *sched.Process
	Thread *sched.Thread
}

// forkTable carries the fork child continuation from the libc-style wrapper to the
// fork syscall handler. A native kernel resumes the child mid-instruction-stream;
// closures cannot be resumed mid-body, so the wrapper names the child's entry instead.
type forkTable struct {
	lock    ksync.SpinLock
	entries map[*sched.Thread]Program
}

func (f *forkTable) put(t *sched.Thread, p Program) {
	f.lock.Lock()

	if f.entries == nil {
		f.entries = make(map[*sched.Thread]Program)
	}

	f.entries[t] = p
	f.lock.Unlock()
}

func (f *forkTable) take(t *sched.Thread) Program {
	f.lock.Lock()
	defer f.lock.Unlock()

	p := f.entries[t]
	delete(f.entries, t)

	return p
}

// SpawnUser creates a user process around prog: fresh address space with a stack area
// below the fixed stack top, fresh capability table, and a main thread. The parent is
// the current thread's process, when it has one.
func (k *Kernel) SpawnUser(name string, prog Program) (*sched.Process, error) {
	parent := k.Sched.Current().Process()

	proc, err := k.Sched.NewProcess(parent, name)
	if err != nil {
		return nil, err
	}

	sp, err := k.UVM.NewSpace()
	if err != nil {
		return nil, err
	}

	stackBase := mmu.UserStackTop - mem.VirtAddr(UserStackSize)
	if err := sp.MapLazy(stackBase, UserStackSize, uvm.ProtRead|uvm.ProtWrite|uvm.ProtStack); err != nil {
		sp.Destroy()
		return nil, err
	}

	proc.Space = sp
	proc.Caps = caps.NewSpace()

	k.Sched.SpawnThread(proc, name, sched.DefaultPrio, func() {
		uc := &UserContext{K: k, Proc: proc, Thread: k.Sched.Current()}
		uc.Thread.UserSP = mmu.UserStackTop
		prog(uc)
	})

	return proc, nil
}

// sysFork implements the fork syscall: clone the address space copy-on-write, inherit
// the capability table, and start the child at the continuation the wrapper staged.
func (k *Kernel) sysFork(cur *sched.Thread) int64 {
	proc := cur.Process()
	if proc == nil {
		return errRet(EPERM)
	}

	entry := k.forks.take(cur)
	if entry == nil {
		// Raw fork with no staged child continuation: nothing to run in the child.
		return errRet(ENOSYS)
	}

	parentSpace, _ := spaceOf(proc)
	if parentSpace == nil {
		return errRet(EFAULT)
	}

	child, err := k.Sched.NewProcess(proc, proc.Name())
	if err != nil {
		return errRet(ENOMEM)
	}

	childSpace, err := parentSpace.Clone()
	if err != nil {
		return errRet(ENOMEM)
	}

	child.Space = childSpace

	if cs, ok := proc.Caps.(*caps.Space); ok && cs != nil {
		child.Caps = caps.Inherit(cs)
	} else {
		child.Caps = caps.NewSpace()
	}

	k.Sched.SpawnThread(child, child.Name(), cur.Priority(), func() {
		uc := &UserContext{K: k, Proc: child, Thread: k.Sched.Current()}
		uc.Thread.UserSP = mmu.UserStackTop
		entry(uc)
	})

	return int64(child.PID())
}

// Syscall enters the kernel, as the syscall instruction would.
func (uc *UserContext) Syscall(nr uint64, args ...uint64) int64 {
	ret := uc.K.Syscall(nr, args...)

	// The return path is a preemption-safe boundary.
	if uc.K.Sched.NeedResched() {
		uc.K.Sched.Yield()
	}

	return ret
}

// Fork forks this process; the child runs the given entry from the top. The parent gets
// the child pid (or a negative errno), matching the fork syscall contract.
func (uc *UserContext) Fork(child Program) int64 {
	uc.K.forks.put(uc.Thread, child)
	defer uc.K.forks.take(uc.Thread)

	return uc.Syscall(SysFork)
}

// Exit terminates the process. It never returns.
func (uc *UserContext) Exit(code int) {
	uc.Syscall(SysExit, uint64(code))
}

// Mmap asks the kernel for an anonymous region and returns its base.
func (uc *UserContext) Mmap(hint mem.VirtAddr, size uint64, prot uvm.Prot) (mem.VirtAddr, error) {
	sp, _ := spaceOf(uc.Proc)
	if sp == nil {
		return 0, uvm.ErrNoRegion
	}

	return sp.Mmap(hint, size, prot)
}

// Poke models user stores to the program's own memory: writes fault pages in through
// the normal write-fault path.
func (uc *UserContext) Poke(va mem.VirtAddr, data []byte) error {
	sp, _ := spaceOf(uc.Proc)
	if sp == nil {
		return uvm.ErrNoRegion
	}

	for len(data) > 0 {
		pa, err := sp.ResolveUser(va, true)
		if err != nil {
			return err
		}

		chunk := int(mem.PageSize - uint64(pa)&mem.PageMask)
		if chunk > len(data) {
			chunk = len(data)
		}

		copy(uc.K.RAM.Bytes(pa, chunk), data[:chunk])
		va += mem.VirtAddr(chunk)
		data = data[chunk:]
	}

	return nil
}

// Peek models user loads.
func (uc *UserContext) Peek(va mem.VirtAddr, n int) ([]byte, error) {
	sp, _ := spaceOf(uc.Proc)
	if sp == nil {
		return nil, uvm.ErrNoRegion
	}

	out := make([]byte, 0, n)

	for n > 0 {
		pa, err := sp.ResolveUser(va, false)
		if err != nil {
			return nil, err
		}

		chunk := int(mem.PageSize - uint64(pa)&mem.PageMask)
		if chunk > n {
			chunk = n
		}

		out = append(out, uc.K.RAM.Bytes(pa, chunk)...)
		va += mem.VirtAddr(chunk)
		n -= chunk
	}

	return out, nil
}

// DebugPrint stages s in the program's memory and prints it through the debug_print
// syscall, exercising the full user-pointer validation path.
func (uc *UserContext) DebugPrint(s string) int64 {
	va, err := uc.Mmap(0, pageCeil(uint64(len(s))), uvm.ProtRead|uvm.ProtWrite)
	if err != nil {
		return errRet(ENOMEM)
	}

	if err := uc.Poke(va, []byte(s)); err != nil {
		return errRet(EFAULT)
	}

	ret := uc.Syscall(SysDebugPrint, uint64(va), uint64(len(s)))

	sp, _ := spaceOf(uc.Proc)
	_ = sp.UnmapRegion(va, pageCeil(uint64(len(s))))

	return ret
}

func pageCeil(n uint64) uint64 {
	if n == 0 {
		return mem.PageSize
	}

	return (n + mem.PageMask) &^ uint64(mem.PageMask)
}
