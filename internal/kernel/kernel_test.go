package kernel

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-chaudier/ocean/internal/boot"
	"github.com/jack-chaudier/ocean/internal/ipc"
	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/mmu"
	"github.com/jack-chaudier/ocean/internal/sched"
	"github.com/jack-chaudier/ocean/internal/uvm"
)

func newTestKernel(t *testing.T) (*Kernel, *bytes.Buffer) {
	t.Helper()

	var console bytes.Buffer

	k, err := New(32<<20, nil, WithConsole(strings.NewReader(""), &console))
	require.NoError(t, err)

	return k, &console
}

// settle yields the test thread until every other thread has finished or blocked.
func settle(k *Kernel) {
	for k.Sched.Runnable() > 0 {
		k.Sched.Yield()
	}
}

func TestBoot(t *testing.T) {
	k, _ := newTestKernel(t)

	assert.True(t, k.PMM.Initialized())
	assert.NotZero(t, k.PMM.FreeTotal())
	assert.Equal(t, k.KernelRoot(), k.MMU.ActiveRoot())
	assert.Equal(t, "swapper", k.Sched.Current().Name())
}

func TestTickAdvancesClock(t *testing.T) {
	k, _ := newTestKernel(t)

	before := k.Sched.Ticks()

	for i := 0; i < 5; i++ {
		k.Tick()
	}

	assert.Equal(t, before+5, k.Sched.Ticks())
}

func TestUserProcessSyscalls(t *testing.T) {
	k, console := newTestKernel(t)

	var pid, ppid int64

	proc, err := k.SpawnUser("greeter", func(uc *UserContext) {
		pid = uc.Syscall(SysGetPID)
		ppid = uc.Syscall(SysGetPPID)
		uc.DebugPrint("hello, kernel\n")
		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)

	assert.Equal(t, int64(proc.PID()), pid)
	assert.Zero(t, ppid, "a process spawned from a kernel thread has no parent pid")
	assert.Contains(t, console.String(), "hello, kernel")
	assert.True(t, proc.Zombie())
}

func TestWriteSyscallValidatesPointers(t *testing.T) {
	k, console := newTestKernel(t)

	var (
		good, bad, badFD int64
	)

	_, err := k.SpawnUser("writer", func(uc *UserContext) {
		va, _ := uc.Mmap(0, mem.PageSize, uvm.ProtRead|uvm.ProtWrite)
		_ = uc.Poke(va, []byte("to stdout"))

		good = uc.Syscall(SysWrite, 1, uint64(va), 9)
		bad = uc.Syscall(SysWrite, 1, uint64(0x6666_0000), 4)
		badFD = uc.Syscall(SysWrite, 7, uint64(va), 4)
		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)

	assert.Equal(t, int64(9), good)
	assert.Equal(t, -int64(EFAULT), bad, "an unmapped buffer must fault the copy")
	assert.Equal(t, -int64(EBADF), badFD)
	assert.Contains(t, console.String(), "to stdout")
}

func TestUnknownSyscall(t *testing.T) {
	k, _ := newTestKernel(t)

	var ret int64

	_, err := k.SpawnUser("nosys", func(uc *UserContext) {
		ret = uc.Syscall(777)
		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)
	assert.Equal(t, -int64(ENOSYS), ret)
}

func TestForkCOWThroughSyscalls(t *testing.T) {
	k, _ := newTestKernel(t)

	var (
		childSaw  byte
		parentSaw byte
		childPID  int64
		waitedPID int64
		status    uint64
	)

	_, err := k.SpawnUser("forker", func(uc *UserContext) {
		va, _ := uc.Mmap(0, mem.PageSize, uvm.ProtRead|uvm.ProtWrite)
		_ = uc.Poke(va, []byte{0xab})

		childPID = uc.Fork(func(child *UserContext) {
			b, _ := child.Peek(va, 1)
			childSaw = b[0]
			child.Exit(5)
		})

		_ = uc.Poke(va, []byte{0xcd})

		b, _ := uc.Peek(va, 1)
		parentSaw = b[0]

		statusVA, _ := uc.Mmap(0, mem.PageSize, uvm.ProtRead|uvm.ProtWrite)
		waitedPID = uc.Syscall(SysWait, uint64(statusVA))

		raw, _ := uc.Peek(statusVA, 8)
		status = binary.LittleEndian.Uint64(raw)

		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)

	require.Positive(t, childPID)
	assert.Equal(t, childPID, waitedPID)
	assert.Equal(t, uint64(5), status)

	assert.Equal(t, byte(0xab), childSaw, "the child must keep the pre-fork value")
	assert.Equal(t, byte(0xcd), parentSaw)
}

func TestWaitWithNoChildren(t *testing.T) {
	k, _ := newTestKernel(t)

	var ret int64

	_, err := k.SpawnUser("lonely", func(uc *UserContext) {
		ret = uc.Syscall(SysWait, 0)
		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)
	assert.Equal(t, -int64(ECHILD), ret)
}

func TestEndpointSyscalls(t *testing.T) {
	k, _ := newTestKernel(t)

	var (
		slot     int64
		sendRes  int64
		recvRes  int64
		recvTag  ipc.Tag
		recvReg0 uint64
	)

	_, err := k.SpawnUser("ipc-pair", func(uc *UserContext) {
		slot = uc.Syscall(SysEPCreate, 0)
		if slot < 0 {
			uc.Exit(1)
		}

		uc.Fork(func(client *UserContext) {
			tag := ipc.MkTag(42, 2, 0, 0)
			sendRes = client.Syscall(SysIPCSend, uint64(slot), uint64(tag), 0xcafe, 0xdead)
			client.Exit(0)
		})

		buf, _ := uc.Mmap(0, mem.PageSize, uvm.ProtRead|uvm.ProtWrite)
		recvRes = uc.Syscall(SysIPCRecv, uint64(slot), uint64(buf), uint64(buf)+8)

		raw, _ := uc.Peek(buf, 16)
		recvTag = ipc.Tag(binary.LittleEndian.Uint64(raw[:8]))
		recvReg0 = binary.LittleEndian.Uint64(raw[8:16])

		uc.Syscall(SysWait, 0)
		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)

	require.GreaterOrEqual(t, slot, int64(0))
	assert.Equal(t, int64(ipc.OK), sendRes)
	assert.Equal(t, int64(ipc.OK), recvRes)
	assert.Equal(t, uint32(42), recvTag.Label())
	assert.Equal(t, uint64(0xcafe), recvReg0)
}

func TestEndpointDestroySyscall(t *testing.T) {
	k, _ := newTestKernel(t)

	var destroyRes, sendAfter int64

	_, err := k.SpawnUser("destroyer", func(uc *UserContext) {
		slot := uc.Syscall(SysEPCreate, 0)

		destroyRes = uc.Syscall(SysEPDestroy, uint64(slot))

		tag := ipc.MkTag(1, 0, 0, ipc.FlagNonblock)
		sendAfter = uc.Syscall(SysIPCSend, uint64(slot), uint64(tag))
		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)

	assert.Zero(t, destroyRes)
	assert.Equal(t, -int64(EINVAL), sendAfter, "the capability slot died with the endpoint")
}

func TestStackDemandFaults(t *testing.T) {
	k, _ := newTestKernel(t)

	var wrote bool

	_, err := k.SpawnUser("stacker", func(uc *UserContext) {
		// The stack area is lazy; touching near the top demand-faults it in.
		va := mmu.UserStackTop - 64

		if err := uc.Poke(va, []byte{1, 2, 3, 4}); err == nil {
			wrote = true
		}

		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)
	assert.True(t, wrote)
}

func TestPageFaultEntryKillsBadAccess(t *testing.T) {
	k, _ := newTestKernel(t)

	var proc *sched.Process

	proc, err := k.SpawnUser("wild", func(uc *UserContext) {
		// A wild store: the fault handler finds no area and kills the process.
		uc.K.PageFault(0x1234_5000, uvm.FaultUser|uvm.FaultWrite)
		uc.Exit(0) // unreachable
	})
	require.NoError(t, err)

	settle(k)

	assert.True(t, proc.Zombie())
	assert.Equal(t, int(-EFAULT), proc.ExitCode())
}

func TestModuleCaching(t *testing.T) {
	const ramSize = 32 << 20

	info := boot.Synthetic(ramSize, uint64(mmu.HHDMBase), []boot.Module{
		{Address: 2 << 20, Size: 4096, Cmdline: "initrd"},
	})

	var console bytes.Buffer

	k, err := New(ramSize, info, WithConsole(nil, &console))
	require.NoError(t, err)

	m, ok := k.Module("initrd")
	require.True(t, ok)
	assert.Equal(t, uint64(4096), m.Size)
	assert.NotZero(t, m.Data)
	assert.Equal(t, uint64(4096), k.Heap.Ksize(m.Data))
}

func TestReapTearsDownSpaces(t *testing.T) {
	k, _ := newTestKernel(t)

	var before, during uint64

	before = k.PMM.FreeTotal()

	_, err := k.SpawnUser("parent", func(uc *UserContext) {
		uc.Fork(func(child *UserContext) {
			va, _ := child.Mmap(0, 16*mem.PageSize, uvm.ProtRead|uvm.ProtWrite)

			for off := uint64(0); off < 16*mem.PageSize; off += mem.PageSize {
				_ = child.Poke(va+mem.VirtAddr(off), []byte{1})
			}

			during = child.K.PMM.FreeTotal()
			child.Exit(0)
		})

		uc.Syscall(SysWait, 0)
		uc.Exit(0)
	})
	require.NoError(t, err)

	settle(k)

	assert.Less(t, during, before)
	assert.Greater(t, k.PMM.FreeTotal(), during, "reaping must return the child's pages")
}
