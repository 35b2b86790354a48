package kernel

// syscall.go is the system-call dispatcher. Numbers are stable; arguments are 64-bit
// words; failures come back as negative POSIX-shaped errnos in the return word.

import (
	"github.com/jack-chaudier/ocean/internal/caps"
	"github.com/jack-chaudier/ocean/internal/ipc"
	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/sched"
)

// Errno is a POSIX-shaped error number. Syscalls return them negated.
type Errno int64

const (
	EPERM  Errno = 1
	ENOENT Errno = 2
	ESRCH  Errno = 3
	EINTR  Errno = 4
	EBADF  Errno = 9
	ECHILD Errno = 10
	ENOMEM Errno = 12
	EACCES Errno = 13
	EFAULT Errno = 14
	EBUSY  Errno = 16
	EEXIST Errno = 17
	EINVAL Errno = 22
	ENOSYS Errno = 38
)

// Syscall numbers.
const (
	SysExit       = 0
	SysFork       = 1
	SysExec       = 2
	SysWait       = 3
	SysGetPID     = 4
	SysGetPPID    = 5
	SysYield      = 10
	SysRead       = 32
	SysWrite      = 33
	SysIPCSend    = 50
	SysIPCRecv    = 51
	SysEPCreate   = 60
	SysEPDestroy  = 61
	SysDebugPrint = 99
)

func errRet(e Errno) int64 { return -int64(e) }

// Syscall dispatches number nr with up to six argument words on behalf of the current
// thread. It is the architecture layer's syscall entry point.
func (k *Kernel) Syscall(nr uint64, args ...uint64) int64 {
	var a [6]uint64
	copy(a[:], args)

	cur := k.Sched.Current()
	proc := cur.Process()

	switch nr {
	case SysExit:
		k.Sched.ExitThread(int(int64(a[0])))
		return 0 // unreachable

	case SysFork:
		return k.sysFork(cur)

	case SysExec:
		return k.sysExec(proc, a[0], a[1], a[2])

	case SysWait:
		return k.sysWait(proc, mem.VirtAddr(a[0]))

	case SysGetPID:
		if proc == nil {
			return 0
		}

		return int64(proc.PID())

	case SysGetPPID:
		if proc == nil {
			return 0
		}

		return int64(proc.PPID())

	case SysYield:
		k.Sched.Yield()
		return 0

	case SysRead:
		return k.sysRead(proc, a[0], mem.VirtAddr(a[1]), a[2])

	case SysWrite:
		return k.sysWrite(proc, a[0], mem.VirtAddr(a[1]), a[2])

	case SysIPCSend:
		return k.sysIPCSend(proc, a[0], ipc.Tag(a[1]), a[2:])

	case SysIPCRecv:
		return k.sysIPCRecv(proc, a[0], mem.VirtAddr(a[1]), mem.VirtAddr(a[2]))

	case SysEPCreate:
		return k.sysEndpointCreate(proc, a[0])

	case SysEPDestroy:
		return k.sysEndpointDestroy(proc, a[0])

	case SysDebugPrint:
		return k.sysDebugPrint(proc, mem.VirtAddr(a[0]), a[1])

	default:
		return errRet(ENOSYS)
	}
}

func (k *Kernel) sysWait(proc *sched.Process, statusPtr mem.VirtAddr) int64 {
	if proc == nil {
		return errRet(EPERM)
	}

	pid, code, ok := k.Sched.WaitChild(proc)
	if !ok {
		return errRet(ECHILD)
	}

	if statusPtr != 0 {
		var buf [8]byte

		for i := 0; i < 8; i++ {
			buf[i] = byte(uint64(code) >> (8 * i))
		}

		if err := k.copyToUser(proc, statusPtr, buf[:]); err != 0 {
			return errRet(err)
		}
	}

	return int64(pid)
}

func (k *Kernel) sysExec(proc *sched.Process, pathPtr, argvPtr, envpPtr uint64) int64 {
	if proc == nil {
		return errRet(EPERM)
	}

	if k.ExecHandler == nil {
		return errRet(ENOSYS)
	}

	path, err := k.copyStringFromUser(proc, mem.VirtAddr(pathPtr), 4096)
	if err != 0 {
		return errRet(err)
	}

	// argv/envp unpacking is the process server's concern; the core does not read
	// them and hands the handler nil argv and envp.
	_ = argvPtr
	_ = envpPtr

	if e := k.ExecHandler(proc, path, nil, nil); e != nil {
		return errRet(ENOENT)
	}

	// A successful exec never returns; the handler replaced this thread.
	k.Sched.ExitThread(0)

	return 0
}

func (k *Kernel) sysRead(proc *sched.Process, fd uint64, buf mem.VirtAddr, n uint64) int64 {
	if fd != 0 {
		return errRet(EBADF)
	}

	if k.ConsoleIn == nil {
		return 0
	}

	if n == 0 {
		return 0
	}

	tmp := make([]byte, n)

	read, err := k.ConsoleIn.Read(tmp)
	if err != nil && read == 0 {
		return 0
	}

	if e := k.copyToUser(proc, buf, tmp[:read]); e != 0 {
		return errRet(e)
	}

	return int64(read)
}

func (k *Kernel) sysWrite(proc *sched.Process, fd uint64, buf mem.VirtAddr, n uint64) int64 {
	if fd != 1 && fd != 2 {
		return errRet(EBADF)
	}

	data, e := k.copyFromUser(proc, buf, n)
	if e != 0 {
		return errRet(e)
	}

	written, err := k.ConsoleOut.Write(data)
	if err != nil {
		return errRet(EFAULT)
	}

	return int64(written)
}

func (k *Kernel) sysDebugPrint(proc *sched.Process, buf mem.VirtAddr, n uint64) int64 {
	data, e := k.copyFromUser(proc, buf, n)
	if e != 0 {
		return errRet(e)
	}

	written, err := k.ConsoleOut.Write(data)
	if err != nil {
		return errRet(EFAULT)
	}

	return int64(written)
}

// endpointFromCap resolves an endpoint capability slot, checking the required right.
func (k *Kernel) endpointFromCap(proc *sched.Process, slot uint64, need caps.Rights) (*ipc.Endpoint, Errno) {
	if proc == nil {
		return nil, EPERM
	}

	cs, ok := proc.Caps.(*caps.Space)
	if !ok || cs == nil {
		return nil, EPERM
	}

	c, err := cs.LookupTyped(int(slot), caps.TypeEndpoint)
	if err != nil {
		return nil, EINVAL
	}

	if !c.Rights.Has(need) {
		return nil, EPERM
	}

	ep, ok := c.Object.(*ipc.Endpoint)
	if !ok {
		return nil, EINVAL
	}

	return ep, 0
}

// ipcRet folds an IPC result into the syscall return convention: non-OK results are
// returned as positive IPC codes so userspace can tell "no partner" from a POSIX error.
func ipcRet(res ipc.Result) int64 { return int64(res) }

func (k *Kernel) sysIPCSend(proc *sched.Process, slot uint64, tag ipc.Tag, regs []uint64) int64 {
	ep, e := k.endpointFromCap(proc, slot, caps.RightSend)
	if e != 0 {
		return errRet(e)
	}

	msg := ipc.Message{Tag: tag}
	copy(msg.Regs[:], regs)

	return ipcRet(ep.Send(&msg))
}

func (k *Kernel) sysIPCRecv(proc *sched.Process, slot uint64, tagPtr, regsPtr mem.VirtAddr) int64 {
	ep, e := k.endpointFromCap(proc, slot, caps.RightRecv)
	if e != 0 {
		return errRet(e)
	}

	var msg ipc.Message

	res := ep.Recv(&msg)
	if res != ipc.OK {
		return ipcRet(res)
	}

	var out [8 * (1 + 4)]byte

	putU64(out[0:], uint64(msg.Tag))

	for i := 0; i < 4; i++ {
		putU64(out[8*(1+i):], msg.Regs[i])
	}

	if tagPtr != 0 {
		if e := k.copyToUser(proc, tagPtr, out[:8]); e != 0 {
			return errRet(e)
		}
	}

	if regsPtr != 0 {
		if e := k.copyToUser(proc, regsPtr, out[8:]); e != 0 {
			return errRet(e)
		}
	}

	return ipcRet(ipc.OK)
}

func (k *Kernel) sysEndpointCreate(proc *sched.Process, flagWord uint64) int64 {
	if proc == nil {
		return errRet(EPERM)
	}

	cs, ok := proc.Caps.(*caps.Space)
	if !ok || cs == nil {
		return errRet(EPERM)
	}

	var flags ipc.EPFlags
	if flagWord&1 != 0 {
		flags |= ipc.EPNotify
	}

	ep := k.IPC.Create(proc, flags)

	slot, err := cs.Insert(caps.TypeEndpoint, caps.RightsAll, ep, 0)
	if err != nil {
		k.IPC.Put(ep)
		return errRet(ENOMEM)
	}

	// The slot index is the endpoint's name in this process.
	return int64(slot)
}

func (k *Kernel) sysEndpointDestroy(proc *sched.Process, slot uint64) int64 {
	ep, e := k.endpointFromCap(proc, slot, caps.RightManage)
	if e != 0 {
		return errRet(e)
	}

	if ep.Owner() != proc {
		return errRet(EPERM)
	}

	k.IPC.Destroy(ep)

	if cs, ok := proc.Caps.(*caps.Space); ok && cs != nil {
		_ = cs.Delete(int(slot))
	}

	return 0
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
