// Package sched implements kernel threads, processes, and the priority-preemptive
// scheduler. Each thread's execution is carried by a goroutine, but only one ever runs:
// a context switch hands the simulated CPU to the incoming thread's gate channel and
// parks the outgoing goroutine, which is exactly the save/restore a native kernel does
// with callee-saved registers, just with Go's runtime holding the registers.
package sched

import (
	"fmt"

	"github.com/jack-chaudier/ocean/internal/mem"
)

// TID is a thread identifier.
type TID int64

// State is the thread lifecycle state.
type State uint8

const (
	// TaskRunning covers both "on a run queue" and "currently executing".
	TaskRunning State = iota
	TaskInterruptible
	TaskUninterruptible
	TaskStopped
	TaskZombie
	TaskDead
)

func (s State) String() string {
	switch s {
	case TaskRunning:
		return "run"
	case TaskInterruptible:
		return "sleep"
	case TaskUninterruptible:
		return "dsleep"
	case TaskStopped:
		return "stopped"
	case TaskZombie:
		return "zombie"
	case TaskDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Flags are thread attribute and request bits.
type Flags uint16

const (
	FlagKThread Flags = 1 << iota
	FlagIdle
	FlagNeedResched
	FlagExiting
	FlagForking
)

// Priority bands. Lower numbers run first; the real-time band sits below MaxRTPrio, the
// user band above it.
const (
	MaxPrio   = 140
	MaxRTPrio = 100

	// DefaultPrio is where a nice-0 thread lands.
	DefaultPrio = MaxRTPrio + 20
)

// NiceToPrio maps a nice value in [-20, 19] into the user band.
func NiceToPrio(nice int) int {
	if nice < -20 {
		nice = -20
	} else if nice > 19 {
		nice = 19
	}

	return DefaultPrio + nice
}

// PrioToNice inverts NiceToPrio for user-band priorities.
func PrioToNice(prio int) int { return prio - DefaultPrio }

// context is the saved execution state of a thread: the run gate the goroutine parks on,
// standing in for the callee-saved register file, plus the simulated stack pointer.
type context struct {
	gate chan struct{}
	sp   uint64
}

// Thread is a kernel thread.
type Thread struct {
	id   TID
	name string
	proc *Process

	state State
	flags Flags

	prio  int
	nice  int
	slice int64 // Remaining time slice, nanoseconds.

	ctx context

	// Kernel stack span, allocated by the thread's creator. The simulated stack pointer
	// starts at the top.
	KStackBase mem.VirtAddr
	KStackSize uint64
	UserSP     mem.VirtAddr

	startTick int64
	utime     int64 // Accumulated user time, ns.
	stime     int64 // Accumulated system time, ns.
	lastRun   int64

	// Run-queue linkage.
	rqNext, rqPrev *Thread
	queued         bool

	// Wait state: the channel identity the thread sleeps on and the result the waker
	// leaves behind.
	waitChan any
	waitRes  int

	affinity uint64
	lastCPU  int32

	entry func()
}

// ID returns the thread id.
func (t *Thread) ID() TID { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Process returns the owning process, nil for bare kernel threads.
func (t *Thread) Process() *Process { return t.proc }

// State returns the lifecycle state.
func (t *Thread) State() State { return t.state }

// Priority returns the current priority.
func (t *Thread) Priority() int { return t.prio }

// Nice returns the nice value.
func (t *Thread) Nice() int { return t.nice }

// Times returns accumulated user and system time in nanoseconds.
func (t *Thread) Times() (utime, stime int64) { return t.utime, t.stime }

// WaitResult returns the result slot a waker filled before waking the thread.
func (t *Thread) WaitResult() int { return t.waitRes }

// SetWaitResult fills the result slot; call before waking.
func (t *Thread) SetWaitResult(res int) { t.waitRes = res }

// Idle reports whether this is the CPU's idle thread.
func (t *Thread) Idle() bool { return t.flags&FlagIdle != 0 }

func (t *Thread) String() string {
	pid := PID(0)
	if t.proc != nil {
		pid = t.proc.PID()
	}

	return fmt.Sprintf("thread{%d %q pid=%d %s prio=%d}", t.id, t.name, pid, t.state, t.prio)
}
