package sched

// sched.go drives the single simulated CPU: context switch, schedule, sleep and wakeup,
// thread and process lifecycle, and the timer tick.

import (
	"fmt"
	"sync/atomic"

	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/log"
)

// Timing. HZ ticks per second; a tick charges TickNS; a fresh time slice is DefSliceNS.
const (
	HZ         = 100
	TickNS     = int64(1e9) / HZ
	DefSliceNS = 10 * TickNS
)

// Sched is the scheduler: one CPU's run queue plus the global thread registry. The data
// is sharded the way an SMP kernel would shard it, but this machine has one CPU.
type Sched struct {
	cpu cpu

	tidNext atomic.Int64
	pids    pidAlloc

	allLock ksync.SpinLock
	all     map[TID]*Thread

	procLock ksync.SpinLock
	procs    map[PID]*Process

	// SwitchSpace, when set, is invoked on every context switch that changes process so
	// the MMU can load the incoming address space's top-level table.
	SwitchSpace func(next *Process)

	// ReapSpace, when set, tears down a zombie's address and capability spaces at reap.
	ReapSpace func(p *Process)

	// OnThreadExit, when set, runs on the dying thread before its final switch, so
	// other subsystems can drop per-thread state (IPC reply endpoints).
	OnThreadExit func(t *Thread)

	globalTicks atomic.Int64

	log *log.Logger
}

// cpu is the per-CPU block.
type cpu struct {
	id int
	rq runQueue

	preempt atomic.Int32
	intrOff atomic.Bool

	// wake kicks the idle thread out of its halted state when an interrupt or wakeup
	// arrives while the CPU is idle.
	wake chan struct{}
}

// New creates a scheduler with an empty run queue. The calling goroutine is not yet a
// thread; call Bootstrap before using any operation that needs a current thread.
func New(logger *log.Logger) *Sched {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	s := &Sched{
		all:   make(map[TID]*Thread),
		procs: make(map[PID]*Process),
		log:   logger,
	}

	s.cpu.wake = make(chan struct{}, 1)
	s.tidNext.Store(1)
	s.pids.next = 1

	return s
}

// InstallIRQHooks points the ksync interrupt-flag controls at this CPU. The machine glue
// calls it once at boot.
func (s *Sched) InstallIRQHooks() {
	ksync.IRQDisable = func() ksync.IRQState {
		return ksync.IRQState(s.cpu.intrOff.Swap(true))
	}
	ksync.IRQRestore = func(prev ksync.IRQState) {
		s.cpu.intrOff.Store(bool(prev))
	}
}

// Bootstrap adopts the calling goroutine as the first thread ("swapper") and makes it
// current. It also creates the idle thread.
func (s *Sched) Bootstrap(name string) *Thread {
	t := s.newThread(name, DefaultPrio, nil, nil)
	t.state = TaskRunning
	s.cpu.rq.current = t

	idle := s.newThread("idle", MaxPrio-1, nil, nil)
	idle.flags |= FlagIdle | FlagKThread
	idle.entry = s.idleLoop
	s.cpu.rq.idle = idle
	s.startGoroutine(idle)

	s.log.Debug("sched: bootstrapped", "thread", t.String())

	return t
}

// Current returns the thread owning the CPU.
func (s *Sched) Current() *Thread { return s.cpu.rq.current }

// Ticks returns the global tick count.
func (s *Sched) Ticks() int64 { return s.globalTicks.Load() }

// Switches returns the CPU's context-switch count.
func (s *Sched) Switches() uint64 { return s.cpu.rq.switches }

// Runnable returns the number of queued runnable threads (excluding current).
func (s *Sched) Runnable() uint32 {
	st := s.cpu.rq.lock.LockIRQSave()
	defer s.cpu.rq.lock.UnlockIRQRestore(st)

	return s.cpu.rq.count
}

// newThread builds a thread record and registers it globally.
func (s *Sched) newThread(name string, prio int, p *Process, entry func()) *Thread {
	t := &Thread{
		id:        TID(s.tidNext.Add(1) - 1),
		name:      name,
		proc:      p,
		state:     TaskStopped,
		prio:      prio,
		nice:      PrioToNice(prio),
		slice:     DefSliceNS,
		entry:     entry,
		startTick: s.globalTicks.Load(),
		affinity:  1,
		ctx:       context{gate: make(chan struct{}, 1)},
	}

	if p != nil {
		p.addThread(t)
	} else {
		t.flags |= FlagKThread
	}

	s.allLock.Lock()
	s.all[t.id] = t
	s.allLock.Unlock()

	return t
}

// threadExit is the panic value ExitThread unwinds the carrier goroutine with.
type threadExit struct{ code int }

// startGoroutine launches the carrier goroutine, parked until first scheduled.
func (s *Sched) startGoroutine(t *Thread) {
	go func() {
		<-t.ctx.gate

		code := 0

		func() {
			defer func() {
				if r := recover(); r != nil {
					exit, ok := r.(threadExit)
					if !ok {
						panic(r)
					}

					code = exit.code
				}
			}()

			t.entry()
		}()

		// Falling off the entry function is an implicit exit with code 0.
		s.finishExit(t, code)
	}()
}

// SpawnKThread creates and starts a kernel thread at the given priority.
func (s *Sched) SpawnKThread(name string, prio int, entry func()) *Thread {
	t := s.newThread(name, prio, nil, entry)
	t.flags |= FlagKThread
	s.startGoroutine(t)
	s.Add(t)

	return t
}

// SpawnThread creates and starts a thread inside a process.
func (s *Sched) SpawnThread(p *Process, name string, prio int, entry func()) *Thread {
	t := s.newThread(name, prio, p, entry)
	s.startGoroutine(t)
	s.Add(t)

	return t
}

// Add marks a thread runnable and queues it at its priority tail.
func (s *Sched) Add(t *Thread) {
	st := s.cpu.rq.lock.LockIRQSave()

	if !t.queued && t != s.cpu.rq.current {
		s.cpu.rq.enqueue(t)

		// A higher-priority arrival preempts the current thread at the next boundary.
		if cur := s.cpu.rq.current; cur != nil && t.prio < cur.prio {
			cur.flags |= FlagNeedResched
		}
	}

	s.cpu.rq.lock.UnlockIRQRestore(st)
	s.kickIdle()
}

// Remove pulls a thread off the run queue.
func (s *Sched) Remove(t *Thread) {
	st := s.cpu.rq.lock.LockIRQSave()
	s.cpu.rq.dequeue(t)
	s.cpu.rq.lock.UnlockIRQRestore(st)
}

// PreemptDisable enters a no-preemption section.
func (s *Sched) PreemptDisable() { s.cpu.preempt.Add(1) }

// PreemptEnable leaves the section; at depth zero a pending reschedule runs.
func (s *Sched) PreemptEnable() {
	if s.cpu.preempt.Add(-1) == 0 {
		if cur := s.cpu.rq.current; cur != nil && cur.flags&FlagNeedResched != 0 {
			s.Schedule()
		}
	}
}

// Yield surrenders the CPU, leaving the caller runnable at its priority tail.
func (s *Sched) Yield() { s.Schedule() }

// Schedule picks the highest-priority runnable thread and switches to it. A runnable,
// non-idle current thread is requeued at its priority tail first.
func (s *Sched) Schedule() {
	s.cpu.preempt.Add(1)

	rq := &s.cpu.rq
	st := rq.lock.LockIRQSave()

	prev := rq.current
	prev.flags &^= FlagNeedResched

	if prev.state == TaskRunning && prev.flags&FlagIdle == 0 {
		rq.enqueue(prev)
	}

	next := rq.pickNext()
	if next == nil {
		next = rq.idle
	}

	rq.lock.UnlockIRQRestore(st)

	if next != prev {
		s.contextSwitch(prev, next, true)
	}

	s.cpu.preempt.Add(-1)

	// Something may have become urgent while we were switching back in.
	if cur := s.cpu.rq.current; cur != nil && cur.flags&FlagNeedResched != 0 && s.cpu.preempt.Load() == 0 {
		s.Schedule()
	}
}

// contextSwitch hands the CPU to next. With wait set the outgoing goroutine parks until
// rescheduled; an exiting thread passes wait=false and never returns here.
func (s *Sched) contextSwitch(prev, next *Thread, wait bool) {
	rq := &s.cpu.rq

	rq.current = next
	next.flags &^= FlagNeedResched
	next.lastRun = rq.ticks
	next.lastCPU = int32(s.cpu.id)
	rq.switches++

	if s.SwitchSpace != nil && procOf(prev) != procOf(next) {
		s.SwitchSpace(procOf(next))
	}

	next.ctx.gate <- struct{}{}

	if wait {
		<-prev.ctx.gate
	}
}

func procOf(t *Thread) *Process {
	if t == nil {
		return nil
	}

	return t.proc
}

// idleLoop is the idle thread: halt until an interrupt or wakeup, then reschedule.
func (s *Sched) idleLoop() {
	for {
		st := s.cpu.rq.lock.LockIRQSave()
		empty := s.cpu.rq.count == 0
		s.cpu.rq.lock.UnlockIRQRestore(st)

		if empty {
			<-s.cpu.wake // hlt
		}

		s.Schedule()
	}
}

// kickIdle pokes a halted idle thread.
func (s *Sched) kickIdle() {
	select {
	case s.cpu.wake <- struct{}{}:
	default:
	}
}

// SleepOn blocks the current thread on an arbitrary channel identity until a wakeup on
// the same channel. Wakeups are edge-triggered: one issued before the sleeper is queued
// is lost, so establish shared state before calling.
func (s *Sched) SleepOn(channel any) {
	t := s.cpu.rq.current

	t.waitChan = channel
	t.state = TaskInterruptible

	s.Schedule()
}

// SleepUnless publishes sleep intent on the channel, then re-tests ready. If the
// condition turned true in the window, the sleep is abandoned. This closes the lost
// wakeup race against wakers running off-CPU (interrupt pumps).
func (s *Sched) SleepUnless(channel any, ready func() bool) {
	t := s.cpu.rq.current

	t.waitChan = channel
	t.state = TaskInterruptible

	if ready != nil && ready() {
		t.state = TaskRunning
		t.waitChan = nil

		return
	}

	s.Schedule()
	t.waitChan = nil
}

// Block parks the current thread in the given sleep state without a wait channel; a
// cooperating waker holds the thread pointer (IPC wait records do this).
func (s *Sched) Block(state State) {
	t := s.cpu.rq.current
	t.state = state

	s.Schedule()
}

// WakeThread makes a specific sleeping thread runnable.
func (s *Sched) WakeThread(t *Thread) bool {
	if t.state != TaskInterruptible && t.state != TaskUninterruptible {
		return false
	}

	t.state = TaskRunning
	t.waitChan = nil
	s.Add(t)

	return true
}

// Wakeup wakes every thread sleeping on the channel and returns how many it woke.
func (s *Sched) Wakeup(channel any) int {
	s.allLock.Lock()

	var wake []*Thread

	for _, t := range s.all {
		if t.waitChan == channel && t.state == TaskInterruptible {
			wake = append(wake, t)
		}
	}

	s.allLock.Unlock()

	for _, t := range wake {
		s.WakeThread(t)
	}

	return len(wake)
}

// SetNice adjusts a thread's nice value, requeueing it if runnable.
func (s *Sched) SetNice(t *Thread, nice int) {
	s.setPriority(t, NiceToPrio(nice), nice)
}

// SetPriority moves a thread to an explicit priority (real-time band included).
func (s *Sched) SetPriority(t *Thread, prio int) {
	s.setPriority(t, prio, PrioToNice(prio))
}

func (s *Sched) setPriority(t *Thread, prio, nice int) {
	if prio < 0 {
		prio = 0
	} else if prio >= MaxPrio {
		prio = MaxPrio - 1
	}

	st := s.cpu.rq.lock.LockIRQSave()

	if t.queued {
		s.cpu.rq.dequeue(t)
		t.prio = prio
		t.nice = nice
		s.cpu.rq.enqueue(t)
	} else {
		t.prio = prio
		t.nice = nice
	}

	if cur := s.cpu.rq.current; cur != nil && t.queued && prio < cur.prio {
		cur.flags |= FlagNeedResched
	}

	s.cpu.rq.lock.UnlockIRQRestore(st)
}

// TimerTick is the clock interrupt: charge time, expire slices, request preemption. It
// may be invoked from any goroutine; it touches only locked state.
func (s *Sched) TimerTick() {
	s.globalTicks.Add(1)

	rq := &s.cpu.rq
	st := rq.lock.LockIRQSave()

	rq.ticks++
	cur := rq.current

	switch {
	case cur == nil:
		// Before bootstrap; nothing to charge.

	case cur.flags&FlagIdle != 0:
		rq.idleTicks++

		if rq.count > 0 {
			cur.flags |= FlagNeedResched
		}

	default:
		rq.runTicks++
		cur.stime += TickNS

		if cur.slice <= TickNS {
			cur.slice = DefSliceNS
			cur.flags |= FlagNeedResched
		} else {
			cur.slice -= TickNS
		}

		if prio := rq.highestPrio(); prio < cur.prio {
			cur.flags |= FlagNeedResched
		}
	}

	rq.lock.UnlockIRQRestore(st)
	s.kickIdle()
}

// NeedResched reports whether the current thread has a pending preemption request.
func (s *Sched) NeedResched() bool {
	cur := s.cpu.rq.current
	return cur != nil && cur.flags&FlagNeedResched != 0
}

// ExitThread terminates the calling thread, unwinding its stack on the way out. It
// never returns.
func (s *Sched) ExitThread(code int) {
	panic(threadExit{code})
}

// finishExit runs after the dying thread's stack has unwound: release the process if
// this was its last thread, then hand the CPU off for the final time.
func (s *Sched) finishExit(t *Thread, code int) {
	t.flags |= FlagExiting
	t.state = TaskZombie

	if s.OnThreadExit != nil {
		s.OnThreadExit(t)
	}

	if p := t.proc; p != nil {
		if last := p.dropThread(t); last {
			s.exitProcess(p, code)
		}
	}

	s.allLock.Lock()
	delete(s.all, t.id)
	s.allLock.Unlock()

	rq := &s.cpu.rq
	st := rq.lock.LockIRQSave()
	next := rq.pickNext()

	if next == nil {
		next = rq.idle
	}

	rq.lock.UnlockIRQRestore(st)

	t.state = TaskDead
	s.contextSwitch(t, next, false)

	// The carrier goroutine returns and unwinds.
}

// exitProcess marks a process zombie and notifies its parent's waiters.
func (s *Sched) exitProcess(p *Process, code int) {
	p.lock.Lock()
	p.zombie = true
	p.exitCode = code
	p.lock.Unlock()

	s.log.Debug("sched: process exited", "pid", int(p.pid), "code", code)

	s.reparentOrphans(p)

	if p.parent != nil {
		s.Wakeup(waitChannel(p.parent))
	}
}

// Threads returns a snapshot of every live thread, for diagnostics.
func (s *Sched) Threads() []*Thread {
	s.allLock.Lock()
	defer s.allLock.Unlock()

	out := make([]*Thread, 0, len(s.all))
	for _, t := range s.all {
		out = append(out, t)
	}

	return out
}

// LogValue summarizes the CPU for structured logs.
func (s *Sched) LogValue() log.Value {
	rq := &s.cpu.rq

	return log.GroupValue(
		log.Uint64("switches", rq.switches),
		log.Uint64("idle_ticks", rq.idleTicks),
		log.Int64("ticks", rq.ticks),
		log.Int("runnable", int(rq.count)),
	)
}

var errNoPIDs = fmt.Errorf("sched: out of pids")
