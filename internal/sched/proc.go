package sched

// proc.go defines processes: the resource container a thread group shares, the PID
// bitmap, and the parent/child links wait() reaps through.

import (
	"fmt"

	"github.com/jack-chaudier/ocean/internal/ksync"
)

// PID is a process identifier.
type PID int32

// MaxPIDs bounds the PID bitmap.
const MaxPIDs = 32768

// NameMax bounds a process name.
const NameMax = 16

// Credentials are the uid/gid triples.
type Credentials struct {
	UID, EUID, SUID uint32
	GID, EGID, SGID uint32
}

// Process is the resource container owning threads, an address space, and a capability
// space. Space and Caps are opaque to the scheduler; the kernel glue wires the concrete
// objects in.
type Process struct {
	pid  PID
	ppid PID
	pgid PID
	sid  PID

	creds Credentials

	// Space is the process address space (nil for kernel processes); Caps its capability
	// space. Both are owned here and torn down on reap.
	Space any
	Caps  any

	lock ksync.SpinLock

	threads []*Thread
	main    *Thread

	parent   *Process
	children []*Process

	exitCode   int
	exitSignal int
	zombie     bool

	name string
}

// pidAlloc is the PID bitmap.
type pidAlloc struct {
	lock ksync.SpinLock
	bits [MaxPIDs / 64]uint64
	next PID
}

func (pa *pidAlloc) get() (PID, bool) {
	pa.lock.Lock()
	defer pa.lock.Unlock()

	for scanned := 0; scanned < MaxPIDs; scanned++ {
		pid := pa.next
		pa.next++

		if pa.next >= MaxPIDs {
			pa.next = 1 // PID 0 is the idle/swapper convention.
		}

		if pa.bits[pid/64]&(1<<(pid%64)) == 0 {
			pa.bits[pid/64] |= 1 << (pid % 64)
			return pid, true
		}
	}

	return 0, false
}

func (pa *pidAlloc) put(pid PID) {
	pa.lock.Lock()
	pa.bits[pid/64] &^= 1 << (pid % 64)
	pa.lock.Unlock()
}

// PID returns the process id.
func (p *Process) PID() PID { return p.pid }

// PPID returns the parent process id.
func (p *Process) PPID() PID { return p.ppid }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// SetName truncates and stores the process name.
func (p *Process) SetName(name string) {
	if len(name) > NameMax {
		name = name[:NameMax]
	}

	p.lock.Lock()
	p.name = name
	p.lock.Unlock()
}

// Creds returns the credential triples.
func (p *Process) Creds() Credentials { return p.creds }

// Main returns the main thread.
func (p *Process) Main() *Thread { return p.main }

// Threads returns a snapshot of the process's threads.
func (p *Process) Threads() []*Thread {
	p.lock.Lock()
	defer p.lock.Unlock()

	return append([]*Thread(nil), p.threads...)
}

// Zombie reports whether the process has exited but not been reaped.
func (p *Process) Zombie() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.zombie
}

// ExitCode returns the stored exit code.
func (p *Process) ExitCode() int { return p.exitCode }

func (p *Process) String() string {
	return fmt.Sprintf("proc{%d %q ppid=%d threads=%d}", p.pid, p.name, p.ppid, len(p.threads))
}

func (p *Process) addThread(t *Thread) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.threads = append(p.threads, t)
	if p.main == nil {
		p.main = t
	}
}

func (p *Process) dropThread(t *Thread) (last bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for i, cur := range p.threads {
		if cur == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			break
		}
	}

	return len(p.threads) == 0
}
