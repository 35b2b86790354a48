package sched

// wait.go provides typed wait queues: a lock plus a FIFO of sleeping threads. They are
// the structured alternative to bare channel sleeps.

import "github.com/jack-chaudier/ocean/internal/ksync"

// WaitQueue is a FIFO of threads blocked until woken.
type WaitQueue struct {
	s *Sched

	lock    ksync.SpinLock
	waiters []*Thread
}

// NewWaitQueue creates an empty wait queue.
func (s *Sched) NewWaitQueue() *WaitQueue {
	return &WaitQueue{s: s}
}

// Wait appends the caller and sleeps until a waker dequeues it.
func (wq *WaitQueue) Wait() {
	t := wq.s.Current()

	wq.lock.Lock()
	wq.waiters = append(wq.waiters, t)
	wq.lock.Unlock()

	wq.s.Block(TaskInterruptible)

	// A racing WakeAll may leave us listed after waking; clean up.
	wq.remove(t)
}

// WaitEvent sleeps until cond holds. cond is evaluated with no lock held; callers
// synchronize the condition's inputs themselves.
func (wq *WaitQueue) WaitEvent(cond func() bool) {
	for !cond() {
		wq.Wait()
	}
}

// WakeOne wakes the longest-waiting thread. It reports whether anything was woken.
func (wq *WaitQueue) WakeOne() bool {
	wq.lock.Lock()

	var t *Thread

	if len(wq.waiters) > 0 {
		t = wq.waiters[0]
		wq.waiters = wq.waiters[1:]
	}

	wq.lock.Unlock()

	if t == nil {
		return false
	}

	return wq.s.WakeThread(t)
}

// WakeAll wakes every waiter and returns how many there were.
func (wq *WaitQueue) WakeAll() int {
	wq.lock.Lock()
	waiters := wq.waiters
	wq.waiters = nil
	wq.lock.Unlock()

	for _, t := range waiters {
		wq.s.WakeThread(t)
	}

	return len(waiters)
}

// Empty reports whether the queue has no waiters.
func (wq *WaitQueue) Empty() bool {
	wq.lock.Lock()
	defer wq.lock.Unlock()

	return len(wq.waiters) == 0
}

func (wq *WaitQueue) remove(t *Thread) {
	wq.lock.Lock()
	defer wq.lock.Unlock()

	for i, w := range wq.waiters {
		if w == t {
			wq.waiters = append(wq.waiters[:i], wq.waiters[i+1:]...)
			return
		}
	}
}
