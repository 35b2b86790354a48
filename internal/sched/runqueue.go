package sched

// runqueue.go is the per-CPU run queue: one FIFO list per priority plus a bitmap for
// O(1) highest-priority lookup. All mutation happens under the queue's IRQ lock.

import (
	"math/bits"

	"github.com/jack-chaudier/ocean/internal/ksync"
)

// threadQueue is a FIFO of threads linked through their run-queue nodes.
type threadQueue struct {
	head, tail *Thread
}

func (q *threadQueue) empty() bool { return q.head == nil }

func (q *threadQueue) pushTail(t *Thread) {
	t.rqNext = nil
	t.rqPrev = q.tail

	if q.tail != nil {
		q.tail.rqNext = t
	} else {
		q.head = t
	}

	q.tail = t
}

func (q *threadQueue) popHead() *Thread {
	t := q.head
	if t == nil {
		return nil
	}

	q.remove(t)

	return t
}

func (q *threadQueue) remove(t *Thread) {
	if t.rqPrev != nil {
		t.rqPrev.rqNext = t.rqNext
	} else {
		q.head = t.rqNext
	}

	if t.rqNext != nil {
		t.rqNext.rqPrev = t.rqPrev
	} else {
		q.tail = t.rqPrev
	}

	t.rqNext = nil
	t.rqPrev = nil
}

const bitmapWords = (MaxPrio + 63) / 64

// runQueue is the per-CPU scheduling state.
type runQueue struct {
	lock ksync.IRQLock

	count  uint32
	queues [MaxPrio]threadQueue
	bitmap [bitmapWords]uint64

	current *Thread
	idle    *Thread

	switches  uint64
	idleTicks uint64
	runTicks  uint64
	ticks     int64
}

// enqueue appends t at the tail of its priority list. Caller holds the lock.
func (rq *runQueue) enqueue(t *Thread) {
	if t.queued {
		panic("sched: thread enqueued twice: " + t.String())
	}

	prio := t.prio
	if prio < 0 {
		prio = 0
	} else if prio >= MaxPrio {
		prio = MaxPrio - 1
	}

	t.prio = prio
	rq.queues[prio].pushTail(t)
	rq.bitmap[prio/64] |= 1 << (prio % 64)
	rq.count++
	t.queued = true
	t.state = TaskRunning
}

// dequeue removes t from its priority list. Caller holds the lock.
func (rq *runQueue) dequeue(t *Thread) {
	if !t.queued {
		return
	}

	prio := t.prio
	rq.queues[prio].remove(t)

	if rq.queues[prio].empty() {
		rq.bitmap[prio/64] &^= 1 << (prio % 64)
	}

	rq.count--
	t.queued = false
}

// highestPrio returns the lowest-numbered nonempty priority, or MaxPrio when the queue
// is empty. Caller holds the lock.
func (rq *runQueue) highestPrio() int {
	for w := 0; w < bitmapWords; w++ {
		if rq.bitmap[w] != 0 {
			return w*64 + bits.TrailingZeros64(rq.bitmap[w])
		}
	}

	return MaxPrio
}

// pickNext pops the head of the highest nonempty priority list, or nil. Caller holds
// the lock.
func (rq *runQueue) pickNext() *Thread {
	prio := rq.highestPrio()
	if prio == MaxPrio {
		return nil
	}

	t := rq.queues[prio].popHead()

	if rq.queues[prio].empty() {
		rq.bitmap[prio/64] &^= 1 << (prio % 64)
	}

	rq.count--
	t.queued = false

	return t
}
