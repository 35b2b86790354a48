package ipc

// endpoint.go is the rendezvous point: blocked senders and receivers queue here in
// FIFO order, never both sides at once. Wait records live on the blocked thread's
// stack frame and are guaranteed to outlive the queue entry, because the thread cannot
// proceed until its partner (or the destroyer) fills the record and wakes it.

import (
	"fmt"
	"sync/atomic"

	"github.com/jack-chaudier/ocean/internal/caps"
	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/sched"
)

// EPFlags are endpoint attribute bits.
type EPFlags uint32

const (
	EPBound EPFlags = 1 << iota
	EPReply
	EPNotify
	EPDead
)

// opcode names the operation a wait record is blocked on.
type opcode uint8

const (
	opSend opcode = iota
	opRecv
	opCall
	opReply
	opReplyRecv
)

// waitRec is built on the blocking thread's stack when it queues on an endpoint. The
// partner fills result (and partner) before waking the blocked thread.
type waitRec struct {
	ep      *Endpoint
	msg     *Message
	thread  *sched.Thread
	partner *sched.Thread
	op      opcode
	result  Result
}

// Endpoint is a first-class communication port.
type Endpoint struct {
	id    uint64
	flags EPFlags

	lock ksync.SpinLock

	sendQ []*waitRec
	recvQ []*waitRec

	owner *sched.Process
	bound *sched.Thread

	refs atomic.Int32

	sent     uint64
	received uint64

	// Notification state, used only with EPNotify.
	pending uint64

	r *Registry
}

// ID returns the endpoint id.
func (e *Endpoint) ID() uint64 { return e.id }

// Owner returns the creating process, nil for kernel-internal endpoints.
func (e *Endpoint) Owner() *sched.Process { return e.owner }

// Flags returns the attribute bits.
func (e *Endpoint) Flags() EPFlags { return e.flags }

// Dead reports whether the endpoint has been destroyed.
func (e *Endpoint) Dead() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.flags&EPDead != 0
}

// Stats returns the message counters.
func (e *Endpoint) Stats() (sent, received uint64) {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.sent, e.received
}

// QueueLens returns the two queue depths, for diagnostics and tests.
func (e *Endpoint) QueueLens() (senders, receivers int) {
	e.lock.Lock()
	defer e.lock.Unlock()

	return len(e.sendQ), len(e.recvQ)
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("ep{%d s=%d r=%d}", e.id, len(e.sendQ), len(e.recvQ))
}

// Send delivers msg: hand off to the longest-waiting receiver if one is queued, fail
// fast with the nonblock flag, else queue and sleep until a receiver (or destruction)
// resolves the rendezvous.
func (e *Endpoint) Send(msg *Message) Result {
	cur := e.r.sched.Current()

	e.lock.Lock()

	if e.flags&EPDead != 0 {
		e.lock.Unlock()
		return ResDead
	}

	if len(e.recvQ) > 0 {
		rec := e.recvQ[0]
		e.recvQ = e.recvQ[1:]

		res := e.transfer(msg, rec.msg, cur, rec.thread)
		rec.result = res
		rec.partner = cur

		e.sent++
		e.received++

		e.lock.Unlock()
		e.r.sched.WakeThread(rec.thread)

		// Register-only fast path: hand the CPU straight to an urgent partner instead of
		// waiting out our slice.
		if res == OK && msg.RegisterOnly() && rec.thread.Priority() < cur.Priority() {
			e.r.sched.Yield()
		}

		return res
	}

	if msg.Tag.Nonblock() {
		e.lock.Unlock()
		return ResNoPartner
	}

	rec := waitRec{ep: e, msg: msg, thread: cur, op: opSend}
	e.sendQ = append(e.sendQ, &rec)
	e.lock.Unlock()

	e.r.sched.Block(sched.TaskInterruptible)

	return rec.result
}

// Recv accepts a message into msg, draining the longest-waiting sender if one is
// queued, else failing fast or sleeping, symmetric with Send.
func (e *Endpoint) Recv(msg *Message) Result {
	cur := e.r.sched.Current()

	e.lock.Lock()

	if e.flags&EPDead != 0 {
		e.lock.Unlock()
		return ResDead
	}

	if len(e.sendQ) > 0 {
		rec := e.sendQ[0]
		e.sendQ = e.sendQ[1:]

		res := e.transfer(rec.msg, msg, rec.thread, cur)
		rec.result = res
		rec.partner = cur

		e.sent++
		e.received++

		e.lock.Unlock()

		e.r.setCaller(cur, rec.thread)
		e.r.sched.WakeThread(rec.thread)

		return res
	}

	if msg.Tag.Nonblock() {
		e.lock.Unlock()
		return ResNoPartner
	}

	rec := waitRec{ep: e, msg: msg, thread: cur, op: opRecv}
	e.recvQ = append(e.recvQ, &rec)
	e.lock.Unlock()

	e.r.sched.Block(sched.TaskInterruptible)

	if rec.result == OK {
		e.r.setCaller(cur, rec.partner)
	}

	return rec.result
}

// transfer copies src into dst: the tag, every register word, the extended buffer
// truncated to the shorter side, and any declared capabilities.
func (e *Endpoint) transfer(src, dst *Message, sender, receiver *sched.Thread) Result {
	dst.Tag = src.Tag
	dst.Regs = src.Regs

	if len(src.Buf) > 0 && len(dst.Buf) > 0 {
		n := copy(dst.Buf, src.Buf)
		dst.Buf = dst.Buf[:n]
	} else if len(dst.Buf) > 0 {
		dst.Buf = dst.Buf[:0]
	}

	moved, res := e.transferCaps(src, dst, sender, receiver)
	dst.Tag = dst.Tag.WithCaps(moved)

	return res
}

// transferCaps implements the grant (copy) and donate (move) tag flags. The sender's
// cspace is the source, the receiver's the destination; the receiver learns its new
// slot indices through the message's cap array.
func (e *Endpoint) transferCaps(src, dst *Message, sender, receiver *sched.Thread) (int, Result) {
	n := src.Tag.Caps()
	mode := src.Tag.Flags() & (FlagGrant | FlagDonate)

	if n == 0 || mode == 0 {
		return 0, OK
	}

	srcSpace := capSpace(sender)
	dstSpace := capSpace(receiver)

	if srcSpace == nil || dstSpace == nil {
		return 0, ResPerm
	}

	for i := 0; i < n; i++ {
		slot, err := caps.Copy(srcSpace, src.Caps[i], dstSpace)
		if err != nil {
			return i, ResPerm
		}

		if mode&FlagDonate != 0 {
			_ = srcSpace.Delete(src.Caps[i])
		}

		dst.Caps[i] = slot
	}

	return n, OK
}

// capSpace digs the capability space out of a thread's process.
func capSpace(t *sched.Thread) *caps.Space {
	if t == nil || t.Process() == nil {
		return nil
	}

	cs, _ := t.Process().Caps.(*caps.Space)

	return cs
}

// destroy marks the endpoint dead and wakes every queued waiter with ResDead. Called by
// the registry with the endpoint already unlinked.
func (e *Endpoint) destroy() {
	e.lock.Lock()

	e.flags |= EPDead

	drained := make([]*waitRec, 0, len(e.sendQ)+len(e.recvQ))
	drained = append(drained, e.sendQ...)
	drained = append(drained, e.recvQ...)
	e.sendQ = nil
	e.recvQ = nil

	e.lock.Unlock()

	for _, rec := range drained {
		rec.result = ResDead
		e.r.sched.WakeThread(rec.thread)
	}
}

// Notify posts notification bits: OR into the pending word and hand it to a waiter if
// one is parked. Posting never blocks. Only valid on notification endpoints.
func (e *Endpoint) Notify(bits uint64) Result {
	e.lock.Lock()

	if e.flags&EPDead != 0 {
		e.lock.Unlock()
		return ResDead
	}

	if e.flags&EPNotify == 0 {
		e.lock.Unlock()
		return ResInvalid
	}

	e.pending |= bits

	var rec *waitRec

	if len(e.recvQ) > 0 && e.pending != 0 {
		rec = e.recvQ[0]
		e.recvQ = e.recvQ[1:]

		rec.msg.Regs[0] = e.pending
		rec.result = OK
		e.pending = 0
		e.sent++
		e.received++
	}

	e.lock.Unlock()

	if rec != nil {
		e.r.sched.WakeThread(rec.thread)
	}

	return OK
}

// WaitNotify collects and clears the pending bits, sleeping until at least one is
// posted.
func (e *Endpoint) WaitNotify() (uint64, Result) {
	e.lock.Lock()

	if e.flags&EPDead != 0 {
		e.lock.Unlock()
		return 0, ResDead
	}

	if e.flags&EPNotify == 0 {
		e.lock.Unlock()
		return 0, ResInvalid
	}

	if e.pending != 0 {
		bits := e.pending
		e.pending = 0
		e.lock.Unlock()

		return bits, OK
	}

	var msg Message

	rec := waitRec{ep: e, msg: &msg, thread: e.r.sched.Current(), op: opRecv}
	e.recvQ = append(e.recvQ, &rec)
	e.lock.Unlock()

	e.r.sched.Block(sched.TaskInterruptible)

	if rec.result != OK {
		return 0, rec.result
	}

	return msg.Regs[0], OK
}
