package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jack-chaudier/ocean/internal/caps"
	"github.com/jack-chaudier/ocean/internal/sched"
)

// newTestIPC adopts the test goroutine as a machine thread and hands back a registry
// for kernel-internal endpoints.
func newTestIPC(t *testing.T) (*Registry, *sched.Sched) {
	t.Helper()

	s := sched.New(nil)
	s.Bootstrap("test-main")

	return NewRegistry(s, nil), s
}

func settle(s *sched.Sched) {
	for s.Runnable() > 0 {
		s.Yield()
	}
}

func TestTagPacking(t *testing.T) {
	tag := MkTag(42, 2, 1, FlagNonblock)

	assert.Equal(t, uint32(42), tag.Label())
	assert.Equal(t, 2, tag.Len())
	assert.Equal(t, 1, tag.Caps())
	assert.Equal(t, FlagNonblock, tag.Flags())
	assert.True(t, tag.Nonblock())
	assert.Zero(t, tag.Err())

	tag = tag.WithErr(7)
	assert.Equal(t, uint16(7), tag.Err())
	assert.Equal(t, uint32(42), tag.Label(), "error field must not clobber the label")

	// Length and cap count clip to the slot capacities.
	big := MkTag(1, 60, 9, 0)
	assert.Equal(t, MsgRegs, big.Len())
	assert.Equal(t, MsgCaps, big.Caps())
}

func TestRendezvousReceiverFirst(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	var (
		rmsg Message
		rres Result
	)

	s.SpawnKThread("recv", 110, func() {
		rres = e.Recv(&rmsg)
	})

	s.Yield()

	// The receiver is parked on the endpoint.
	senders, receivers := e.QueueLens()
	assert.Zero(t, senders)
	assert.Equal(t, 1, receivers)

	smsg := Message{Tag: MkTag(42, 2, 0, 0)}
	smsg.Regs[0] = 0xcafe
	smsg.Regs[1] = 0xdead

	var sres Result

	s.SpawnKThread("send", 110, func() {
		sres = e.Send(&smsg)
	})

	settle(s)

	assert.Equal(t, OK, sres)
	assert.Equal(t, OK, rres)

	assert.Equal(t, uint32(42), rmsg.Tag.Label())
	assert.Equal(t, 2, rmsg.Tag.Len())
	assert.Equal(t, uint64(0xcafe), rmsg.Regs[0])
	assert.Equal(t, uint64(0xdead), rmsg.Regs[1])

	senders, receivers = e.QueueLens()
	assert.Zero(t, senders)
	assert.Zero(t, receivers)

	sent, received := e.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(1), received)
}

func TestRendezvousSenderFirst(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	smsg := Message{Tag: MkTag(7, 1, 0, 0)}
	smsg.Regs[0] = 0x1234

	var sres Result

	s.SpawnKThread("send", 110, func() {
		sres = e.Send(&smsg)
	})

	s.Yield()

	senders, receivers := e.QueueLens()
	assert.Equal(t, 1, senders)
	assert.Zero(t, receivers)

	var rmsg Message

	rres := e.Recv(&rmsg)

	assert.Equal(t, OK, rres)
	assert.Equal(t, uint64(0x1234), rmsg.Regs[0])

	settle(s)
	assert.Equal(t, OK, sres)
}

func TestNonblockNoPartner(t *testing.T) {
	r, _ := newTestIPC(t)
	e := r.Create(nil, 0)

	msg := Message{Tag: MkTag(1, 0, 0, FlagNonblock)}

	assert.Equal(t, ResNoPartner, e.Send(&msg))
	assert.Equal(t, ResNoPartner, e.Recv(&msg))

	senders, receivers := e.QueueLens()
	assert.Zero(t, senders)
	assert.Zero(t, receivers)
}

func TestSendersDrainFIFO(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	for i := 0; i < 3; i++ {
		i := i

		s.SpawnKThread("send", 110, func() {
			msg := Message{Tag: MkTag(uint32(100+i), 0, 0, 0)}
			e.Send(&msg)
		})
	}

	s.Yield()

	var labels []uint32

	for i := 0; i < 3; i++ {
		var msg Message

		require.Equal(t, OK, e.Recv(&msg))
		labels = append(labels, msg.Tag.Label())
	}

	settle(s)

	assert.Equal(t, []uint32{100, 101, 102}, labels,
		"the thread dequeued on partner arrival is the one that waited longest")
}

func TestDestroyWakesWaitersDead(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	var results [2]Result

	s.SpawnKThread("send", 110, func() {
		msg := Message{Tag: MkTag(1, 0, 0, 0)}
		results[0] = e.Send(&msg)
	})

	s.SpawnKThread("recv-late", 115, func() {
		var msg Message
		results[1] = e.Recv(&msg)
	})

	s.Yield()

	// The sender is queued; the late receiver rendezvoused with it already, so park a
	// fresh receiver to have a waiter on the endpoint at destruction.
	settle(s)

	var blocked Result = -1

	s.SpawnKThread("doomed", 110, func() {
		var msg Message
		blocked = e.Recv(&msg)
	})

	s.Yield()

	r.Destroy(e)
	settle(s)

	assert.Equal(t, ResDead, blocked)
	assert.True(t, e.Dead())

	// Operations on a dead endpoint fail immediately.
	msg := Message{}
	assert.Equal(t, ResDead, e.Send(&msg))
	assert.Equal(t, ResDead, e.Recv(&msg))
	assert.Nil(t, r.Get(e.ID()), "a destroyed endpoint leaves the registry")
}

func TestCallReply(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	var serverRes [2]Result

	s.SpawnKThread("server", 110, func() {
		var req Message

		serverRes[0] = e.Recv(&req)

		rep := Message{Tag: MkTag(req.Tag.Label()+1, 1, 0, 0)}
		rep.Regs[0] = req.Regs[0] * 2

		serverRes[1] = r.Reply(&rep)
	})

	var reply Message

	req := Message{Tag: MkTag(10, 1, 0, 0)}
	req.Regs[0] = 21

	res := r.Call(e, &req, &reply)

	require.Equal(t, OK, res)
	assert.Equal(t, uint32(11), reply.Tag.Label())
	assert.Equal(t, uint64(42), reply.Regs[0])

	settle(s)

	assert.Equal(t, OK, serverRes[0])
	assert.Equal(t, OK, serverRes[1])
}

func TestReplyRecvServerLoop(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	s.SpawnKThread("server", 110, func() {
		var req Message

		if e.Recv(&req) != OK {
			return
		}

		for i := 0; i < 2; i++ {
			rep := Message{Tag: MkTag(1000, 1, 0, 0)}
			rep.Regs[0] = req.Regs[0] + 1

			if r.ReplyRecv(e, &rep, &req) != OK {
				return
			}
		}
	})

	for i := 0; i < 2; i++ {
		var reply Message

		req := Message{Tag: MkTag(99, 1, 0, 0)}
		req.Regs[0] = uint64(i)

		require.Equal(t, OK, r.Call(e, &req, &reply))
		assert.Equal(t, uint64(i+1), reply.Regs[0])
	}

	r.Destroy(e)
	settle(s)
}

func TestReplyWithoutCaller(t *testing.T) {
	r, _ := newTestIPC(t)

	msg := Message{}
	assert.Equal(t, ResInvalid, r.Reply(&msg))
}

func TestBufferTruncation(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	var rmsg Message

	rmsg.Buf = make([]byte, 4)

	s.SpawnKThread("recv", 110, func() {
		e.Recv(&rmsg)
	})

	s.Yield()

	smsg := Message{Tag: MkTag(5, 0, 0, 0), Buf: []byte("hello world")}

	require.Equal(t, OK, e.Send(&smsg))
	settle(s)

	assert.Equal(t, []byte("hell"), rmsg.Buf, "the extended part truncates to the shorter buffer")
}

func TestNotification(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, EPNotify)

	// Posts accumulate while nobody waits; the collection clears them.
	require.Equal(t, OK, e.Notify(0b01))
	require.Equal(t, OK, e.Notify(0b10))

	bits, res := e.WaitNotify()
	require.Equal(t, OK, res)
	assert.Equal(t, uint64(0b11), bits)

	// A parked waiter is handed the bits directly.
	var got uint64

	s.SpawnKThread("waiter", 110, func() {
		got, _ = e.WaitNotify()
	})

	s.Yield()

	require.Equal(t, OK, e.Notify(0b100))
	settle(s)

	assert.Equal(t, uint64(0b100), got)

	// Rendezvous operations reject notification posting on plain endpoints.
	plain := r.Create(nil, 0)
	assert.Equal(t, ResInvalid, plain.Notify(1))
}

func TestCapTransferGrantAndDonate(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	sender, err := s.NewProcess(nil, "sender")
	require.NoError(t, err)
	senderCaps := caps.NewSpace()
	sender.Caps = senderCaps

	receiver, err := s.NewProcess(nil, "receiver")
	require.NoError(t, err)
	receiverCaps := caps.NewSpace()
	receiver.Caps = receiverCaps

	payload := r.Create(nil, 0)

	slot, err := senderCaps.Insert(caps.TypeEndpoint, caps.RightSend|caps.RightGrant, payload, 0x77)
	require.NoError(t, err)

	var rmsg Message

	s.SpawnThread(receiver, "rx", 110, func() {
		e.Recv(&rmsg)
	})

	s.Yield()

	var sres Result

	s.SpawnThread(sender, "tx", 110, func() {
		msg := Message{Tag: MkTag(1, 0, 1, FlagGrant)}
		msg.Caps[0] = slot
		sres = e.Send(&msg)
	})

	settle(s)

	require.Equal(t, OK, sres)
	require.Equal(t, 1, rmsg.Tag.Caps())

	got, err := receiverCaps.LookupTyped(rmsg.Caps[0], caps.TypeEndpoint)
	require.NoError(t, err)
	assert.Same(t, payload, got.Object)
	assert.Equal(t, uint64(0x77), got.Badge)

	// Grant copies: the sender keeps its capability.
	_, err = senderCaps.Lookup(slot)
	assert.NoError(t, err)

	// Donate moves: the source slot empties.
	var dres Result

	s.SpawnThread(receiver, "rx2", 110, func() {
		var m Message
		m.Buf = nil
		e.Recv(&m)
	})

	s.Yield()

	s.SpawnThread(sender, "tx2", 110, func() {
		msg := Message{Tag: MkTag(2, 0, 1, FlagDonate)}
		msg.Caps[0] = slot
		dres = e.Send(&msg)
	})

	settle(s)

	require.Equal(t, OK, dres)

	_, err = senderCaps.Lookup(slot)
	assert.ErrorIs(t, err, caps.ErrEmptySlot, "donate must clear the source slot")
}

func TestQueuesNeverBothNonEmpty(t *testing.T) {
	r, s := newTestIPC(t)
	e := r.Create(nil, 0)

	check := func() {
		senders, receivers := e.QueueLens()
		if senders != 0 && receivers != 0 {
			t.Fatalf("both queues nonempty: %d senders, %d receivers", senders, receivers)
		}
	}

	for i := 0; i < 4; i++ {
		s.SpawnKThread("send", 110, func() {
			msg := Message{Tag: MkTag(1, 0, 0, 0)}
			e.Send(&msg)
		})
		check()
	}

	s.Yield()
	check()

	for i := 0; i < 4; i++ {
		var msg Message

		require.Equal(t, OK, e.Recv(&msg))
		check()
	}

	settle(s)
	check()
}
