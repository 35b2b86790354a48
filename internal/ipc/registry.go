package ipc

// registry.go owns the global endpoint table, endpoint reference counting, and the
// call/reply machinery built on per-thread bound reply endpoints.

import (
	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/log"
	"github.com/jack-chaudier/ocean/internal/sched"
)

// Registry is the machine-wide endpoint table.
type Registry struct {
	sched *sched.Sched

	lock      ksync.SpinLock
	endpoints map[uint64]*Endpoint
	nextID    uint64

	// Per-thread call state: the lazily-created bound reply endpoint, and, for a server
	// thread, which client its last received message came from.
	replyLock ksync.SpinLock
	replies   map[*sched.Thread]*Endpoint
	callers   map[*sched.Thread]*sched.Thread

	log *log.Logger
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry(s *sched.Sched, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Registry{
		sched:     s,
		endpoints: make(map[uint64]*Endpoint),
		nextID:    1,
		replies:   make(map[*sched.Thread]*Endpoint),
		callers:   make(map[*sched.Thread]*sched.Thread),
		log:       logger,
	}
}

// Create registers a new endpoint. owner may be nil for kernel-internal endpoints.
func (r *Registry) Create(owner *sched.Process, flags EPFlags) *Endpoint {
	e := &Endpoint{
		flags: flags,
		owner: owner,
		r:     r,
	}
	e.refs.Store(1)

	r.lock.Lock()
	e.id = r.nextID
	r.nextID++
	r.endpoints[e.id] = e
	r.lock.Unlock()

	return e
}

// Get looks up a live endpoint and takes a reference.
func (r *Registry) Get(id uint64) *Endpoint {
	r.lock.Lock()
	defer r.lock.Unlock()

	e := r.endpoints[id]
	if e == nil {
		return nil
	}

	e.refs.Add(1)

	return e
}

// Put drops a reference; the last one destroys the endpoint.
func (r *Registry) Put(e *Endpoint) {
	if e.refs.Add(-1) > 0 {
		return
	}

	r.Destroy(e)
}

// Destroy unlinks the endpoint and wakes all its waiters with a dead result,
// regardless of outstanding references.
func (r *Registry) Destroy(e *Endpoint) {
	r.lock.Lock()
	delete(r.endpoints, e.id)
	r.lock.Unlock()

	e.destroy()

	r.log.Debug("ipc: endpoint destroyed", "ep", e.id)
}

// Endpoints returns a snapshot of the table, for diagnostics.
func (r *Registry) Endpoints() []*Endpoint {
	r.lock.Lock()
	defer r.lock.Unlock()

	out := make([]*Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, e)
	}

	return out
}

// DestroyOwned tears down every endpoint a process created; called at process exit.
func (r *Registry) DestroyOwned(p *sched.Process) {
	r.lock.Lock()

	var doomed []*Endpoint

	for _, e := range r.endpoints {
		if e.owner == p {
			doomed = append(doomed, e)
		}
	}

	r.lock.Unlock()

	for _, e := range doomed {
		r.Destroy(e)
	}
}

// replyEndpointFor returns the thread's bound reply endpoint, creating it on first use.
// One in-flight call per thread: synchronous rendezvous needs no more.
func (r *Registry) replyEndpointFor(t *sched.Thread) *Endpoint {
	r.replyLock.Lock()

	e := r.replies[t]
	if e == nil {
		r.replyLock.Unlock()

		var owner *sched.Process
		if t.Process() != nil {
			owner = t.Process()
		}

		e = r.Create(owner, EPReply|EPBound)
		e.bound = t

		r.replyLock.Lock()
		r.replies[t] = e
	}

	r.replyLock.Unlock()

	return e
}

// setCaller records which client a server thread last received from; Reply consumes it.
func (r *Registry) setCaller(server, client *sched.Thread) {
	r.replyLock.Lock()
	r.callers[server] = client
	r.replyLock.Unlock()
}

func (r *Registry) takeCaller(server *sched.Thread) *sched.Thread {
	r.replyLock.Lock()
	defer r.replyLock.Unlock()

	c := r.callers[server]
	delete(r.callers, server)

	return c
}

// Call sends msg on e, then receives the reply through the caller's bound reply
// endpoint. The reply lands in reply.
func (r *Registry) Call(e *Endpoint, msg, reply *Message) Result {
	cur := r.sched.Current()
	rep := r.replyEndpointFor(cur)

	if res := e.Send(msg); res != OK {
		return res
	}

	return rep.Recv(reply)
}

// Reply sends msg back to the client whose request the calling server thread last
// received. The client is already parked on (or headed for) its reply endpoint, so the
// send rendezvouses without a registry-level wait.
func (r *Registry) Reply(msg *Message) Result {
	server := r.sched.Current()

	client := r.takeCaller(server)
	if client == nil {
		return ResInvalid
	}

	rep := r.replyEndpointFor(client)

	return rep.Send(msg)
}

// ReplyRecv replies to the current client, then immediately receives the next request
// from e: the server loop fast path.
func (r *Registry) ReplyRecv(e *Endpoint, reply, next *Message) Result {
	if res := r.Reply(reply); res != OK {
		return res
	}

	return e.Recv(next)
}

// DropThreadState releases a thread's reply endpoint and caller record at thread exit.
func (r *Registry) DropThreadState(t *sched.Thread) {
	r.replyLock.Lock()
	e := r.replies[t]
	delete(r.replies, t)
	delete(r.callers, t)
	r.replyLock.Unlock()

	if e != nil {
		r.Destroy(e)
	}
}
