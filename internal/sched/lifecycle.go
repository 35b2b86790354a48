package sched

// lifecycle.go covers process creation, exit notification, and reaping.

// waitChannel is the sleep identity a parent uses while waiting for children.
func waitChannel(p *Process) any { return p }

// NewProcess allocates a pid and builds a process. With a parent, credentials and the
// group/session ids are inherited and the child is linked for reaping.
func (s *Sched) NewProcess(parent *Process, name string) (*Process, error) {
	pid, ok := s.pids.get()
	if !ok {
		return nil, errNoPIDs
	}

	p := &Process{
		pid:  pid,
		name: name,
	}

	if len(p.name) > NameMax {
		p.name = p.name[:NameMax]
	}

	if parent != nil {
		p.ppid = parent.pid
		p.pgid = parent.pgid
		p.sid = parent.sid
		p.creds = parent.creds
		p.parent = parent

		parent.lock.Lock()
		parent.children = append(parent.children, p)
		parent.lock.Unlock()
	} else {
		p.pgid = pid
		p.sid = pid
	}

	s.procLock.Lock()
	s.procs[pid] = p
	s.procLock.Unlock()

	return p, nil
}

// Process looks up a live process by pid.
func (s *Sched) Process(pid PID) *Process {
	s.procLock.Lock()
	defer s.procLock.Unlock()

	return s.procs[pid]
}

// Processes returns a snapshot of the process table, for diagnostics.
func (s *Sched) Processes() []*Process {
	s.procLock.Lock()
	defer s.procLock.Unlock()

	out := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}

	return out
}

// WaitChild blocks until one of p's children has exited, reaps it, and returns its pid
// and exit code. ok is false when p has no children to wait for.
func (s *Sched) WaitChild(p *Process) (pid PID, code int, ok bool) {
	for {
		p.lock.Lock()

		if len(p.children) == 0 {
			p.lock.Unlock()
			return 0, 0, false
		}

		var zombie *Process

		for i, c := range p.children {
			if c.Zombie() {
				zombie = c
				p.children = append(p.children[:i], p.children[i+1:]...)

				break
			}
		}

		p.lock.Unlock()

		if zombie != nil {
			s.reap(zombie)
			return zombie.pid, zombie.exitCode, true
		}

		// No zombie yet. The check-then-sleep window is closed by the single-CPU model:
		// nothing can exit between the scan above and the sleep below.
		s.SleepOn(waitChannel(p))
	}
}

// reap releases a zombie's remaining resources: address and capability spaces via the
// machine hook, then the pid.
func (s *Sched) reap(p *Process) {
	if s.ReapSpace != nil {
		s.ReapSpace(p)
	}

	s.procLock.Lock()
	delete(s.procs, p.pid)
	s.procLock.Unlock()

	s.pids.put(p.pid)
}

// reparentOrphans hands an exiting process's children to init (pid 1), or severs them
// when there is no init to inherit them.
func (s *Sched) reparentOrphans(p *Process) {
	p.lock.Lock()
	orphans := p.children
	p.children = nil
	p.lock.Unlock()

	if len(orphans) == 0 {
		return
	}

	init := s.Process(1)

	for _, c := range orphans {
		c.parent = init

		if init != nil {
			c.ppid = init.pid

			init.lock.Lock()
			init.children = append(init.children, c)
			init.lock.Unlock()
		}
	}

	if init != nil {
		s.Wakeup(waitChannel(init))
	}
}
