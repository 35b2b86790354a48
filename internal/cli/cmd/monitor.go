package cmd

// monitor.go is the kernel monitor: a serial-console REPL with read-only views over the
// machine's state. It runs on the machine's init thread so demo workloads can be
// scheduled underneath it.

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/jack-chaudier/ocean/internal/caps"
	"github.com/jack-chaudier/ocean/internal/kernel"
	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/sched"
	"github.com/jack-chaudier/ocean/internal/uvm"
)

type monitor struct {
	k   *kernel.Kernel
	out io.Writer
}

// dispatch runs one monitor command line. It reports whether the monitor should keep
// running.
func (m *monitor) dispatch(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help", "?":
		m.help()
	case "free":
		m.free()
	case "ps":
		m.ps()
	case "vm":
		m.vm(args)
	case "caps":
		m.caps(args)
	case "ipc":
		m.ipc()
	case "slab":
		m.slab()
	case "uptime":
		m.uptime()
	case "demo":
		m.demo(args)
	case "halt", "exit", "quit":
		return false
	default:
		fmt.Fprintf(m.out, "unknown command %q; try help\r\n", cmd)
	}

	return true
}

func (m *monitor) help() {
	fmt.Fprint(m.out, ""+
		"free          zone and buddy allocator state\r\n"+
		"ps            threads and processes\r\n"+
		"vm <pid>      address-space areas of a process\r\n"+
		"caps <pid>    capability table of a process\r\n"+
		"ipc           live endpoints\r\n"+
		"slab          kernel heap caches\r\n"+
		"uptime        tick and switch counters\r\n"+
		"demo <name>   run a workload: "+strings.Join(demoNames, ", ")+"\r\n"+
		"halt          stop the machine\r\n")
}

func (m *monitor) table(header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(m.out)
	t.SetHeader(header)
	t.SetBorder(false)
	t.SetAutoFormatHeaders(false)

	return t
}

func (m *monitor) free() {
	t := m.table([]string{"zone", "span", "free", "allocs", "frees"})

	for _, id := range []mem.ZoneID{mem.ZoneDMA, mem.ZoneDMA32, mem.ZoneNormal} {
		z := m.k.PMM.Zone(id)
		start, end := z.Span()
		allocs, frees := z.Counters()

		t.Append([]string{
			id.String(),
			fmt.Sprintf("%#x-%#x", uint64(start), uint64(end)),
			strconv.FormatUint(z.FreePages(), 10),
			strconv.FormatUint(allocs, 10),
			strconv.FormatUint(frees, 10),
		})
	}

	t.Render()
	fmt.Fprintf(m.out, "total free: %d pages\r\n", m.k.PMM.FreeTotal())
}

func (m *monitor) ps() {
	t := m.table([]string{"tid", "name", "pid", "state", "prio", "stime(ms)"})

	for _, th := range m.k.Sched.Threads() {
		pid := ""
		if p := th.Process(); p != nil {
			pid = strconv.Itoa(int(p.PID()))
		}

		_, stime := th.Times()

		t.Append([]string{
			strconv.FormatInt(int64(th.ID()), 10),
			th.Name(),
			pid,
			th.State().String(),
			strconv.Itoa(th.Priority()),
			strconv.FormatInt(stime/1e6, 10),
		})
	}

	t.Render()
}

func (m *monitor) findProc(args []string) *sched.Process {
	if len(args) != 1 {
		fmt.Fprint(m.out, "usage: <command> <pid>\r\n")
		return nil
	}

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(m.out, "bad pid %q\r\n", args[0])
		return nil
	}

	p := m.k.Sched.Process(sched.PID(pid))
	if p == nil {
		fmt.Fprintf(m.out, "no process %d\r\n", pid)
	}

	return p
}

func (m *monitor) vm(args []string) {
	p := m.findProc(args)
	if p == nil {
		return
	}

	sp, ok := p.Space.(*uvm.Space)
	if !ok || sp == nil {
		fmt.Fprint(m.out, "kernel process; no address space\r\n")
		return
	}

	t := m.table([]string{"start", "end", "prot"})

	for _, v := range sp.VMAs() {
		t.Append([]string{v.Start.String(), v.End.String(), v.Flags.String()})
	}

	t.Render()
	fmt.Fprintf(m.out, "%d pages mapped\r\n", sp.TotalPages())
}

func (m *monitor) caps(args []string) {
	p := m.findProc(args)
	if p == nil {
		return
	}

	cs, ok := p.Caps.(*caps.Space)
	if !ok || cs == nil {
		fmt.Fprint(m.out, "no capability space\r\n")
		return
	}

	t := m.table([]string{"slot", "type", "rights", "badge"})

	for _, c := range cs.Snapshot() {
		t.Append([]string{
			strconv.Itoa(c.Slot()),
			c.Type.String(),
			c.Rights.String(),
			fmt.Sprintf("%#x", c.Badge),
		})
	}

	t.Render()
}

func (m *monitor) ipc() {
	t := m.table([]string{"id", "owner", "senders", "receivers", "sent", "received"})

	for _, e := range m.k.IPC.Endpoints() {
		owner := "kernel"
		if e.Owner() != nil {
			owner = strconv.Itoa(int(e.Owner().PID()))
		}

		s, r := e.QueueLens()
		sent, received := e.Stats()

		t.Append([]string{
			strconv.FormatUint(e.ID(), 10),
			owner,
			strconv.Itoa(s),
			strconv.Itoa(r),
			strconv.FormatUint(sent, 10),
			strconv.FormatUint(received, 10),
		})
	}

	t.Render()
}

func (m *monitor) slab() {
	t := m.table([]string{"cache", "objsize", "slabs", "allocs", "frees"})

	for _, c := range m.k.Heap.Caches() {
		slabs, allocs, frees := c.Stats()

		t.Append([]string{
			c.Name(),
			strconv.FormatUint(uint64(c.ObjSize()), 10),
			strconv.FormatUint(uint64(slabs), 10),
			strconv.FormatUint(allocs, 10),
			strconv.FormatUint(frees, 10),
		})
	}

	t.Render()
}

func (m *monitor) uptime() {
	ticks := m.k.Sched.Ticks()

	fmt.Fprintf(m.out, "ticks=%d (%.1fs at %d Hz) switches=%d tlb-flushes=%d\r\n",
		ticks, float64(ticks)/sched.HZ, sched.HZ, m.k.Sched.Switches(), m.k.MMU.TLBFlushes())
}

func (m *monitor) demo(args []string) {
	if len(args) != 1 {
		fmt.Fprintf(m.out, "usage: demo <%s>\r\n", strings.Join(demoNames, "|"))
		return
	}

	fn, ok := demos[args[0]]
	if !ok {
		fmt.Fprintf(m.out, "no demo %q\r\n", args[0])
		return
	}

	if err := fn(m.k, m.out); err != nil {
		fmt.Fprintf(m.out, "demo failed: %s\r\n", err)
	}
}
