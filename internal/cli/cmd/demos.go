package cmd

// demos.go holds the demonstration workloads shared by the demo command and the
// monitor's demo builtin. Each runs on a booted machine and writes a transcript to out.

import (
	"fmt"
	"io"

	"github.com/jack-chaudier/ocean/internal/ipc"
	"github.com/jack-chaudier/ocean/internal/kernel"
	"github.com/jack-chaudier/ocean/internal/mem"
	"github.com/jack-chaudier/ocean/internal/sched"
	"github.com/jack-chaudier/ocean/internal/uvm"
)

type demoFn func(k *kernel.Kernel, out io.Writer) error

var demos = map[string]demoFn{
	"hello":    demoHello,
	"fork":     demoFork,
	"pingpong": demoPingPong,
	"sched":    demoSched,
	"buddy":    demoBuddy,
}

// demoNames lists the demos in a stable order.
var demoNames = []string{"hello", "fork", "pingpong", "sched", "buddy"}

// demoHello runs a user process end to end: syscalls for pid, output, and exit, then a
// parent-side wait to reap it.
func demoHello(k *kernel.Kernel, out io.Writer) error {
	_, err := k.SpawnUser("hello", func(uc *kernel.UserContext) {
		pid := uc.Syscall(kernel.SysGetPID)
		uc.DebugPrint(fmt.Sprintf("hello from pid %d\r\n", pid))
		uc.Exit(0)
	})
	if err != nil {
		return err
	}

	k.Sched.Yield()

	fmt.Fprintln(out, "hello: user process ran and exited")

	return nil
}

// demoFork exercises fork's copy-on-write: parent and child diverge on the same
// virtual page backed by distinct frames.
func demoFork(k *kernel.Kernel, out io.Writer) error {
	done := make(chan struct{}, 2)

	_, err := k.SpawnUser("forker", func(uc *kernel.UserContext) {
		va, _ := uc.Mmap(0, mem.PageSize, uvm.ProtRead|uvm.ProtWrite)
		_ = uc.Poke(va, []byte{0xab})

		pid := uc.Fork(func(child *kernel.UserContext) {
			b, _ := child.Peek(va, 1)
			child.DebugPrint(fmt.Sprintf("child sees %#02x\r\n", b[0]))
			done <- struct{}{}
			child.Exit(0)
		})

		_ = uc.Poke(va, []byte{0xcd})

		b, _ := uc.Peek(va, 1)
		uc.DebugPrint(fmt.Sprintf("parent (child pid %d) sees %#02x\r\n", pid, b[0]))

		uc.Syscall(kernel.SysWait, 0)
		done <- struct{}{}
		uc.Exit(0)
	})
	if err != nil {
		return err
	}

	for len(done) < 2 {
		k.Sched.Yield()
	}

	fmt.Fprintln(out, "fork: parent wrote 0xcd after the fork, child kept reading 0xab")

	return nil
}

// demoPingPong is the IPC rendezvous: the child inherits the endpoint capability
// across fork and sends to the parent, which receives one message.
func demoPingPong(k *kernel.Kernel, out io.Writer) error {
	done := make(chan struct{}, 1)

	_, err := k.SpawnUser("pong", func(uc *kernel.UserContext) {
		slot := uc.Syscall(kernel.SysEPCreate, 0)
		if slot < 0 {
			uc.Exit(1)
		}

		uc.Fork(func(client *kernel.UserContext) {
			tag := ipc.MkTag(42, 2, 0, 0)
			res := client.Syscall(kernel.SysIPCSend, uint64(slot), uint64(tag), 0xcafe, 0xdead)
			client.DebugPrint(fmt.Sprintf("ping: send result %d\r\n", res))
			client.Exit(0)
		})

		buf, _ := uc.Mmap(0, mem.PageSize, uvm.ProtRead|uvm.ProtWrite)
		res := uc.Syscall(kernel.SysIPCRecv, uint64(slot), uint64(buf), uint64(buf)+8)
		uc.DebugPrint(fmt.Sprintf("pong: recv result %d\r\n", res))

		uc.Syscall(kernel.SysWait, 0)
		done <- struct{}{}
		uc.Exit(0)
	})
	if err != nil {
		return err
	}

	for len(done) < 1 {
		k.Sched.Yield()
	}

	fmt.Fprintln(out, "pingpong: one rendezvous completed over an inherited endpoint capability")

	return nil
}

// demoSched shows priority scheduling: the high-priority thread runs first, parks,
// and runs again at the first schedule after it is woken.
func demoSched(k *kernel.Kernel, out io.Writer) error {
	var order []string

	ch := "demo-sched-park"

	hi := k.Sched.SpawnKThread("demo-hi", 60, func() {
		order = append(order, "hi:start")
		k.Sched.SleepOn(ch)
		order = append(order, "hi:woken")
	})

	k.Sched.SpawnKThread("demo-lo", 100, func() {
		order = append(order, "lo:start")
		k.Sched.Wakeup(ch)
		k.Sched.Yield()
		order = append(order, "lo:done")
	})

	for k.Sched.Runnable() > 0 || hi.State() != sched.TaskDead {
		k.Sched.Yield()
	}

	fmt.Fprintf(out, "sched: execution order %v\n", order)

	return nil
}

// demoBuddy allocates and frees through the buddy system and shows the zone books
// balancing.
func demoBuddy(k *kernel.Kernel, out io.Writer) error {
	before := k.PMM.FreeTotal()

	blocks := make([]mem.PFN, 0, 8)

	for order := 0; order < 8; order++ {
		pfn := k.PMM.AllocPages(mem.ZoneNormal, order, mem.AllocZero)
		if pfn == mem.NoPFN {
			return fmt.Errorf("buddy demo: allocation of order %d failed", order)
		}

		blocks = append(blocks, pfn)
	}

	mid := k.PMM.FreeTotal()

	for order := len(blocks) - 1; order >= 0; order-- {
		k.PMM.FreePages(blocks[order], order)
	}

	after := k.PMM.FreeTotal()

	fmt.Fprintf(out, "buddy: free pages %d -> %d -> %d (allocated %d)\n",
		before, mid, after, before-mid)

	if before != after {
		return fmt.Errorf("buddy demo: %d pages leaked", before-after)
	}

	return nil
}
