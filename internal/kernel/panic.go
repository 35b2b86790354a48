package kernel

// panic.go is the end of the line: assertion failures and unrecoverable faults print a
// machine-state dump and halt with interrupts disabled.

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"github.com/jack-chaudier/ocean/internal/ksync"
)

// dumpConfig keeps the state dump shallow enough to read on a serial console.
var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	MaxDepth:                3,
	DisableMethods:          false,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// Panic prints a dump of the failure and the machine state, then halts. It never
// returns.
func (k *Kernel) Panic(format string, args ...any) {
	ksync.IRQDisable()

	msg := fmt.Sprintf(format, args...)

	fmt.Fprintf(k.ConsoleOut, "\n*** kernel panic: %s\n\n", msg)

	if cur := k.Sched.Current(); cur != nil {
		fmt.Fprintf(k.ConsoleOut, "current: %s\n", cur)

		if p := cur.Process(); p != nil {
			fmt.Fprintf(k.ConsoleOut, "process: %s\n%s\n", p, dumpConfig.Sdump(p))
		}
	}

	fmt.Fprintf(k.ConsoleOut, "ticks: %d switches: %d free pages: %d\n",
		k.Sched.Ticks(), k.Sched.Switches(), k.PMM.FreeTotal())

	panic("kernel: " + msg)
}

// Assert panics when cond is false.
func (k *Kernel) Assert(cond bool, format string, args ...any) {
	if !cond {
		k.Panic(format, args...)
	}
}
