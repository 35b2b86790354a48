package cmd

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jack-chaudier/ocean/internal/cli"
	"github.com/jack-chaudier/ocean/internal/kernel"
	"github.com/jack-chaudier/ocean/internal/ksync"
	"github.com/jack-chaudier/ocean/internal/log"
	"github.com/jack-chaudier/ocean/internal/sched"
	"github.com/jack-chaudier/ocean/internal/tty"
)

// Boot brings up a machine and drops into the monitor.
func Boot() *cli.Command {
	var b bootConfig

	return &cli.Command{
		Name:    "boot",
		Summary: "boot the machine into the monitor",
		Usage: `boot [ -ram <MiB> ] [ -debug | -quiet ]

Boot the kernel with a synthetic memory map and run the interactive monitor.`,
		Flags: b.flags,
		Run:   b.run,
	}
}

type bootConfig struct {
	ramMB uint64
	debug bool
	quiet bool
}

func (b *bootConfig) flags(fs *flag.FlagSet) {
	fs.Uint64Var(&b.ramMB, "ram", 128, "DRAM size in MiB")
	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&b.quiet, "quiet", false, "errors only")
}

// consoleQueue carries monitor input from the terminal goroutine to the init thread.
type consoleQueue struct {
	lock  ksync.SpinLock
	lines []string
	eof   bool
}

func (q *consoleQueue) push(line string) {
	q.lock.Lock()
	q.lines = append(q.lines, line)
	q.lock.Unlock()
}

func (q *consoleQueue) pop() (string, bool, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.lines) == 0 {
		return "", false, q.eof
	}

	line := q.lines[0]
	q.lines = q.lines[1:]

	return line, true, false
}

func (q *consoleQueue) ready() bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	return len(q.lines) > 0 || q.eof
}

func (b *bootConfig) run(env cli.Env, _ []string) cli.Status {
	if b.quiet {
		log.LogLevel.Set(log.Error)
	}

	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	// The monitor prefers a raw terminal; a pipe falls back to plain line reads.
	var (
		readLine func() (string, error)
		conOut   io.Writer = env.Out
	)

	console, err := tty.NewConsole(os.Stdin, "ocean> ")

	switch {
	case err == nil:
		defer console.Restore()

		readLine = console.ReadLine
		conOut = console.Writer()

	default:
		scanner := bufio.NewScanner(os.Stdin)
		readLine = func() (string, error) {
			fmt.Fprint(env.Out, "ocean> ")

			if !scanner.Scan() {
				return "", io.EOF
			}

			return scanner.Text(), nil
		}
	}

	k, err := kernel.New(b.ramMB<<20, nil,
		kernel.WithLogger(env.Log),
		kernel.WithConsole(nil, conOut))
	if err != nil {
		env.Log.Error("boot failed", "err", err)
		return cli.StatusBootFailed
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	// The timer: one tick per 1/HZ seconds, the machine's only asynchronous interrupt
	// source besides the console.
	group.Go(func() error {
		ticker := time.NewTicker(time.Second / sched.HZ)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				k.Tick()
			case <-ctx.Done():
				return nil
			}
		}
	})

	// The console pump: blocking terminal reads, handed to the init thread.
	queue := &consoleQueue{}

	group.Go(func() error {
		for {
			line, err := readLine()
			if err != nil {
				queue.lock.Lock()
				queue.eof = true
				queue.lock.Unlock()
				k.Sched.Wakeup(queue)

				return nil
			}

			queue.push(line)
			k.Sched.Wakeup(queue)

			select {
			case <-ctx.Done():
				return nil
			default:
			}
		}
	})

	fmt.Fprint(conOut, "OCEAN monitor; type help\r\n")

	mon := &monitor{k: k, out: conOut}

	for {
		line, ok, eof := queue.pop()
		if eof {
			break
		}

		if !ok {
			k.Sched.SleepUnless(queue, queue.ready)
			continue
		}

		if !mon.dispatch(line) {
			break
		}
	}

	cancel()
	_ = group.Wait()

	fmt.Fprint(conOut, "machine halted\r\n")

	return cli.StatusOK
}
