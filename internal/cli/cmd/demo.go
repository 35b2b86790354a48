package cmd

import (
	"context"
	"flag"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jack-chaudier/ocean/internal/cli"
	"github.com/jack-chaudier/ocean/internal/kernel"
	"github.com/jack-chaudier/ocean/internal/log"
	"github.com/jack-chaudier/ocean/internal/sched"
)

// Demo boots a machine, runs the named workloads, and halts.
func Demo() *cli.Command {
	var d demoConfig

	return &cli.Command{
		Name:    "demo",
		Summary: "run demo workloads",
		Usage: `demo [ -ram <MiB> ] [ -debug | -quiet ] [ name ]...

Boot a machine and run the named demo workloads (all of them by default).`,
		Flags: d.flags,
		Run:   d.run,
	}
}

type demoConfig struct {
	debug bool
	quiet bool
	ramMB uint64
}

func (d *demoConfig) flags(fs *flag.FlagSet) {
	fs.BoolVar(&d.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&d.quiet, "quiet", false, "errors only")
	fs.Uint64Var(&d.ramMB, "ram", 128, "DRAM size in MiB")
}

func (d *demoConfig) run(env cli.Env, args []string) cli.Status {
	if d.quiet {
		log.LogLevel.Set(log.Error)
	}

	if d.debug {
		log.LogLevel.Set(log.Debug)
	}

	k, err := kernel.New(d.ramMB<<20, nil,
		kernel.WithLogger(env.Log),
		kernel.WithConsole(nil, env.Out))
	if err != nil {
		env.Log.Error("boot failed", "err", err)
		return cli.StatusBootFailed
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

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

	names := args
	if len(names) == 0 {
		names = demoNames
	}

	status := cli.StatusOK

	for _, name := range names {
		fn, ok := demos[name]
		if !ok {
			fmt.Fprintf(env.Out, "no demo %q\n", name)
			status = cli.StatusUsage

			continue
		}

		env.Log.Info("running demo", "name", name)

		if err := fn(k, env.Out); err != nil {
			fmt.Fprintf(env.Out, "demo %s failed: %s\n", name, err)
			status = cli.StatusFault
		}
	}

	cancel()
	_ = group.Wait()

	return status
}
