// Package cli routes the ocean binary's subcommands to the machine.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/jack-chaudier/ocean/internal/log"
)

// Status is what a command run leaves behind, mirroring how the machine itself ends:
// cleanly halted, refused at the boot handshake, or stopped by a failing workload.
type Status int

const (
	// StatusOK: the machine halted cleanly.
	StatusOK Status = iota

	// StatusUsage: the command line never reached a machine.
	StatusUsage

	// StatusBootFailed: the kernel rejected the boot handshake (bad RAM size, no
	// usable memory map entry for the boot tables).
	StatusBootFailed

	// StatusFault: the machine came up but a workload failed on it.
	StatusFault
)

// Env is the host-side environment a command runs against: the lifetime context, the
// stream standing in for the serial line, and the logger.
type Env struct {
	Ctx context.Context
	Out io.Writer
	Log *log.Logger
}

// Command is one subcommand. Flags registers its options into a fresh FlagSet; Run
// drives a machine and reports how it ended.
type Command struct {
	Name    string
	Summary string

	// Usage is the long-form help body, shown by "ocean help <name>".
	Usage string

	Flags func(fs *flag.FlagSet)
	Run   func(env Env, args []string) Status
}

// CLI is the command table for one binary.
type CLI struct {
	name     string
	commands map[string]*Command
	order    []string

	log *log.Logger
}

// New creates the table and claims the process-wide default logger, writing records to
// stderr so stdout stays a clean serial line.
func New(name string) *CLI {
	logger := log.NewFormattedLogger(os.Stderr)
	log.SetDefault(logger)

	return &CLI{
		name:     name,
		commands: make(map[string]*Command),
		log:      logger,
	}
}

// Register adds commands to the table, keeping registration order for help output.
func (c *CLI) Register(cmds ...*Command) *CLI {
	for _, cmd := range cmds {
		if _, dup := c.commands[cmd.Name]; dup {
			panic(fmt.Sprintf("cli: duplicate command %q", cmd.Name))
		}

		c.commands[cmd.Name] = cmd
		c.order = append(c.order, cmd.Name)
	}

	return c
}

// Main dispatches one invocation and returns the process exit code.
func (c *CLI) Main(ctx context.Context, args []string) int {
	if len(args) == 0 {
		c.printHelp(os.Stdout)
		return int(StatusUsage)
	}

	switch args[0] {
	case "help", "-h", "-help", "--help":
		return int(c.runHelp(args[1:]))
	}

	cmd, ok := c.commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n\n", c.name, args[0])
		c.printHelp(os.Stderr)

		return int(StatusUsage)
	}

	fs := flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() { c.printCommandHelp(cmd, os.Stderr) }

	if cmd.Flags != nil {
		cmd.Flags(fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return int(StatusUsage)
	}

	env := Env{
		Ctx: ctx,
		Out: os.Stdout,
		Log: c.log,
	}

	return int(cmd.Run(env, fs.Args()))
}

// runHelp serves "help" and "help <command>".
func (c *CLI) runHelp(args []string) Status {
	if len(args) == 0 {
		c.printHelp(os.Stdout)
		return StatusOK
	}

	cmd, ok := c.commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: no help for %q\n", c.name, args[0])
		return StatusUsage
	}

	c.printCommandHelp(cmd, os.Stdout)

	return StatusOK
}

// printHelp renders the command table the way the monitor renders machine state.
func (c *CLI) printHelp(out io.Writer) {
	fmt.Fprintf(out, "%s is an educational microkernel simulated in software.\n\n", c.name)
	fmt.Fprintf(out, "Usage:\n\n        %s <command> [option]... [arg]...\n\n", c.name)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"command", "summary"})
	table.SetBorder(false)
	table.SetAutoFormatHeaders(false)

	for _, name := range c.order {
		table.Append([]string{name, c.commands[name].Summary})
	}

	table.Append([]string{"help", "show this table, or help for one command"})
	table.Render()

	fmt.Fprintf(out, "\nUse `%s help <command>` for options.\n", c.name)
}

// printCommandHelp renders one command's usage body and option defaults.
func (c *CLI) printCommandHelp(cmd *Command, out io.Writer) {
	fmt.Fprintf(out, "Usage:\n\n        %s %s\n", c.name, cmd.Usage)

	if cmd.Flags == nil {
		return
	}

	fs := flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	cmd.Flags(fs)

	fmt.Fprintln(out, "\nOptions:")
	fs.SetOutput(out)
	fs.PrintDefaults()
}
