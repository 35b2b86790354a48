// Package tty provides the monitor's console: raw-mode terminal I/O with line editing,
// standing in for the serial port a kernel monitor would really sit on.
package tty

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY = errors.New("console: not a TTY")

// Console wraps a raw-mode terminal. Callers must Restore before exiting, or the
// user's shell inherits a broken terminal.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State
}

// NewConsole puts the input stream into raw mode and returns a console over it. If the
// input is not a terminal, ErrNoTTY is returned and the caller should fall back to
// plain line reading.
func NewConsole(sin *os.File, prompt string) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	cons := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sin, prompt),
		state: saved,
	}

	if err := cons.setNonCanonical(); err != nil {
		cons.Restore()
		return nil, err
	}

	return cons, nil
}

// ReadLine blocks for one edited input line.
func (c *Console) ReadLine() (string, error) {
	return c.out.ReadLine()
}

// Writer returns a writer that renders correctly on the raw terminal.
func (c *Console) Writer() io.Writer {
	return c.out
}

// Restore returns the terminal to its initial state.
func (c *Console) Restore() {
	_ = term.Restore(c.fd, c.state)
}
