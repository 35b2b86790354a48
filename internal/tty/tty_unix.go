//go:build linux || darwin

package tty

import "golang.org/x/sys/unix"

// setNonCanonical arranges byte-at-a-time reads with no inter-byte timeout, the way a
// UART delivers characters.
func (c *Console) setNonCanonical() error {
	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = 1
	termIO.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO)
}
