//go:build linux

package main

import "golang.org/x/sys/unix"

// saveTerminal snapshots the terminal state for fd and returns a restore
// function. QEMU puts the terminal in raw mode for its serial console and a
// crashed or killed guest leaves it that way; restore undoes the damage.
// A non-terminal fd yields a no-op restore.
func saveTerminal(fd int) func() {
	state, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}
	}

	return func() {
		unix.IoctlSetTermios(fd, unix.TCSETS, state)
	}
}
