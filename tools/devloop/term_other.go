//go:build !linux

package main

// saveTerminal is a no-op on platforms without termios support.
func saveTerminal(int) func() {
	return func() {}
}
