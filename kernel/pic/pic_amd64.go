// Package pic drives the chained pair of 8259 programmable interrupt
// controllers found on the PC platform. The controllers power up mapping
// hardware IRQs over the CPU exception vectors; Initialize moves them to a
// configurable vector range so that a timer tick can never masquerade as a
// fault.
package pic

import (
	"marmotos/kernel"
	"marmotos/kernel/cpu"
)

const (
	masterCmdPort  = 0x20
	masterDataPort = 0x21
	slaveCmdPort   = 0xa0
	slaveDataPort  = 0xa1

	// ioWaitPort receives throwaway writes between initialization words
	// giving older controllers time to settle.
	ioWaitPort = 0x80

	icw1Init     = 0x10
	icw1NeedICW4 = 0x01
	icw4Mode8086 = 0x01

	cmdEOI = 0x20

	// linesPerUnit is the number of IRQ lines each controller serves.
	linesPerUnit = 8
)

var (
	// masterOffset and slaveOffset track the vector ranges selected by
	// Initialize so that EOI can tell which unit serviced a vector.
	masterOffset uint8
	slaveOffset  uint8

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errBadVectorOffset = &kernel.Error{Module: "pic", Message: "vector offsets must be 8-aligned and outside the CPU exception range"}
)

// Initialize reprograms both controllers with the full ICW1-4 sequence:
// hardware IRQs 0-7 are remapped to vectors starting at offset1, IRQs 8-15
// to vectors starting at offset2, the slave unit is wired to master line 2
// and both units are placed in 8086 mode. The interrupt masks active before
// the sequence are latched first and restored afterwards.
//
// Both offsets must be multiples of 8 and must not overlap the CPU
// exception range 0-31; otherwise errBadVectorOffset is returned and the
// controllers are left untouched.
func Initialize(offset1, offset2 uint8) *kernel.Error {
	if offset1 < 32 || offset2 < 32 || offset1%linesPerUnit != 0 || offset2%linesPerUnit != 0 {
		return errBadVectorOffset
	}

	masterOffset, slaveOffset = offset1, offset2

	mask1 := portReadByteFn(masterDataPort)
	mask2 := portReadByteFn(slaveDataPort)

	// ICW1: begin initialization in cascade mode.
	portWriteByteFn(masterCmdPort, icw1Init|icw1NeedICW4)
	ioWait()
	portWriteByteFn(slaveCmdPort, icw1Init|icw1NeedICW4)
	ioWait()

	// ICW2: vector offsets.
	portWriteByteFn(masterDataPort, offset1)
	ioWait()
	portWriteByteFn(slaveDataPort, offset2)
	ioWait()

	// ICW3: the slave unit hangs off master line 2.
	portWriteByteFn(masterDataPort, 1<<2)
	ioWait()
	portWriteByteFn(slaveDataPort, 2)
	ioWait()

	// ICW4: 8086 mode.
	portWriteByteFn(masterDataPort, icw4Mode8086)
	ioWait()
	portWriteByteFn(slaveDataPort, icw4Mode8086)
	ioWait()

	portWriteByteFn(masterDataPort, mask1)
	portWriteByteFn(slaveDataPort, mask2)

	return nil
}

// EOI acknowledges the end of the interrupt handler for the given CPU
// vector. Vectors serviced by the slave unit must notify both controllers;
// vectors outside the remapped hardware ranges are ignored. EOI runs in
// interrupt context and must stay allocation-free.
func EOI(vector uint8) {
	switch {
	case vector >= slaveOffset && vector < slaveOffset+linesPerUnit:
		portWriteByteFn(slaveCmdPort, cmdEOI)
		portWriteByteFn(masterCmdPort, cmdEOI)
	case vector >= masterOffset && vector < masterOffset+linesPerUnit:
		portWriteByteFn(masterCmdPort, cmdEOI)
	}
}

// SetMask disables delivery of the given hardware IRQ line (0-15).
func SetMask(irqLine uint8) {
	port := uint16(masterDataPort)
	if irqLine >= linesPerUnit {
		port = slaveDataPort
		irqLine -= linesPerUnit
	}

	portWriteByteFn(port, portReadByteFn(port)|1<<irqLine)
}

// ClearMask enables delivery of the given hardware IRQ line (0-15).
func ClearMask(irqLine uint8) {
	port := uint16(masterDataPort)
	if irqLine >= linesPerUnit {
		port = slaveDataPort
		irqLine -= linesPerUnit
	}

	portWriteByteFn(port, portReadByteFn(port)&^(1<<irqLine))
}

// ioWait performs a throwaway write to an unused port. The write takes long
// enough on the ISA bus to let the controllers settle between
// initialization words.
func ioWait() {
	portWriteByteFn(ioWaitPort, 0)
}
