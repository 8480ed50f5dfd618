// Package serial provides a polled-mode output driver for 16550A
// compatible UARTs.
package serial

import (
	"io"

	"marmotos/device"
	"marmotos/kernel"
	"marmotos/kernel/cpu"
	"marmotos/kernel/kfmt"
)

const (
	com1IOPort = 0x3f8

	// Register offsets relative to the UART base port. The data register
	// doubles as the divisor latch low byte and the interrupt enable
	// register as the divisor latch high byte while the DLAB bit is set.
	regData = 0
	regIER  = 1
	regFCR  = 2
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5

	lcrDLAB      = 1 << 7
	lcr8N1       = 0x03
	fcrEnableAll = 0xc7
	mcrDTRRTS    = 0x0b
	lsrTxEmpty   = 1 << 5

	// divisorLow selects 38400 baud (115200 / 3).
	divisorLow  = 0x03
	divisorHigh = 0x00
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
)

// UART drives a 16550A compatible serial port in polled mode. It
// implements io.Writer so it can serve as an early kernel output sink.
type UART struct {
	ioPort uint16
}

// NewUART creates a serial driver for the UART at the given base I/O port.
func NewUART(ioPort uint16) *UART {
	return &UART{ioPort: ioPort}
}

// DriverName returns the name of this driver.
func (u *UART) DriverName() string {
	return "uart_16550"
}

// DriverVersion returns the version of this driver.
func (u *UART) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit programs the UART to 38400 baud, 8 data bits, no parity, one
// stop bit with the FIFOs enabled and cleared.
func (u *UART) DriverInit(w io.Writer) *kernel.Error {
	portWriteByteFn(u.ioPort+regIER, 0x00)
	portWriteByteFn(u.ioPort+regLCR, lcrDLAB)
	portWriteByteFn(u.ioPort+regData, divisorLow)
	portWriteByteFn(u.ioPort+regIER, divisorHigh)
	portWriteByteFn(u.ioPort+regLCR, lcr8N1)
	portWriteByteFn(u.ioPort+regFCR, fcrEnableAll)
	portWriteByteFn(u.ioPort+regMCR, mcrDTRRTS)

	// Enable received-data interrupts. The UART line stays masked at the
	// PIC so this has no effect until a consumer unmasks it.
	portWriteByteFn(u.ioPort+regIER, 0x01)

	kfmt.Fprintf(w, "programmed 38400 8N1 on port 0x%x\n", u.ioPort)

	return nil
}

// Write sends the contents of p over the serial line byte by byte, polling
// the line status register before each byte until the transmit holding
// register can accept it.
func (u *UART) Write(p []byte) (int, error) {
	for _, b := range p {
		u.writeByte(b)
	}

	return len(p), nil
}

func (u *UART) writeByte(b byte) {
	for portReadByteFn(u.ioPort+regLSR)&lsrTxEmpty == 0 {
	}
	portWriteByteFn(u.ioPort+regData, b)
}

// probeForCOM1 returns a driver for the primary UART. The port is an
// architectural constant so presence is assumed; a missing device simply
// swallows the output.
func probeForCOM1() device.Driver {
	return NewUART(com1IOPort)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderConsole,
		Probe: probeForCOM1,
	})
}
