// Package pit drives channel 0 of the 8254 programmable interval timer.
package pit

import (
	"io"

	"marmotos/device"
	"marmotos/kernel"
	"marmotos/kernel/cpu"
	"marmotos/kernel/gate"
	"marmotos/kernel/kfmt"
	"marmotos/kernel/pic"
)

const (
	ch0Port = 0x40
	cmdPort = 0x43

	// cmdCh0RateGen selects channel 0, lobyte/hibyte access and the rate
	// generator operating mode.
	cmdCh0RateGen = 0x36

	// baseHz is the fixed input clock of the 8254.
	baseHz = 1193182

	tickHz = 100

	timerIRQLine = 0
	timerVector  = 32
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn   = cpu.PortWriteByte
	handleInterruptFn = gate.HandleInterrupt
	eoiFn             = pic.EOI
	clearMaskFn       = pic.ClearMask
)

// Timer generates periodic interrupts on vector 32.
type Timer struct {
	hz uint32
}

// DriverName returns the name of this driver.
func (t *Timer) DriverName() string {
	return "pit_8254"
}

// DriverVersion returns the version of this driver.
func (t *Timer) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit programs channel 0 as a rate generator at the driver tick
// frequency, installs the tick handler and unmasks the timer IRQ line.
func (t *Timer) DriverInit(w io.Writer) *kernel.Error {
	divisor := uint16(baseHz / t.hz)
	portWriteByteFn(cmdPort, cmdCh0RateGen)
	portWriteByteFn(ch0Port, uint8(divisor&0xff))
	portWriteByteFn(ch0Port, uint8(divisor>>8))

	handleInterruptFn(timerVector, 0, timerHandler)
	clearMaskFn(timerIRQLine)

	kfmt.Fprintf(w, "%d Hz tick on vector %d\n", t.hz, timerVector)

	return nil
}

// timerHandler acknowledges the tick. The tick is not consumed anywhere
// yet; the vector is reserved for driving preemption later on.
func timerHandler(_ *gate.Registers) {
	eoiFn(timerVector)
}

func probeForPIT() device.Driver {
	return &Timer{hz: tickHz}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderDefault,
		Probe: probeForPIT,
	})
}
