// Package kbd provides a PS/2 set 1 keyboard driver. The interrupt
// handler feeds raw scancodes into a fixed ring which a single task
// consumes through ScancodeStream.
package kbd

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
	dataPort   = 0x60
	statusPort = 0x64

	// statusOutputFull is set while the controller output buffer holds a
	// byte for us to read.
	statusOutputFull = 1 << 0

	kbdIRQLine = 1
	kbdVector  = 33

	ringSize = 256
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadByteFn    = cpu.PortReadByte
	handleInterruptFn = gate.HandleInterrupt
	eoiFn             = pic.EOI
	clearMaskFn       = pic.ClearMask

	ring scancodeRing
)

// Waker is the consumer handle the stream registers with the ring; the
// interrupt handler calls Wake to resume the consuming task. The executor
// waker satisfies it.
type Waker interface {
	Wake()
}

// scancodeRing carries raw scancodes from the interrupt handler (the only
// producer) to the stream task (the only consumer). The cursors are
// monotonic; on a single core their plain word stores are totally ordered
// so neither side needs a lock and the producer never blocks.
type scancodeRing struct {
	buf  [ringSize]uint8
	head uint32
	tail uint32

	waker Waker
}

func (r *scancodeRing) push(sc uint8) bool {
	if r.tail-r.head == ringSize {
		return false
	}

	r.buf[r.tail%ringSize] = sc
	r.tail++

	return true
}

func (r *scancodeRing) pop() (uint8, bool) {
	if r.head == r.tail {
		return 0, false
	}

	sc := r.buf[r.head%ringSize]
	r.head++

	return sc, true
}

// Keyboard handles scancode interrupts on vector 33.
type Keyboard struct {
}

// DriverName returns the name of this driver.
func (k *Keyboard) DriverName() string {
	return "ps2_kbd"
}

// DriverVersion returns the version of this driver.
func (k *Keyboard) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit drains any stale bytes from the controller, installs the
// scancode handler and unmasks the keyboard IRQ line.
func (k *Keyboard) DriverInit(w io.Writer) *kernel.Error {
	for portReadByteFn(statusPort)&statusOutputFull != 0 {
		portReadByteFn(dataPort)
	}

	handleInterruptFn(kbdVector, 0, kbdHandler)
	clearMaskFn(kbdIRQLine)

	kfmt.Fprintf(w, "set 1 scancode stream on vector %d\n", kbdVector)

	return nil
}

// kbdHandler reads one scancode, pushes it into the ring, wakes the
// consumer and acknowledges the interrupt. It runs in interrupt context
// and must not block or allocate; when the ring is full the scancode is
// dropped.
func kbdHandler(_ *gate.Registers) {
	sc := portReadByteFn(dataPort)

	if !ring.push(sc) {
		kfmt.Printf("kbd: dropped scancode 0x%x, queue full\n", sc)
	}

	if w := ring.waker; w != nil {
		w.Wake()
	}

	eoiFn(kbdVector)
}

// ScancodeStream yields the raw scancodes delivered by the interrupt
// handler. Exactly one task may consume the stream.
type ScancodeStream struct {
}

// Next pops the oldest pending scancode. When the ring is empty it
// registers w to be woken on the next push and re-checks the ring once so
// a scancode arriving between the first check and the registration is not
// missed, then reports not ready.
func (s *ScancodeStream) Next(w Waker) (uint8, bool) {
	if sc, ok := ring.pop(); ok {
		return sc, true
	}

	ring.waker = w

	if sc, ok := ring.pop(); ok {
		return sc, true
	}

	return 0, false
}

func probeForPS2Keyboard() device.Driver {
	return &Keyboard{}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderDefault,
		Probe: probeForPS2Keyboard,
	})
}
