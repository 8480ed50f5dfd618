// Package vgatext provides a driver for the 80x25 VGA mode 3 text buffer.
package vgatext

import (
	"io"
	"unsafe"

	"marmotos/bootinfo"
	"marmotos/device"
	"marmotos/kernel"
	"marmotos/kernel/kfmt"
)

const (
	fbPhysAddr = uintptr(0xb8000)

	defaultWidth  = 80
	defaultHeight = 25

	// Each cell holds the character code in the low byte and the color
	// attribute in the high byte. The default attribute is light gray
	// text (color 7) on a black background.
	defaultAttr = uint16(0x07) << 8

	// Bytes outside the printable ASCII range are rendered as a filled
	// block character.
	replacementChar = 0xfe

	tabWidth = 4
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	physMapOffsetFn = bootinfo.PhysMapOffset
)

// Console drives the VGA text buffer. It implements io.Writer with newline
// handling and scrolls its contents up one row whenever the cursor moves
// past the bottom of the screen.
type Console struct {
	width  uint32
	height uint32

	fb   []uint16
	curX uint32
	curY uint32
}

// NewConsole creates a VGA text console with the given dimensions. The
// framebuffer is attached by DriverInit.
func NewConsole(width, height uint32) *Console {
	return &Console{
		width:  width,
		height: height,
	}
}

// DriverName returns the name of this driver.
func (cons *Console) DriverName() string {
	return "vga_text"
}

// DriverVersion returns the version of this driver.
func (cons *Console) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit attaches the console to the text buffer through the physical
// map window and clears the screen.
func (cons *Console) DriverInit(w io.Writer) *kernel.Error {
	fbAddr := physMapOffsetFn() + fbPhysAddr
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), cons.width*cons.height)
	cons.clear()

	kfmt.Fprintf(w, "using %dx%d text buffer at 0x%x\n", cons.width, cons.height, fbAddr)

	return nil
}

// Write renders the contents of p to the text buffer advancing the cursor
// as it goes.
func (cons *Console) Write(p []byte) (int, error) {
	for _, b := range p {
		cons.writeByte(b)
	}

	return len(p), nil
}

func (cons *Console) writeByte(b byte) {
	switch {
	case b == '\n':
		cons.newline()
		return
	case b == '\r':
		cons.curX = 0
		return
	case b == '\t':
		for i := 0; i < tabWidth; i++ {
			cons.writeByte(' ')
		}
		return
	case b == '\b':
		if cons.curX > 0 {
			cons.curX--
			cons.fb[(cons.curY*cons.width)+cons.curX] = defaultAttr | uint16(' ')
		}
		return
	case b < 32 || b > 126:
		b = replacementChar
	}

	cons.fb[(cons.curY*cons.width)+cons.curX] = defaultAttr | uint16(b)
	if cons.curX++; cons.curX == cons.width {
		cons.newline()
	}
}

func (cons *Console) newline() {
	cons.curX = 0
	if cons.curY++; cons.curY == cons.height {
		cons.scrollUp()
		cons.curY = cons.height - 1
	}
}

// scrollUp copies each row over the one above it and clears the bottom
// row.
func (cons *Console) scrollUp() {
	var i uint32
	for ; i < (cons.height-1)*cons.width; i++ {
		cons.fb[i] = cons.fb[i+cons.width]
	}

	for ; i < cons.height*cons.width; i++ {
		cons.fb[i] = defaultAttr | uint16(' ')
	}
}

func (cons *Console) clear() {
	for i := range cons.fb {
		cons.fb[i] = defaultAttr | uint16(' ')
	}
	cons.curX, cons.curY = 0, 0
}

// probeForVgaText returns a driver for the standard EGA-compatible text
// buffer. Its address and geometry are architectural constants for VGA
// mode 3.
func probeForVgaText() device.Driver {
	return NewConsole(defaultWidth, defaultHeight)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderConsole,
		Probe: probeForVgaText,
	})
}
