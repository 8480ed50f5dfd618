package gate

import (
	"encoding/binary"
	"unsafe"
)

// Types and constants for the processor segmentation structures. Segmenting
// and hardware task switching are largely disabled in 64-bit mode, but a GDT
// and a TSS are nevertheless required: the GDT supplies the code and data
// descriptors referenced by the selectors the boot loader hands over, and
// the TSS supplies the interrupt stack table used by the double fault
// handler.

// segmentDescriptor represents a 64-bit GDT entry. Uses uint64 type to force
// 8-byte alignment.
type segmentDescriptor uint64

// taskStateSegment is the amd64 TSS layout: 104 bytes holding the privilege
// level stack pointers (RSP0-2), the interrupt stack table (IST1-7) and the
// I/O permission bitmap offset.
type taskStateSegment [26]uint32

// idtDescriptor represents a 16-byte long mode gate descriptor. Uses uint64
// to force 8-byte alignment.
type idtDescriptor [2]uint64

// Segment indices in the GDT. The boot loader enters the kernel with
// CS=0x08 and SS=DS=0x10 so the code and data descriptors must occupy the
// same slots in the kernel's own GDT; this allows Init to switch tables
// without reloading any segment register. The 64-bit TSS descriptor spans
// two consecutive slots.
const (
	// Mandatory null selector.
	_ = iota
	segmentKernelCode
	segmentKernelData
	segmentTSS
	segmentTSSHigh
	segmentCount
)

const (
	segFlagAccess  = 1 << 8
	segFlagWrite   = 1 << 9
	segFlagCode    = 1 << 11
	segFlagSystem  = 1 << 12
	segFlagPresent = 1 << 15
	segFlagLong    = 1 << 21
)

const (
	// interruptGateType marks an IDT entry as a 64-bit interrupt gate;
	// the CPU clears the interrupt flag before entering the handler.
	interruptGateType = 0xe

	// istDoubleFault selects the interrupt stack table slot that provides
	// a fresh stack to the double fault handler.
	istDoubleFault = 1

	// faultStackSize is the size of the statically allocated stack used
	// by IST-routed handlers.
	faultStackSize = 16 << 10
)

// faultStack is a statically allocated region handed to the CPU via the
// interrupt stack table.
type faultStack [faultStackSize]byte

// top returns the initial stack pointer for the region. The SysV ABI wants
// RSP 16-byte aligned at function entry.
func (s *faultStack) top() uintptr {
	return (uintptr(unsafe.Pointer(&s[0])) + faultStackSize) &^ 15
}

// newSegmentDescriptor packs base, limit, flags and a privilege level into
// the legacy descriptor layout: the low word interleaves the limit and base
// fields while the high word carries the flag bits.
func newSegmentDescriptor(base uint32, limit uint32, flags uint32, dpl uint32) segmentDescriptor {
	flags |= segFlagPresent
	w0 := base<<16 | limit&0xffff
	w1 := base&0xff000000 | limit&0xf0000 | flags | dpl<<13 | (base>>16)&0xff
	return segmentDescriptor(uint64(w1)<<32 | uint64(w0))
}

// setGate encodes an interrupt gate that transfers control to the code at pc
// using the kernel code selector. A non-zero ist value selects an interrupt
// stack table entry so the CPU switches to a known good stack before pushing
// the interrupt frame.
func (d *idtDescriptor) setGate(pc uintptr, ist uint8) {
	sel := uint32(segmentKernelCode << 3)
	w0 := sel<<16 | uint32(pc&0xffff)
	w1 := uint32(pc&0xffff0000) | segFlagPresent | interruptGateType<<8 | uint32(ist&0x7)
	w2 := uint32(pc >> 32)
	d[0] = uint64(w1)<<32 | uint64(w0)
	d[1] = uint64(w2)
}

// pc returns the handler address encoded in the gate descriptor.
func (d *idtDescriptor) pc() uintptr {
	w0 := uint32(d[0])
	w1 := uint32(d[0] >> 32)
	return uintptr(d[1])<<32 | uintptr(w1&0xffff0000) | uintptr(w0&0xffff)
}

// ist returns the interrupt stack table slot encoded in the gate descriptor.
func (d *idtDescriptor) ist() uint8 {
	return uint8((d[0] >> 32) & 0x7)
}

// setIST updates the interrupt stack table slot of an installed gate
// descriptor leaving the rest of the encoding intact.
func (d *idtDescriptor) setIST(ist uint8) {
	d[0] = (d[0] &^ (uint64(0x7) << 32)) | uint64(ist&0x7)<<32
}

// setISP sets the interrupt stack table pointer for slot idx (1-based).
func (t *taskStateSegment) setISP(idx int, rsp uint64) {
	t[7+idx*2] = uint32(rsp)
	t[7+idx*2+1] = uint32(rsp >> 32)
}

// setRSP sets the stack pointer loaded when an interrupt lowers the
// privilege level to ring idx.
func (t *taskStateSegment) setRSP(idx int, rsp uint64) {
	t[1+idx*2] = uint32(rsp)
	t[1+idx*2+1] = uint32(rsp >> 32)
}

// setIOPermBase writes the I/O permission bitmap offset. Pointing it past
// the TSS limit blocks all ports for lower privilege levels.
func (t *taskStateSegment) setIOPermBase(offset uint16) {
	t[25] = uint32(offset) << 16
}

// descriptorTablePtr is the 10-byte memory operand consumed by the LGDT and
// LIDT instructions: a 16-bit table limit followed by the 64-bit base
// address.
type descriptorTablePtr [10]uint8

func (p *descriptorTablePtr) set(base uintptr, limit uint16) {
	binary.LittleEndian.PutUint16(p[0:2], limit)
	binary.LittleEndian.PutUint64(p[2:10], uint64(base))
}
