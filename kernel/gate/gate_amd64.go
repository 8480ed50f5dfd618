// Package gate provides the trap dispatch table for the kernel. It owns the
// IDT, the GDT and the TSS, generates a trampoline for each of the 256
// interrupt vectors and routes incoming traps to handlers registered by the
// other kernel subsystems.
package gate

import (
	"io"
	"unsafe"

	"marmotos/kernel"
	"marmotos/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector contains the interrupt vector that triggered this trap.
	Vector uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint occurs when the CPU executes an INT3 instruction. It is
	// the only trap the kernel treats as recoverable.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)
)

const (
	// numVectors is the number of interrupt vectors supported by the
	// amd64 architecture.
	numVectors = 256

	// stubSize is the distance between consecutive trap entry stubs. The
	// stubs are emitted by entry_amd64.s padded to a fixed size so the
	// address of the stub for any vector can be computed from the base.
	stubSize = 16
)

var (
	// The global descriptor table, the task state segment and the
	// interrupt descriptor table. Never touched again after Init.
	gdt    [segmentCount]segmentDescriptor
	tss    taskStateSegment
	idt    [numVectors]idtDescriptor
	gdtPtr descriptorTablePtr
	idtPtr descriptorTablePtr

	// doubleFaultStack provides a known good stack for the double fault
	// handler via the interrupt stack table.
	doubleFaultStack faultStack

	// entryStubs caches the trampoline entry address for each vector.
	entryStubs [numVectors]uintptr

	// handlers routes each vector to its registered handler.
	handlers [numVectors]func(*Registers)

	installed bool

	// the following functions are implemented in assembly and mocked by
	// tests.
	loadGDTFn          = loadGDT
	loadIDTFn          = loadIDT
	loadTaskRegisterFn = loadTaskRegister
	vectorStubsBaseFn  = vectorStubsBase

	errAlreadyInstalled    = &kernel.Error{Module: "gate", Message: "trap gates already installed"}
	errUnexpectedInterrupt = &kernel.Error{Module: "gate", Message: "unexpected interrupt"}
	errDoubleFault         = &kernel.Error{Module: "gate", Message: "double fault"}
)

// Init installs the descriptor tables required for trap handling: a GDT
// whose code and data slots match the selectors the boot loader loaded, a
// TSS providing the double fault handler with a dedicated stack, and an IDT
// with an interrupt gate for every vector pointing at its generated entry
// stub. Vectors without a registered handler are routed to a handler that
// reports the trap and panics.
//
// Init must be called with interrupts disabled. Calling it a second time
// returns errAlreadyInstalled.
func Init() *kernel.Error {
	if installed {
		return errAlreadyInstalled
	}
	installed = true

	tss.setISP(istDoubleFault, uint64(doubleFaultStack.top()))
	tss.setIOPermBase(uint16(unsafe.Sizeof(tss)))

	tssAddr := uintptr(unsafe.Pointer(&tss))
	gdt[segmentKernelCode] = newSegmentDescriptor(0, 0, segFlagSystem|segFlagCode|segFlagLong, 0)
	gdt[segmentKernelData] = newSegmentDescriptor(0, 0, segFlagSystem|segFlagWrite, 0)
	gdt[segmentTSS] = newSegmentDescriptor(uint32(tssAddr), uint32(unsafe.Sizeof(tss)-1), segFlagAccess|segFlagCode, 0)
	gdt[segmentTSSHigh] = segmentDescriptor(tssAddr >> 32)

	gdtPtr.set(uintptr(unsafe.Pointer(&gdt)), uint16(unsafe.Sizeof(gdt)-1))
	loadGDTFn(&gdtPtr)
	loadTaskRegisterFn(segmentTSS << 3)

	stubBase := vectorStubsBaseFn()
	for vector := 0; vector < numVectors; vector++ {
		entryStubs[vector] = stubBase + uintptr(vector)*stubSize
		idt[vector].setGate(entryStubs[vector], 0)
		handlers[vector] = unexpectedInterruptHandler
	}

	idtPtr.set(uintptr(unsafe.Pointer(&idt)), uint16(unsafe.Sizeof(idt)-1))
	loadIDTFn(&idtPtr)

	HandleInterrupt(Breakpoint, 0, breakpointHandler)
	HandleInterrupt(DoubleFault, istDoubleFault, doubleFaultHandler)

	return nil
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	handlers[intNumber] = handler
	idt[intNumber].setIST(istOffset)
}

// dispatchTrap is invoked by the common trap entry code with a pointer to
// the register snapshot it assembled on the interrupt stack. Interrupts are
// disabled for the duration of the dispatch; handlers must not allocate.
//go:nosplit
func dispatchTrap(regs *Registers) {
	if handler := handlers[regs.Vector&0xff]; handler != nil {
		handler(regs)
		return
	}

	unexpectedInterruptHandler(regs)
}

// breakpointHandler reports the trap location and returns, resuming
// execution at the instruction that follows the breakpoint.
func breakpointHandler(regs *Registers) {
	kfmt.Printf("\nBreakpoint at 0x%16x\n", regs.RIP)
	regs.DumpTo(kfmt.GetOutputSink())
}

// doubleFaultHandler runs on its own stack via the interrupt stack table so
// that it can report faults raised while the active stack was corrupted or
// exhausted. Double faults are never resumable.
func doubleFaultHandler(regs *Registers) {
	kfmt.Printf("\nDouble fault at 0x%16x\n", regs.RIP)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errDoubleFault)
}

func unexpectedInterruptHandler(regs *Registers) {
	kfmt.Printf("\nUnexpected interrupt: %d\n", regs.Vector)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnexpectedInterrupt)
}

// loadGDT updates the GDT register with the supplied table descriptor.
func loadGDT(ptr *descriptorTablePtr)

// loadIDT updates the IDT register with the supplied table descriptor.
func loadIDT(ptr *descriptorTablePtr)

// loadTaskRegister points the task register at the given TSS selector.
func loadTaskRegister(sel uint16)

// vectorStubsBase returns the address of the first generated trap entry
// stub. The stub for vector n is located at vectorStubsBase() + n*stubSize.
func vectorStubsBase() uintptr
