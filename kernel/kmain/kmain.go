// Package kmain contains the kernel bring-up sequence that takes the machine
// from the boot stub to the running task executor.
package kmain

import (
	"marmotos/bootinfo"
	"marmotos/kernel"
	"marmotos/kernel/cpu"
	"marmotos/kernel/gate"
	"marmotos/kernel/goruntime"
	"marmotos/kernel/hal"
	"marmotos/kernel/kfmt"
	"marmotos/kernel/mm/kheap"
	"marmotos/kernel/mm/pmm"
	"marmotos/kernel/mm/vmm"
	"marmotos/kernel/pic"
)

// The legacy IRQ lines are remapped clear of the CPU exception vectors, so
// line 0 raises vector 32 and the slave cascade starts at vector 40.
const (
	picMasterOffset = 32
	picSlaveOffset  = 40
)

var (
	errKmainReturned   = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errInvalidBootInfo = &kernel.Error{Module: "kmain", Message: "boot info block failed validation"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	setInfoPtrFn       = bootinfo.SetInfoPtr
	bootInfoValidFn    = bootinfo.Valid
	gateInitFn         = gate.Init
	picInitFn          = pic.Initialize
	pmmInitFn          = pmm.Init
	vmmInitFn          = vmm.Init
	kheapInitFn        = kheap.Init
	goruntimeInitFn    = goruntime.Init
	detectHardwareFn   = hal.DetectHardware
	enableInterruptsFn = cpu.EnableInterrupts
	kernelPanicFn      = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) to the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// use the stack allocated by the assembly code.
//
// The rt0 code passes the address of the info block assembled by the boot
// loader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(infoPtr uintptr) {
	setInfoPtrFn(infoPtr)
	if !bootInfoValidFn() {
		kernelPanicFn(errInvalidBootInfo)
		return
	}

	var err *kernel.Error
	if err = gateInitFn(); err != nil {
		panic(err)
	} else if err = picInitFn(picMasterOffset, picSlaveOffset); err != nil {
		panic(err)
	} else if err = pmmInitFn(); err != nil {
		panic(err)
	} else if err = vmmInitFn(); err != nil {
		panic(err)
	} else if err = kheapInitFn(); err != nil {
		panic(err)
	} else if err = goruntimeInitFn(); err != nil {
		panic(err)
	}

	detectHardwareFn()
	enableInterruptsFn()

	runBootSelftest()

	if err = runDemoTasksFn(); err != nil {
		panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kernelPanicFn(errKmainReturned)
}
