package kmain

import (
	"marmotos/bootinfo"
	"marmotos/kernel"
	"marmotos/kernel/cpu"
	"marmotos/kernel/hal"
	"marmotos/kernel/kfmt"
	"marmotos/kernel/mm/kheap"
)

var (
	errUnknownSelftest = &kernel.Error{Module: "kmain", Message: "unknown boot selftest"}
	errHeapMisaligned  = &kernel.Error{Module: "kmain", Message: "heap selftest: allocation ignored the requested alignment"}
	errHeapAccounting  = &kernel.Error{Module: "kmain", Message: "heap selftest: used bytes did not drain back to zero"}
	errHeapOOMMissed   = &kernel.Error{Module: "kmain", Message: "heap selftest: oversized allocation did not fail"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	cmdLineOptionFn         = bootinfo.CmdLineOption
	exitQEMUFn              = hal.ExitQEMU
	heapSelftestFn          = heapSelftest
	breakpointSelftestFn    = breakpointSelftest
	stackOverflowSelftestFn = stackOverflowSelftest
	kheapAllocFn            = kheap.Alloc
	kheapFreeFn             = kheap.Free
	kheapUsedFn             = kheap.Used
	breakpointFn            = cpu.Breakpoint
)

// runBootSelftest runs the boot selftest requested via the selftest boot
// option and reports the verdict through the QEMU exit port. It returns
// without side effects when no selftest was requested.
//
// Selftests cover the behaviors that only manifest on real trap and
// interrupt paths; the hosted test suites cover the same logic with the
// hardware seams mocked out.
func runBootSelftest() {
	name, ok := cmdLineOptionFn("selftest")
	if !ok {
		return
	}

	var err *kernel.Error
	switch name {
	case "heap":
		err = heapSelftestFn()
	case "breakpoint":
		err = breakpointSelftestFn()
	case "stackoverflow":
		err = stackOverflowSelftestFn()
	default:
		err = errUnknownSelftest
	}

	if err != nil {
		kfmt.Printf("selftest %s: failed: %s\n", name, err.Message)
		exitQEMUFn(hal.ExitFailure)
		return
	}

	kfmt.Printf("selftest %s: passed\n", name)
	exitQEMUFn(hal.ExitSuccess)
}

// heapSelftest exercises the active heap strategy with mixed sizes and
// alignments, verifies that the used-byte accounting drains back to zero
// and checks that an impossible request fails with an explicit error
// without poisoning later allocations.
func heapSelftest() *kernel.Error {
	specs := []struct {
		size  uintptr
		align uintptr
	}{
		{8, 8},
		{33, 1},
		{100, 64},
		{512, 512},
		{4096, 4096},
	}

	var addrs [5]uintptr
	for i, spec := range specs {
		addr, err := kheapAllocFn(spec.size, spec.align)
		if err != nil {
			return err
		}

		if addr&(spec.align-1) != 0 {
			return errHeapMisaligned
		}

		addrs[i] = addr
	}

	for i, spec := range specs {
		kheapFreeFn(addrs[i], spec.size, spec.align)
	}

	if kheapUsedFn() != 0 {
		return errHeapAccounting
	}

	// A request larger than the heap region must fail cleanly and leave
	// the strategy usable.
	if _, err := kheapAllocFn(1<<30, 8); err == nil {
		return errHeapOOMMissed
	}

	addr, err := kheapAllocFn(64, 8)
	if err != nil {
		return err
	}
	kheapFreeFn(addr, 64, 8)

	if kheapUsedFn() != 0 {
		return errHeapAccounting
	}

	return nil
}

// breakpointSelftest executes an int3 instruction and relies on the gate
// package's breakpoint handler returning so that execution resumes at the
// next instruction.
func breakpointSelftest() *kernel.Error {
	breakpointFn()
	kfmt.Printf("resumed after breakpoint\n")
	return nil
}

// overflowFn is assigned the overflow function and called through this
// variable so that the linker's static nosplit analysis cannot follow the
// recursion.
var overflowFn func(uint64) uint64

//go:nosplit
func overflow(depth uint64) uint64 {
	var pad [256]byte
	pad[0] = byte(depth)
	return overflowFn(depth+1) + uint64(pad[255])
}

// stackOverflowSelftest recurses without stack growth checks until the
// stack walks off its guard page. The page fault raised at that point
// cannot push an exception frame onto the exhausted stack, so the CPU
// escalates to a double fault which the gate package fields on its
// dedicated IST stack. This selftest never returns; the QEMU harness
// asserts on the double fault report in the serial output.
func stackOverflowSelftest() *kernel.Error {
	overflowFn = overflow
	overflowFn(0)
	return nil
}
