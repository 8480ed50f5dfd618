// Package vmm provides a virtual memory manager for the active 4-level page
// table hierarchy. Page tables are accessed through the boot loader provided
// physical map region which removes the need for recursive page table
// mappings or temporary mapping slots.
package vmm

import (
	"marmotos/bootinfo"
	"marmotos/kernel"
	"marmotos/kernel/cpu"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn       = cpu.ReadCR2
	physMapOffsetFn = bootinfo.PhysMapOffset

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init initializes the vmm system. It latches the physical map offset
// advertised by the boot loader and installs the paging-related exception
// handlers. A zero offset is accepted and corresponds to a boot loader that
// identity-maps physical memory.
func Init() *kernel.Error {
	physMapOffset = physMapOffsetFn()
	installFaultHandlers()
	return nil
}
