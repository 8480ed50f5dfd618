// Package kheap provides the kernel heap: a fixed virtual region backed by
// physical frames at initialization time and carved up by one of three
// allocation strategies. The strategy is selected once at boot via the
// kheap.strategy command line option and serves all allocations for the
// lifetime of the kernel.
package kheap

import (
	"marmotos/bootinfo"
	"marmotos/kernel"
	"marmotos/kernel/mm"
	"marmotos/kernel/mm/vmm"
	"marmotos/kernel/sync"
)

// Allocator is implemented by all heap allocation strategies. Init hands the
// strategy its backing region, Alloc returns the address of a size-byte
// block aligned to align (a power of two) and Free returns a block obtained
// from Alloc with the identical size and alignment values.
type Allocator interface {
	Init(heapStart, heapSize uintptr)
	Alloc(size, align uintptr) (uintptr, *kernel.Error)
	Free(addr, size, align uintptr)
}

var (
	// heapBase and heapSize define the fixed virtual region backing the
	// kernel heap. Declared as variables so that tests can relocate the
	// heap onto scratch memory.
	heapBase = uintptr(0x444444440000)
	heapSize = uintptr(4 << 20)

	// allocator is the strategy selected by Init.
	allocator Allocator

	// heapLock serializes all access to the selected strategy.
	heapLock sync.Spinlock

	// usedBytes tracks the requested bytes currently handed out. It is
	// bookkeeping for the boot selftests and makes no claim about the
	// strategy-internal overhead.
	usedBytes uintptr

	listStrategy  listAllocator
	blockStrategy blockAllocator
	bumpStrategy  bumpAllocator

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	mapRegionFn     = vmm.MapRegion
	cmdLineOptionFn = bootinfo.CmdLineOption

	errAllocFailed = &kernel.Error{Module: "kheap", Message: "unable to satisfy allocation request"}
)

// Init selects the heap strategy from the kheap.strategy command line
// option (block unless list or bump is requested), backs the heap region
// with freshly allocated physical frames and hands the mapped region to the
// strategy. Mapping happens before the strategy sees the region so
// strategies never observe unmapped memory.
func Init() *kernel.Error {
	switch val, _ := cmdLineOptionFn("kheap.strategy"); val {
	case "list":
		allocator = &listStrategy
	case "bump":
		allocator = &bumpStrategy
	default:
		allocator = &blockStrategy
	}

	mapFlags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
	if err := mapRegionFn(mm.PageFromAddress(heapBase), uint32(heapSize>>mm.PageShift), mapFlags); err != nil {
		return err
	}

	allocator.Init(heapBase, heapSize)
	usedBytes = 0
	return nil
}

// Alloc returns the address of a size-byte block aligned to align. Requests
// that cannot be satisfied from the remaining heap space return
// errAllocFailed.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	heapLock.Acquire()
	defer heapLock.Release()

	if allocator == nil {
		return 0, errAllocFailed
	}

	addr, err := allocator.Alloc(size, align)
	if err == nil {
		usedBytes += size
	}

	return addr, err
}

// Free returns a block previously obtained from Alloc. The size and align
// values must match the original allocation request.
func Free(addr, size, align uintptr) {
	heapLock.Acquire()
	if allocator != nil {
		allocator.Free(addr, size, align)
		usedBytes -= size
	}
	heapLock.Release()
}

// Used returns the number of requested bytes currently allocated.
func Used() uintptr {
	heapLock.Acquire()
	used := usedBytes
	heapLock.Release()

	return used
}

// alignUp rounds addr up to the next multiple of align which must be a
// power of two.
func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
