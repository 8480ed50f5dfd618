// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"marmotos/kernel"
	"marmotos/kernel/cpu"
	"marmotos/kernel/mm"
	"marmotos/kernel/mm/kheap"
	"marmotos/kernel/mm/vmm"
)

var (
	mapFn           = vmm.Map
	reserveRegionFn = vmm.ReserveAddressSpace
	frameAllocFn    = mm.AllocFrame
	heapAllocFn     = kheap.Alloc
	readTSCFn       = cpu.ReadTSC
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// tscBase holds the timestamp counter value captured by the first
	// nanotime call and anchors the monotonic clock readings.
	tscBase uint64

	// prngState is the xorshift64* state behind getRandomData. It is
	// seeded from the timestamp counter on first use.
	prngState uint64
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	regionStartAddr, err := reserveRegionFn(regionSize)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStartAddr)
}

// sysMap commits a memory region that has been previously reserved via a
// call to sysReserve, backing each of its pages with a freshly allocated
// physical frame.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	// We trust the allocator to call sysMap with an address inside a reserved region.
	regionStartAddr := (uintptr(virtAddr) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	regionSize := (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	pageCount := regionSize >> mm.PageShift

	mapFlags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
	for page := mm.PageFromAddress(regionStartAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}

		if err = mapFn(page, frame, mapFlags); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	*sysStat += uint64(regionSize)
	return unsafe.Pointer(regionStartAddr)
}

// sysAlloc serves persistent runtime allocations out of the kernel heap. The
// heap region is mapped in its entirety when kheap initializes, so the
// returned memory is immediately usable.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	addr, err := heapAllocFn(regionSize, mm.PageSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	*sysStat += uint64(regionSize)
	return unsafe.Pointer(addr)
}

// nanotime returns a monotonically increasing clock value derived from the
// CPU timestamp counter. The counter is not calibrated against a reference
// timer so readings scale with the processor frequency instead of wall-clock
// nanoseconds; the allocator only relies on monotonicity.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	now := readTSCFn()
	if tscBase == 0 {
		tscBase = now
	}

	return now - tscBase + 1
}

// getRandomData populates the given slice with random data. The runtime
// implementation reads a random stream from the host OS; with no entropy
// devices available an xorshift64* generator seeded from the timestamp
// counter is used instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	if prngState == 0 {
		prngState = readTSCFn() | 1
	}

	for i := 0; i < len(r); i++ {
		prngState ^= prngState >> 12
		prngState ^= prngState << 25
		prngState ^= prngState >> 27
		r[i] = byte((prngState * 0x2545f4914f6cdd1d) >> 56)
	}
}

// Init enables support for various Go runtime features. After a call to Init
// the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
