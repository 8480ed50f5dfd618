package kheap

import "marmotos/kernel"

// bumpAllocator hands out memory by advancing a cursor through its region.
// Individual frees only decrement the live allocation count; the cursor
// rewinds to the region start once every allocation has been returned. It
// trades reuse for constant-time operations and serves as the degenerate
// baseline strategy.
type bumpAllocator struct {
	heapStart   uintptr
	heapEnd     uintptr
	next        uintptr
	allocations uint64
}

func (a *bumpAllocator) Init(heapStart, heapSize uintptr) {
	a.heapStart = heapStart
	a.heapEnd = heapStart + heapSize
	a.next = heapStart
	a.allocations = 0
}

func (a *bumpAllocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	allocStart := alignUp(a.next, align)
	allocEnd := allocStart + size
	if allocEnd < allocStart || allocEnd > a.heapEnd {
		return 0, errAllocFailed
	}

	a.next = allocEnd
	a.allocations++

	return allocStart, nil
}

func (a *bumpAllocator) Free(_, _, _ uintptr) {
	if a.allocations--; a.allocations == 0 {
		a.next = a.heapStart
	}
}
