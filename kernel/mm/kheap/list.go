package kheap

import (
	"unsafe"

	"marmotos/kernel"
)

// listNode describes a free heap region. Nodes live inside the free memory
// they describe so the allocator itself consumes no space beyond the list
// head.
type listNode struct {
	size uintptr
	next *listNode
}

const (
	listNodeSize  = unsafe.Sizeof(listNode{})
	listNodeAlign = unsafe.Alignof(listNode{})
)

// listAllocator implements a first-fit free list. Regions are kept sorted
// by ascending address and adjacent regions are not merged; a freed block
// simply rejoins the list at its address slot.
type listAllocator struct {
	head *listNode
}

func (a *listAllocator) Init(heapStart, heapSize uintptr) {
	a.head = nil
	a.insert(heapStart, heapSize)
}

func (a *listAllocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	size, align = adjustBlockLayout(size, align)

	var prev *listNode
	for region := a.head; region != nil; prev, region = region, region.next {
		regionAddr := uintptr(unsafe.Pointer(region))
		allocStart := alignUp(regionAddr, align)
		allocEnd := allocStart + size
		if allocEnd < allocStart || allocEnd > regionAddr+region.size {
			continue
		}

		// Any front padding introduced by the alignment must remain
		// on the list as a shrunk copy of the original region; skip
		// regions where the padding is too small to hold a node.
		frontPad := allocStart - regionAddr
		if frontPad != 0 && frontPad < listNodeSize {
			continue
		}

		// The space past the carved block becomes a new region and
		// must also be able to hold a node.
		excess := regionAddr + region.size - allocEnd
		if excess != 0 && excess < listNodeSize {
			continue
		}

		if frontPad != 0 {
			region.size = frontPad
		} else if prev != nil {
			prev.next = region.next
		} else {
			a.head = region.next
		}

		if excess != 0 {
			a.insert(allocEnd, excess)
		}

		return allocStart, nil
	}

	return 0, errAllocFailed
}

func (a *listAllocator) Free(addr, size, align uintptr) {
	size, _ = adjustBlockLayout(size, align)
	a.insert(addr, size)
}

// insert places a free region into the list keeping it sorted by ascending
// address.
func (a *listAllocator) insert(addr, size uintptr) {
	node := (*listNode)(unsafe.Pointer(addr))
	node.size = size

	var prev *listNode
	for region := a.head; region != nil && uintptr(unsafe.Pointer(region)) < addr; prev, region = region, region.next {
	}

	if prev == nil {
		node.next = a.head
		a.head = node
	} else {
		node.next = prev.next
		prev.next = node
	}
}

// adjustBlockLayout pads the requested size and alignment so that any
// block handed out by the list allocator can later hold a listNode once it
// is freed.
func adjustBlockLayout(size, align uintptr) (uintptr, uintptr) {
	if align < listNodeAlign {
		align = listNodeAlign
	}

	if size = alignUp(size, align); size < listNodeSize {
		size = listNodeSize
	}

	return size, align
}
