package kheap

import (
	"unsafe"

	"marmotos/kernel"
)

// blockSizes lists the supported block classes. Each class is naturally
// aligned (a block of size N starts at a multiple of N) which lets freed
// blocks rejoin their class list without tracking per-block metadata.
var blockSizes = [...]uintptr{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// blockNode links free blocks of one class. Like listNode it is stored
// inside the free block itself.
type blockNode struct {
	next *blockNode
}

// blockAllocator serves fixed-size block classes from per-class free lists
// with O(1) alloc and free. Requests larger than the biggest class and the
// carving of fresh blocks fall through to an embedded list allocator.
type blockAllocator struct {
	freeLists [len(blockSizes)]*blockNode
	fallback  listAllocator
}

func (a *blockAllocator) Init(heapStart, heapSize uintptr) {
	for i := range a.freeLists {
		a.freeLists[i] = nil
	}
	a.fallback.Init(heapStart, heapSize)
}

func (a *blockAllocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	class := blockClass(size, align)
	if class == -1 {
		return a.fallback.Alloc(size, align)
	}

	if node := a.freeLists[class]; node != nil {
		a.freeLists[class] = node.next
		return uintptr(unsafe.Pointer(node)), nil
	}

	// No free block in this class; carve a fresh one out of the fallback
	// allocator. Requesting the class size as the alignment keeps blocks
	// naturally aligned.
	blockSize := blockSizes[class]
	return a.fallback.Alloc(blockSize, blockSize)
}

func (a *blockAllocator) Free(addr, size, align uintptr) {
	class := blockClass(size, align)
	if class == -1 {
		a.fallback.Free(addr, size, align)
		return
	}

	node := (*blockNode)(unsafe.Pointer(addr))
	node.next = a.freeLists[class]
	a.freeLists[class] = node
}

// blockClass returns the index of the smallest class that can satisfy both
// the size and the alignment of a request or -1 if the request exceeds the
// biggest class.
func blockClass(size, align uintptr) int {
	required := size
	if align > required {
		required = align
	}

	for class, blockSize := range blockSizes {
		if blockSize >= required {
			return class
		}
	}

	return -1
}
