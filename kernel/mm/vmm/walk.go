package vmm

import (
	"unsafe"

	"marmotos/kernel/cpu"
	"marmotos/kernel/mm"
)

var (
	// physMapOffset is the offset of the boot loader provided virtual
	// region that maps all physical memory. A page table residing at
	// physical address P can be accessed by the kernel via virtual
	// address P + physMapOffset. The offset is latched by Init; its zero
	// value corresponds to a loader that identity-maps physical memory.
	physMapOffset uintptr

	// activePDTFn returns the physical address of the currently active
	// page directory table. It is overridden by tests so that walks can
	// be performed against fabricated page table hierarchies.
	activePDTFn = cpu.ActivePDT

	// ptePtrFn returns a pointer to the page table entry that lives at
	// virtual address entryAddr. It is overridden by tests to redirect
	// entry accesses to scratch memory. When compiling the kernel this
	// function will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// walk performs a page table walk for the given virtual address invoking
// walkFn for the page table entry discovered at each level. The walk starts
// at the table whose physical address is stored in CR3 and descends by
// following the frame pointed to by each visited entry. Table contents are
// accessed through the physical map region so the hierarchy can be
// traversed without establishing any temporary mappings.
//
// The CR3 register keeps cache attribute bits in its low 12 bits; these are
// masked off before the first table is accessed. walkFn must return true to
// continue the walk to the next level; returning false aborts it.
func walk(virtAddr uintptr, walkFn func(pteLevel uint8, pte *pageTableEntry) bool) {
	var (
		level      uint8
		tableAddr  = activePDTFn() &^ uintptr(mm.PageSize-1)
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level = 0; level < pageLevels; level++ {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = (*pageTableEntry)(ptePtrFn(physMapOffset + tableAddr + (entryIndex << mm.PointerShift)))

		if !walkFn(level, pte) {
			return
		}

		// The next level table lives at the physical frame this entry
		// points to.
		tableAddr = pte.Frame().Address()
	}
}
