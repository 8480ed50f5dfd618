package vmm

import (
	"marmotos/kernel"
	"marmotos/kernel/mm"
)

var (
	// errTranslationFault is returned when trying to lookup a virtual
	// memory address that is not yet mapped.
	errTranslationFault = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// Translate returns the physical address that corresponds to the supplied
// virtual address or errTranslationFault if the address is not currently
// mapped. Huge page entries terminate the walk early; for those the offset
// bits of the virtual address cover the full huge page size instead of a
// single 4K page.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = errTranslationFault
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			physAddr = pte.Frame().Address() + PageOffset(virtAddr)
			err = nil
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			offsetMask := (uintptr(1) << pageLevelShifts[pteLevel]) - 1
			physAddr = pte.Frame().Address() + (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & (mm.PageSize - 1))
}
