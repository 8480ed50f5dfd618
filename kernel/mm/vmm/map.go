package vmm

import (
	"marmotos/kernel"
	"marmotos/kernel/cpu"
	"marmotos/kernel/mm"
)

var (
	// nextAddrFn is used by tests to override the virtual address at
	// which Map zeroes freshly allocated page table frames. When
	// compiling the kernel this function will be automatically inlined.
	nextAddrFn = func(tableAddr uintptr) uintptr {
		return tableAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// mapFn is used by tests to override calls to Map.
	mapFn = Map

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Map establishes a mapping between a virtual page and a physical memory frame
// using the currently active page directory table. Calls to Map will use the
// registered physical frame allocator to initialize missing page tables at
// each paging level supported by the MMU. Newly allocated tables are zeroed
// through the physical map region before the walk descends into them.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it, map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			kernel.Memset(nextAddrFn(newTableFrame.Address()+physMapOffset), 0, mm.PageSize)
		}

		return true
	})

	return err
}

// MapRegion backs the pageCount pages beginning at startPage with freshly
// allocated physical frames using the supplied mapping flags. It is used to
// populate fixed virtual regions such as the kernel heap. MapRegion stops at
// the first allocation or mapping error leaving any already established
// mappings in place.
func MapRegion(startPage mm.Page, pageCount uint32, flags PageTableEntryFlag) *kernel.Error {
	for page := startPage; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, frame, flags); err != nil {
			return err
		}
	}

	return nil
}
