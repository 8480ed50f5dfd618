package vmm

import (
	"marmotos/kernel"
	"marmotos/kernel/mm"
)

var (
	// reserveLastUsed tracks the last reserved page address and is
	// decreased after each reservation request. Initially, it points to
	// reserveAddrTop at the end of the lower canonical address space.
	reserveLastUsed = reserveAddrTop

	errReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// ReserveAddressSpace reserves a page-aligned contiguous virtual memory
// region with the requested size and returns its virtual address. If size is
// not a multiple of mm.PageSize it will be automatically rounded up.
//
// Reservations hand out raw address space only; no page tables are touched
// and no physical frames are committed until the caller maps the region.
// Regions are handed out from the top of the lower canonical address space
// moving downwards and are never reclaimed.
func ReserveAddressSpace(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ uintptr(mm.PageSize-1)

	// reserving a region of the requested size would cause an underflow
	if size > reserveLastUsed {
		return 0, errReserveNoSpace
	}

	reserveLastUsed -= size
	return reserveLastUsed, nil
}
