// Package pmm implements the kernel's physical frame allocator.
//
// The allocator is a monotonic bump allocator over the memory map supplied by
// the boot loader: it hands out usable 4K frames in ascending physical order
// and never reclaims them. Regions marked as consumed by the loader (kernel
// image, initial page tables, boot info block) are never handed out as they
// are reported with a dedicated region kind.
package pmm

import (
	"marmotos/bootinfo"
	"marmotos/kernel"
	"marmotos/kernel/kfmt"
	"marmotos/kernel/mm"
)

var (
	// bootMemAllocator is the allocator instance registered with the mm
	// frame allocator seam.
	bootMemAllocator BootMemAllocator

	// visitMemRegionsFn is mocked by tests to supply synthetic memory maps.
	visitMemRegionsFn = bootinfo.VisitMemRegions

	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// BootMemAllocator implements a rudimentary physical memory allocator used to
// bootstrap the kernel.
//
// The allocator uses the memory region information provided by the boot
// loader to detect free memory blocks and returns the next available free
// frame. Allocations are tracked via an internal counter plus the last
// allocated frame number.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Frame reclamation is an explicit non-feature: mapping code
// relies on the fact that a handed-out frame can never reappear.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame
}

// AllocFrame scans the usable memory regions reported by the boot loader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errOutOfMemory

	visitMemRegionsFn(func(region *bootinfo.MemRegion) bool {
		// Ignore non-usable regions and regions smaller than a single page
		if region.Kind != bootinfo.RegionUsable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((region.Base + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.Base+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1

		if regionStartFrame > regionEndFrame {
			// Region contains no fully usable frame once aligned inward
			return true
		}

		// Skip over fully allocated regions
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		if alloc.allocCount == 0 || alloc.lastAllocFrame < regionStartFrame {
			// First allocation or the previous region is exhausted;
			// start at the beginning of this region
			alloc.lastAllocFrame = regionStartFrame
		} else {
			// We are inside this region and can select the next frame
			alloc.lastAllocFrame++
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, errOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// logMemoryMap prints the system memory map provided by the boot loader.
func (alloc *BootMemAllocator) logMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree uint64
	visitMemRegionsFn(func(region *bootinfo.MemRegion) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Base, region.Base+region.Length, region.Length, region.Kind.String())

		if region.Kind == bootinfo.RegionUsable {
			totalFree += region.Length
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/1024)
}

// Init logs the boot memory map and registers the boot memory allocator as
// the system frame allocator.
func Init() *kernel.Error {
	bootMemAllocator.logMemoryMap()
	mm.SetFrameAllocator(bootAllocFrame)
	return nil
}

func bootAllocFrame() (mm.Frame, *kernel.Error) {
	return bootMemAllocator.AllocFrame()
}
