// Package bootinfo provides access to the information block that the boot
// loader hands over to the kernel. The block describes the physical memory
// map, the virtual offset where the loader mapped all physical memory and
// the kernel command line.
//
// The block starts with a fixed header (magic and total size) followed by a
// series of 8-byte aligned tags. Each tag carries a type/size header so the
// kernel can skip tags it does not understand. The package overlays Go
// structs directly on the block memory; it never copies and never allocates
// as it must be usable before memory management is up.
package bootinfo

import "unsafe"

// infoMagic is the value the loader stores in the header's magic field
// ("marm" in ASCII). A mismatch means the kernel was booted by a loader
// speaking a different protocol.
const infoMagic = 0x6D61726D

var (
	infoData uintptr
)

type tagType uint32

const (
	tagSectionEnd tagType = iota
	tagPhysMapOffset
	tagBootCmdLine
	tagMemoryMap
)

// header describes the boot info block header.
type header struct {
	// Magic value used to verify that the loader speaks this protocol.
	magic uint32

	// Total size of the boot info block including all tags.
	totalSize uint32
}

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	// The type of the tag.
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at an 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map tag.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// RegionKind describes the type of a MemRegion.
type RegionKind uint32

const (
	// RegionUsable indicates that the memory region is available for use.
	RegionUsable RegionKind = iota + 1

	// RegionReserved indicates that the memory region is not available for use.
	RegionReserved

	// RegionACPI indicates a memory region holding ACPI tables that can be
	// reclaimed by the OS.
	RegionACPI

	// RegionLoader indicates a region whose frames were consumed by the
	// boot loader for the kernel image, the initial page tables and the
	// boot info block itself. Frame allocators must not hand out frames
	// from these regions.
	RegionLoader

	// Any value >= regionUnknown is mapped to RegionReserved.
	regionUnknown
)

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPI:
		return "ACPI (reclaimable)"
	case RegionLoader:
		return "loader"
	default:
		return "unknown"
	}
}

// MemRegion describes a physical memory region entry, namely its base
// address, its length and its kind.
type MemRegion struct {
	// The physical base address for this memory region.
	Base uint64

	// The length of the memory region in bytes.
	Length uint64

	// The kind of this region.
	Kind RegionKind

	reserved uint32
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemRegion) bool

// CmdLineVisitor defines a visitor function that gets invoked by
// VisitCmdLineOptions for each key/value option on the kernel command line.
// The visitor must return true to continue or false to abort the scan.
type CmdLineVisitor func(key, value string) bool

// SetInfoPtr updates the internal boot info block pointer to the given value.
// This function must be invoked before invoking any other function exported
// by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// Valid returns true if a boot info block is present and carries the expected
// magic value.
func Valid() bool {
	if infoData == 0 {
		return false
	}

	hdr := (*header)(unsafe.Pointer(infoData))
	return hdr.magic == infoMagic && hdr.totalSize > uint32(unsafe.Sizeof(*hdr))
}

// PhysMapOffset returns the virtual address where the loader mapped physical
// page 0. Any physical address p is accessible at virtual address
// p + PhysMapOffset(). A zero return value means the loader did not provide
// the offset tag.
func PhysMapOffset() uintptr {
	curPtr, size := findTagByType(tagPhysMapOffset)
	if size == 0 {
		return 0
	}

	return uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
}

// VisitMemRegions invokes the supplied visitor for each memory region defined
// by the boot info block, in the order the loader recorded them.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var region *MemRegion
	for curPtr < endPtr {
		region = (*MemRegion)(unsafe.Pointer(curPtr))

		// Mark unknown region kinds as reserved
		if region.Kind == 0 || region.Kind >= regionUnknown {
			region.Kind = RegionReserved
		}

		if !visitor(region) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitCmdLineOptions invokes the supplied visitor for each option on the
// kernel command line. Options are space-separated "key=value" pairs; a bare
// "key" is reported with its value equal to the key. The reported strings
// alias the boot info block memory so no allocation takes place.
func VisitCmdLineOptions(visitor CmdLineVisitor) {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(curPtr)), size)

	// The command line is a C-style NULL-terminated string
	for len(data) > 0 && (data[len(data)-1] == 0 || data[len(data)-1] == ' ') {
		data = data[:len(data)-1]
	}

	for start := 0; start < len(data); {
		if data[start] == ' ' {
			start++
			continue
		}

		end := start
		for end < len(data) && data[end] != ' ' {
			end++
		}

		eq := -1
		for i := start; i < end; i++ {
			if data[i] == '=' {
				eq = i
				break
			}
		}

		var key, value string
		if eq == -1 {
			key = byteString(data[start:end])
			value = key
		} else {
			key = byteString(data[start:eq])
			value = byteString(data[eq+1 : end])
		}

		if !visitor(key, value) {
			return
		}

		start = end
	}
}

// CmdLineOption scans the command line for the given key and returns its
// value. The second return value reports whether the key was present.
func CmdLineOption(key string) (string, bool) {
	var (
		value string
		found bool
	)

	VisitCmdLineOptions(func(k, v string) bool {
		if k == key {
			value, found = v, true
			return false
		}
		return true
	})

	return value, found
}

// byteString returns a string aliasing the contents of b without copying.
func byteString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// findTagByType scans the boot info block looking for the first tag of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length excluding the tag header.
//
// If the tag is not present in the boot info block, findTagByType returns
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	var (
		ptrTagHeader *tagHeader
		endPtr       = infoData + uintptr((*header)(unsafe.Pointer(infoData)).totalSize)
		curPtr       = infoData + 8
	)

	for curPtr < endPtr {
		ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr))
		if ptrTagHeader.tagType == tagSectionEnd {
			break
		}

		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
