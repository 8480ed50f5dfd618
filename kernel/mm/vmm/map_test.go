package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"marmotos/kernel"
	"marmotos/kernel/mm"
)

func TestNextAddrFn(t *testing.T) {
	// Dummy test to keep coverage happy
	if exp, got := uintptr(123), nextAddrFn(uintptr(123)); exp != got {
		t.Fatalf("expected nextAddrFn to return %v; got %v", exp, got)
	}
}

func TestMapAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origNextAddrFn func(uintptr) uintptr, origFlushTLBEntryFn func(uintptr), origActivePDT func() uintptr, origOffset uintptr) {
		ptePtrFn = origPtePtr
		nextAddrFn = origNextAddrFn
		flushTLBEntryFn = origFlushTLBEntryFn
		activePDTFn = origActivePDT
		physMapOffset = origOffset
		mm.SetFrameAllocator(nil)
	}(ptePtrFn, nextAddrFn, flushTLBEntryFn, activePDTFn, physMapOffset)

	physMapOffset = 0

	var physPages [pageLevels][mm.PageSize >> mm.PointerShift]pageTableEntry

	// The root table is physPages[0]; the allocator hands out fake
	// page-aligned frames for the three missing intermediate tables which
	// are routed to physPages[1] through physPages[3].
	nextPhysPage := 0
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		nextPhysPage++
		return mm.Frame(0x20000 + nextPhysPage), nil
	})

	activePDTFn = func() uintptr { return 0x10000000 }

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		pteCallCount++
		// The last 12 bits encode the page table offset in bytes
		// which we need to convert to a pageTableEntry index
		pteIndex := (entry & uintptr(mm.PageSize-1)) >> mm.PointerShift
		return unsafe.Pointer(&physPages[pteCallCount-1][pteIndex])
	}

	nextAddrFn = func(entry uintptr) uintptr {
		return uintptr(unsafe.Pointer(&physPages[nextPhysPage][0]))
	}

	flushTLBEntryCallCount := 0
	flushTLBEntryFn = func(uintptr) {
		flushTLBEntryCallCount++
	}

	// The mapped address breaks down to:
	// p4 index: 1
	// p3 index: 2
	// p2 index: 3
	// p1 index: 4
	page := mm.PageFromAddress(uintptr(0x8080604400))
	frame := mm.Frame(123)
	levelIndices := []uint{1, 2, 3, 4}

	if err := Map(page, frame, FlagPresent|FlagNoExecute); err != nil {
		t.Fatal(err)
	}

	for level, physPage := range physPages {
		pte := physPage[levelIndices[level]]

		switch {
		case level < pageLevels-1:
			if !pte.HasFlags(FlagPresent | FlagRW) {
				t.Errorf("[pte at level %d] expected entry to have FlagPresent and FlagRW set", level)
			}
			if exp, got := mm.Frame(0x20000+level+1), pte.Frame(); got != exp {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, exp, got)
			}
		default:
			// The last pte entry should point to frame and carry the
			// caller-provided flags
			if !pte.HasFlags(FlagPresent | FlagNoExecute) {
				t.Errorf("[pte at level %d] expected entry to have FlagPresent and FlagNoExecute set", level)
			}
			if got := pte.Frame(); got != frame {
				t.Errorf("[pte at level %d] expected entry frame to be %d; got %d", level, frame, got)
			}
		}
	}

	if exp := 1; flushTLBEntryCallCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d times; got %d", exp, flushTLBEntryCallCount)
	}
}

func TestMapErrorsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origFlushTLBEntryFn func(uintptr), origActivePDT func() uintptr) {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntryFn
		activePDTFn = origActivePDT
		mm.SetFrameAllocator(nil)
	}(ptePtrFn, flushTLBEntryFn, activePDTFn)

	activePDTFn = func() uintptr { return 0x10000000 }
	flushTLBEntryFn = func(uintptr) {}

	t.Run("huge page inside the mapped region", func(t *testing.T) {
		var rootPte, hugePte pageTableEntry
		rootPte.SetFrame(mm.Frame(0x20000))
		rootPte.SetFlags(FlagPresent)
		hugePte.SetFrame(mm.Frame(0x30000))
		hugePte.SetFlags(FlagPresent | FlagHugePage)

		pteCallCount := 0
		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			pteCallCount++
			if pteCallCount == 1 {
				return unsafe.Pointer(&rootPte)
			}
			return unsafe.Pointer(&hugePte)
		}

		if err := Map(mm.Page(100), mm.Frame(123), FlagPresent); err != errNoHugePageSupport {
			t.Fatalf("expected to get errNoHugePageSupport; got %v", err)
		}

		if exp := 2; pteCallCount != exp {
			t.Errorf("expected the walk to abort after %d levels; got %d", exp, pteCallCount)
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
			return mm.InvalidFrame, expErr
		})

		var missingPte pageTableEntry
		ptePtrFn = func(entry uintptr) unsafe.Pointer {
			return unsafe.Pointer(&missingPte)
		}

		if err := Map(mm.Page(100), mm.Frame(123), FlagPresent); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})
}

func TestMapRegion(t *testing.T) {
	defer func() {
		mapFn = Map
		mm.SetFrameAllocator(nil)
	}()

	t.Run("success", func(t *testing.T) {
		nextFrame := mm.Frame(0x100)
		mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
			frame := nextFrame
			nextFrame++
			return frame, nil
		})

		var (
			gotPages  []mm.Page
			gotFrames []mm.Frame
		)
		mapFn = func(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
			gotPages = append(gotPages, page)
			gotFrames = append(gotFrames, frame)
			return nil
		}

		startPage := mm.PageFromAddress(uintptr(0x444444440000))
		if err := MapRegion(startPage, 3, FlagPresent|FlagRW); err != nil {
			t.Fatal(err)
		}

		if exp := 3; len(gotPages) != exp {
			t.Fatalf("expected Map to be called %d time(s); got %d", exp, len(gotPages))
		}

		for i := 0; i < len(gotPages); i++ {
			if exp := startPage + mm.Page(i); gotPages[i] != exp {
				t.Errorf("[call %d] expected page %d; got %d", i, exp, gotPages[i])
			}
			if exp := mm.Frame(0x100 + i); gotFrames[i] != exp {
				t.Errorf("[call %d] expected frame %d; got %d", i, exp, gotFrames[i])
			}
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		allocCallCount := 0
		mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
			allocCallCount++
			if allocCallCount > 1 {
				return mm.InvalidFrame, expErr
			}
			return mm.Frame(0x100), nil
		})

		mapCallCount := 0
		mapFn = func(_ mm.Page, _ mm.Frame, _ PageTableEntryFlag) *kernel.Error {
			mapCallCount++
			return nil
		}

		if err := MapRegion(mm.Page(0), 4, FlagPresent|FlagRW); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}

		if exp := 1; mapCallCount != exp {
			t.Errorf("expected Map to be called %d time(s); got %d", exp, mapCallCount)
		}
	})

	t.Run("Map fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "map failed"}

		mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
			return mm.Frame(0x100), nil
		})

		mapFn = func(_ mm.Page, _ mm.Frame, _ PageTableEntryFlag) *kernel.Error {
			return expErr
		}

		if err := MapRegion(mm.Page(0), 4, FlagPresent|FlagRW); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})
}
