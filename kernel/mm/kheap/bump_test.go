package kheap

import "testing"

// The bump allocator never dereferences its region so the tests can run it
// against an arbitrary address range.

func TestBumpAllocatorSequentialAllocs(t *testing.T) {
	specs := []struct {
		size, align uintptr
		expAddr     uintptr
	}{
		{100, 8, 0x100000},
		{50, 8, 0x100068},
		{16, 16, 0x1000a0},
		{1, 1, 0x1000b0},
	}

	var a bumpAllocator
	a.Init(0x100000, 4096)

	for specIndex, spec := range specs {
		addr, err := a.Alloc(spec.size, spec.align)
		if err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}
		if addr != spec.expAddr {
			t.Errorf("[spec %d] expected allocation at 0x%x; got 0x%x", specIndex, spec.expAddr, addr)
		}
	}
}

func TestBumpAllocatorRewind(t *testing.T) {
	var a bumpAllocator
	a.Init(0x100000, 4096)

	addr0, _ := a.Alloc(64, 8)
	addr1, _ := a.Alloc(64, 8)

	// Freeing one of two live allocations must not rewind the cursor.
	a.Free(addr1, 64, 8)

	addr2, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}
	if exp := addr1 + 64; addr2 != exp {
		t.Fatalf("expected cursor to keep advancing to 0x%x; got 0x%x", exp, addr2)
	}

	// Once the last live allocation is returned the next request starts
	// over at the region base.
	a.Free(addr0, 64, 8)
	a.Free(addr2, 64, 8)

	addr3, err := a.Alloc(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	if addr3 != addr0 {
		t.Fatalf("expected cursor to rewind to 0x%x; got 0x%x", addr0, addr3)
	}
}

func TestBumpAllocatorExhaustion(t *testing.T) {
	var a bumpAllocator
	a.Init(0x100000, 128)

	if _, err := a.Alloc(129, 1); err != errAllocFailed {
		t.Fatalf("expected oversized allocation to fail with errAllocFailed; got %v", err)
	}

	if _, err := a.Alloc(128, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Alloc(1, 1); err != errAllocFailed {
		t.Fatalf("expected allocation from an exhausted region to fail with errAllocFailed; got %v", err)
	}
}
