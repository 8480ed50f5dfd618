package vmm

import (
	"runtime"
	"testing"

	"marmotos/kernel/mm"
)

func TestReserveAddressSpaceAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origLastUsed uintptr) {
		reserveLastUsed = origLastUsed
	}(reserveLastUsed)

	reserveLastUsed = reserveAddrTop

	// Reservations are handed out in descending address order and rounded
	// up to the nearest page.
	first, err := ReserveAddressSpace(42)
	if err != nil {
		t.Fatal(err)
	}
	if exp := reserveAddrTop - mm.PageSize; first != exp {
		t.Fatalf("expected first reservation at 0x%x; got 0x%x", exp, first)
	}

	second, err := ReserveAddressSpace(2 * mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if exp := first - 2*mm.PageSize; second != exp {
		t.Fatalf("expected second reservation at 0x%x; got 0x%x", exp, second)
	}

	// Exhausting the remaining space must fail without moving the cursor.
	reserveLastUsed = 4096
	next, err := ReserveAddressSpace(42)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0); next != exp {
		t.Fatal("expected reservation request to be rounded to nearest page")
	}

	if _, err = ReserveAddressSpace(1); err != errReserveNoSpace {
		t.Fatalf("expected to get errReserveNoSpace; got %v", err)
	}
}
