package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(uintptr(0), 0x00, 0)

	for blockSize := uintptr(512); blockSize <= 4096; blockSize <<= 1 {
		buf := make([]byte, blockSize)
		for i := 0; i < len(buf); i++ {
			buf[i] = 0xFE
		}

		addr := uintptr(unsafe.Pointer(&buf[0]))
		Memset(addr, 0x00, uintptr(len(buf)))

		for i := 0; i < len(buf); i++ {
			if got := buf[i]; got != 0x00 {
				t.Errorf("[block size %d] expected byte %d to be 0x00; got 0x%x", blockSize, i, got)
			}
		}
	}
}

func TestMemcopy(t *testing.T) {
	// memcopy with a 0 size should be a no-op
	Memcopy(uintptr(0), uintptr(0), 0)

	src := make([]byte, 4096)
	for i := 0; i < len(src); i++ {
		src[i] = byte(i % 256)
	}
	dst := make([]byte, len(src))

	Memcopy(
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(unsafe.Pointer(&dst[0])),
		uintptr(len(src)),
	)

	for i := 0; i < len(dst); i++ {
		if dst[i] != src[i] {
			t.Errorf("expected dst byte %d to be 0x%x; got 0x%x", i, src[i], dst[i])
		}
	}
}
