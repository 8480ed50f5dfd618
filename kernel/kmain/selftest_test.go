package kmain

import (
	"bytes"
	"strings"
	"testing"

	"marmotos/bootinfo"
	"marmotos/kernel"
	"marmotos/kernel/cpu"
	"marmotos/kernel/hal"
	"marmotos/kernel/kfmt"
	"marmotos/kernel/mm/kheap"
)

func restoreSelftestSeams() {
	cmdLineOptionFn = bootinfo.CmdLineOption
	exitQEMUFn = hal.ExitQEMU
	heapSelftestFn = heapSelftest
	breakpointSelftestFn = breakpointSelftest
	stackOverflowSelftestFn = stackOverflowSelftest
	kheapAllocFn = kheap.Alloc
	kheapFreeFn = kheap.Free
	kheapUsedFn = kheap.Used
	breakpointFn = cpu.Breakpoint
}

func TestRunBootSelftest(t *testing.T) {
	defer restoreSelftestSeams()
	defer kfmt.SetOutputSink(nil)

	errBoom := &kernel.Error{Module: "test", Message: "boom"}

	specs := []struct {
		opt         string
		optSet      bool
		selftestErr *kernel.Error
		expCalled   string
		expExit     int
		expOutput   string
	}{
		{"", false, nil, "", -1, ""},
		{"heap", true, nil, "heap", hal.ExitSuccess, "selftest heap: passed"},
		{"heap", true, errBoom, "heap", hal.ExitFailure, "selftest heap: failed: boom"},
		{"breakpoint", true, nil, "breakpoint", hal.ExitSuccess, "selftest breakpoint: passed"},
		{"stackoverflow", true, nil, "stackoverflow", hal.ExitSuccess, "selftest stackoverflow: passed"},
		{"dma", true, nil, "", hal.ExitFailure, "unknown boot selftest"},
	}

	for specIndex, spec := range specs {
		var (
			called   string
			exitCode = -1
			buf      bytes.Buffer
		)

		kfmt.SetOutputSink(&buf)

		cmdLineOptionFn = func(key string) (string, bool) {
			if key != "selftest" {
				t.Errorf("[spec %d] expected a lookup for the selftest option; got %q", specIndex, key)
			}
			return spec.opt, spec.optSet
		}
		exitQEMUFn = func(code uint8) { exitCode = int(code) }
		heapSelftestFn = func() *kernel.Error { called = "heap"; return spec.selftestErr }
		breakpointSelftestFn = func() *kernel.Error { called = "breakpoint"; return spec.selftestErr }
		stackOverflowSelftestFn = func() *kernel.Error { called = "stackoverflow"; return spec.selftestErr }

		runBootSelftest()

		if called != spec.expCalled {
			t.Errorf("[spec %d] expected selftest %q to run; got %q", specIndex, spec.expCalled, called)
		}

		if exitCode != spec.expExit {
			t.Errorf("[spec %d] expected exit code %d; got %d", specIndex, spec.expExit, exitCode)
		}

		if spec.expOutput == "" {
			if buf.Len() != 0 {
				t.Errorf("[spec %d] expected no output; got %q", specIndex, buf.String())
			}
		} else if !strings.Contains(buf.String(), spec.expOutput) {
			t.Errorf("[spec %d] expected output to contain %q; got %q", specIndex, spec.expOutput, buf.String())
		}
	}
}

// fakeHeap provides an in-memory stand-in for the kernel heap seams. Its
// knobs introduce the exact defects heapSelftest is expected to detect.
type fakeHeap struct {
	used     uintptr
	nextBase uintptr
	allocs   int
	frees    int

	misalign  bool
	denyAll   bool
	allowHuge bool
	leak      bool
}

var errFakeOOM = &kernel.Error{Module: "test", Message: "out of fake memory"}

func (h *fakeHeap) install() {
	h.nextBase = 0x100000

	kheapAllocFn = func(size, align uintptr) (uintptr, *kernel.Error) {
		if h.denyAll {
			return 0, errFakeOOM
		}
		if size >= 1<<30 && !h.allowHuge {
			return 0, errFakeOOM
		}

		addr := (h.nextBase + align - 1) &^ (align - 1)
		if h.misalign {
			addr++
		}

		h.allocs++
		h.nextBase = addr + size
		h.used += size
		return addr, nil
	}
	kheapFreeFn = func(_, size, _ uintptr) {
		h.frees++
		if !h.leak {
			h.used -= size
		}
	}
	kheapUsedFn = func() uintptr { return h.used }
}

func TestHeapSelftest(t *testing.T) {
	defer restoreSelftestSeams()

	t.Run("healthy heap", func(t *testing.T) {
		h := &fakeHeap{}
		h.install()

		if err := heapSelftest(); err != nil {
			t.Fatalf("expected a healthy heap to pass; got %v", err)
		}

		if h.allocs != h.frees {
			t.Fatalf("expected every allocation to be freed; got %d allocs and %d frees", h.allocs, h.frees)
		}

		if h.used != 0 {
			t.Fatalf("expected no bytes to remain in use; got %d", h.used)
		}
	})

	t.Run("misaligned allocations", func(t *testing.T) {
		h := &fakeHeap{misalign: true}
		h.install()

		if err := heapSelftest(); err != errHeapMisaligned {
			t.Fatalf("expected errHeapMisaligned; got %v", err)
		}
	})

	t.Run("leaking accounting", func(t *testing.T) {
		h := &fakeHeap{leak: true}
		h.install()

		if err := heapSelftest(); err != errHeapAccounting {
			t.Fatalf("expected errHeapAccounting; got %v", err)
		}
	})

	t.Run("oversized allocation succeeds", func(t *testing.T) {
		h := &fakeHeap{allowHuge: true}
		h.install()

		if err := heapSelftest(); err != errHeapOOMMissed {
			t.Fatalf("expected errHeapOOMMissed; got %v", err)
		}
	})

	t.Run("allocation failure propagates", func(t *testing.T) {
		h := &fakeHeap{denyAll: true}
		h.install()

		if err := heapSelftest(); err != errFakeOOM {
			t.Fatalf("expected the allocator error to propagate; got %v", err)
		}
	})
}

func TestBreakpointSelftest(t *testing.T) {
	defer restoreSelftestSeams()
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var hits int
	breakpointFn = func() { hits++ }

	if err := breakpointSelftest(); err != nil {
		t.Fatalf("expected the breakpoint selftest to pass; got %v", err)
	}

	if hits != 1 {
		t.Fatalf("expected a single int3 to be raised; got %d", hits)
	}

	if !strings.Contains(buf.String(), "resumed after breakpoint") {
		t.Fatalf("expected the post-trap message; got %q", buf.String())
	}
}
