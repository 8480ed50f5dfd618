package kfmt

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { printfn("no args") },
			"no args",
		},
		// bool values
		{
			func() { printfn("%t", true) },
			"true",
		},
		{
			func() { printfn("%41t", false) },
			"false",
		},
		// strings and byte slices
		{
			func() { printfn("%s arg", "STRING") },
			"STRING arg",
		},
		{
			func() { printfn("%s arg", []byte("BYTE SLICE")) },
			"BYTE SLICE arg",
		},
		{
			func() { printfn("'%4s' arg with padding", "ABC") },
			"' ABC' arg with padding",
		},
		{
			func() { printfn("'%4s' arg longer than padding", "ABCDE") },
			"'ABCDE' arg longer than padding",
		},
		// characters
		{
			func() { printfn("key: %c", byte('a')) },
			"key: a",
		},
		{
			func() { printfn("key: %c%c", 'b', '\n') },
			"key: b\n",
		},
		{
			func() { printfn("key: %c", 'λ') },
			"key: ?",
		},
		{
			func() { printfn("key: %c", "not a char") },
			"key: %!(WRONGTYPE)",
		},
		// uints
		{
			func() { printfn("uint arg: %d", uint8(10)) },
			"uint arg: 10",
		},
		{
			func() { printfn("uint arg: %o", uint16(0777)) },
			"uint arg: 777",
		},
		{
			func() { printfn("uint arg: 0x%x", uint32(0xbadf00d)) },
			"uint arg: 0xbadf00d",
		},
		{
			func() { printfn("uint arg with padding: '%10d'", uint64(123)) },
			"uint arg with padding: '       123'",
		},
		{
			func() { printfn("uint arg with padding: '0x%10x'", uint64(0xbadf00d)) },
			"uint arg with padding: '0x000badf00d'",
		},
		// pointers
		{
			func() { printfn("uintptr 0x%x", uintptr(0xb8000)) },
			"uintptr 0xb8000",
		},
		// ints
		{
			func() { printfn("int arg: %d", int8(-10)) },
			"int arg: -10",
		},
		{
			func() { printfn("int arg: %x", int32(-0xbadf00d)) },
			"int arg: -badf00d",
		},
		{
			func() { printfn("int arg with padding: '%10d'", int64(-12345678)) },
			"int arg with padding: ' -12345678'",
		},
		{
			func() { printfn("int arg with padding: '%10d'", int64(-1234567890)) },
			"int arg with padding: '-1234567890'",
		},
		{
			func() { printfn("padding longer than maxBufSize '%128x'", int(-0xbadf00d)) },
			fmt.Sprintf("padding longer than maxBufSize '-%sbadf00d'", strings.Repeat("0", maxBufSize-8)),
		},
		// multiple arguments
		{
			func() { printfn("%%%s +%d\n", "foo", 42) },
			"%foo +42\n",
		},
		// formatting errors
		{
			func() { printfn("missing arg: %d") },
			"missing arg: (MISSING)",
		},
		{
			func() { printfn("wrong arg type: %d", "foo") },
			"wrong arg type: %!(WRONGTYPE)",
		},
		{
			func() { printfn("unsupported verb: x%qy", 1) },
			"unsupported verb: x%!(NOVERB)y%!(EXTRA)",
		},
		{
			func() { printfn("extra args", 1, "foo") },
			"extra args%!(EXTRA)%!(EXTRA)",
		},
	}

	var buf bytes.Buffer
	outputSink = &buf

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer.rIndex = 0
		earlyPrintBuffer.wIndex = 0
	}()

	outputSink = nil
	exp := "buffered output"
	Printf(exp)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected SetOutputSink to drain %q from the early buffer; got %q", exp, got)
	}

	// Subsequent output goes straight to the sink
	Printf(" more")
	if got, want := buf.String(), exp+" more"; got != want {
		t.Fatalf("expected output %q; got %q", want, got)
	}
}

func TestGetOutputSink(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer.rIndex = 0
		earlyPrintBuffer.wIndex = 0
	}()

	outputSink = nil
	if got := GetOutputSink(); got != &earlyPrintBuffer {
		t.Fatal("expected GetOutputSink to return the early ring buffer when no sink is attached")
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)
	if got := GetOutputSink(); got != &buf {
		t.Fatal("expected GetOutputSink to return the attached sink")
	}
}
