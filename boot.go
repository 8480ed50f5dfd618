package main

import "marmotos/kernel/kmain"

// bootInfoPtr is populated by the rt0 assembly code with the physical address
// of the boot info table before main is invoked.
var bootInfoPtr uintptr

// main is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function works as a trampoline for calling the
// actual kernel entrypoint (kmain.Kmain) and is intentionally defined to
// prevent the Go compiler from optimizing away the actual kernel code as it
// is not aware of the presence of the rt0 code.
//
// A global variable is passed as an argument to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
//
// main is not expected to return. If it does, the rt0 code will halt the CPU.
func main() {
	kmain.Kmain(bootInfoPtr)
}
