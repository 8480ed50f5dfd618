package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// kernelLDFlags disables the linker's linkname allowlist; the goruntime
// package mirrors private runtime symbols and would not link without it.
const kernelLDFlags = "-checklinkname=0"

func runCommand(ctx context.Context, cfg *config, name string, args ...string) error {
	if cfg.verbose {
		fmt.Fprintf(os.Stderr, "[devloop] exec: %s %s\n", name, strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// buildKernel compiles the kernel image and patches its redirect table so
// the rt0 code can splice the runtime redirects before handing over control.
func buildKernel(ctx context.Context, cfg *config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.imgPath), 0o755); err != nil {
		return err
	}

	if err := runCommand(ctx, cfg, "go", "build", "-o", cfg.imgPath, "-ldflags", kernelLDFlags, "."); err != nil {
		return fmt.Errorf("kernel build failed: %w", err)
	}

	if err := runCommand(ctx, cfg, "go", "run", "./tools/redirects", "populate-table", cfg.imgPath); err != nil {
		return fmt.Errorf("redirect table patching failed: %w", err)
	}

	return nil
}

func runTests(ctx context.Context, cfg *config) error {
	return runCommand(ctx, cfg, "go", "test", "-ldflags", kernelLDFlags, "./...")
}
