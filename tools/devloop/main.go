// Tool devloop is the development harness for the kernel. It replaces the
// usual Makefile dance: it gates the Go toolchain version, builds the kernel
// image with the linker flags the runtime bridge requires, patches the
// redirect table, runs the hosted unit tests and boots the image under QEMU.
// The watch command rebuilds and retests whenever a source file changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type config struct {
	imgPath  string
	qemuBin  string
	memMB    int
	selftest string
	timeout  time.Duration
	verbose  bool
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: devloop [flags] <command>

commands:
  build     compile the kernel image and patch its redirect table
  test      run the hosted unit tests
  run       build the image and boot it under QEMU
  selftest  boot every kernel selftest in sequence and report the verdicts
  watch     rebuild and retest whenever a source file changes

flags:
`)
	flag.PrintDefaults()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[devloop] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	cfg := new(config)
	flag.StringVar(&cfg.imgPath, "img", "out/marmotos.elf", "path for the kernel image")
	flag.StringVar(&cfg.qemuBin, "qemu", "qemu-system-x86_64", "QEMU binary to boot the image with")
	flag.IntVar(&cfg.memMB, "mem", 64, "guest memory in MiB")
	flag.StringVar(&cfg.selftest, "selftest", "", "selftest to request on the kernel command line for run")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "per-boot timeout for the selftest command")
	flag.BoolVar(&cfg.verbose, "v", false, "echo the commands being executed")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	version, err := goToolchainVersion()
	if err != nil {
		fatal(err)
	}
	if err = checkToolchain(version); err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd := flag.Arg(0); cmd {
	case "build":
		err = buildKernel(ctx, cfg)
	case "test":
		err = runTests(ctx, cfg)
	case "run":
		if err = buildKernel(ctx, cfg); err != nil {
			break
		}
		err = bootQEMU(ctx, cfg, cfg.selftest)
	case "selftest":
		if err = buildKernel(ctx, cfg); err != nil {
			break
		}
		err = runSelftests(ctx, cfg)
	case "watch":
		err = watchLoop(ctx, cfg)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fatal(err)
	}
}
