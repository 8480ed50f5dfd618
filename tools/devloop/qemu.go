package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// isa-debug-exit forwards the value the kernel writes to port 0xf4 as the
// QEMU exit status (value<<1)|1.
const (
	qemuExitSuccess = 0x10<<1 | 1
	qemuExitFailure = 0x11<<1 | 1
)

// bootSelftests lists the selftests the selftest command drives. Most
// report their verdict through the exit device; a non-empty marker means
// the selftest ends in a deliberate kernel panic and the verdict is the
// report on the serial console instead.
var bootSelftests = []struct {
	name   string
	marker string
}{
	{"heap", ""},
	{"breakpoint", ""},
	{"stackoverflow", "Double fault at"},
}

func qemuArgs(cfg *config, selftest string) []string {
	args := []string{
		"-m", fmt.Sprintf("%dM", cfg.memMB),
		"-kernel", cfg.imgPath,
		"-serial", "stdio",
		"-display", "none",
		"-no-reboot",
		"-device", "isa-debug-exit,iobase=0xf4,iosize=0x01",
	}

	if selftest != "" {
		args = append(args, "-append", "selftest="+selftest)
	}

	return args
}

// selftestVerdict maps a QEMU exit status to the verdict the kernel
// reported through the exit device.
func selftestVerdict(code int) (passed, known bool) {
	switch code {
	case qemuExitSuccess:
		return true, true
	case qemuExitFailure:
		return false, true
	}

	return false, false
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}

	return -1
}

// bootQEMU boots the image with the serial console attached to the
// terminal. The terminal state is captured up front so a dying QEMU does
// not leave the shell in raw mode.
func bootQEMU(ctx context.Context, cfg *config, selftest string) error {
	restore := saveTerminal(int(os.Stdin.Fd()))
	defer restore()

	cmd := exec.CommandContext(ctx, cfg.qemuBin, qemuArgs(cfg, selftest)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if cfg.verbose {
		fmt.Fprintf(os.Stderr, "[devloop] exec: %s %s\n", cfg.qemuBin, strings.Join(cmd.Args[1:], " "))
	}

	err := cmd.Run()
	if selftest == "" {
		return err
	}

	code := exitCode(err)
	if code == -1 {
		return err
	}

	passed, known := selftestVerdict(code)
	if !known {
		return fmt.Errorf("selftest %s: unexpected QEMU exit status %d", selftest, code)
	}
	if !passed {
		return fmt.Errorf("selftest %s: failed", selftest)
	}

	fmt.Fprintf(os.Stderr, "[devloop] selftest %s: passed\n", selftest)
	return nil
}

// runSelftests boots the kernel once per selftest and reports the verdicts.
func runSelftests(ctx context.Context, cfg *config) error {
	var failed []string

	for _, st := range bootSelftests {
		var (
			passed bool
			err    error
		)

		if st.marker == "" {
			passed, err = exitSelftest(ctx, cfg, st.name)
		} else {
			passed, err = markerSelftest(ctx, cfg, st.name, st.marker)
		}
		if err != nil {
			return err
		}

		verdict := "passed"
		if !passed {
			verdict = "FAILED"
			failed = append(failed, st.name)
		}
		fmt.Fprintf(os.Stderr, "[devloop] selftest %s: %s\n", st.name, verdict)
	}

	if len(failed) != 0 {
		return fmt.Errorf("selftests failed: %s", strings.Join(failed, ", "))
	}

	return nil
}

// exitSelftest boots the kernel and reads the verdict from the exit device.
// The serial output is buffered and only replayed on failure.
func exitSelftest(ctx context.Context, cfg *config, name string) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(runCtx, cfg.qemuBin, qemuArgs(cfg, name)...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if runCtx.Err() != nil {
		return false, fmt.Errorf("selftest %s: timed out after %s", name, cfg.timeout)
	}

	code := exitCode(err)
	if code == -1 {
		return false, err
	}

	passed, known := selftestVerdict(code)
	if !known {
		return false, fmt.Errorf("selftest %s: unexpected QEMU exit status %d\n%s", name, code, out.String())
	}

	if !passed || cfg.verbose {
		os.Stderr.Write(out.Bytes())
	}

	return passed, nil
}

// markerSelftest boots the kernel and scans the serial console for marker.
// It is used for selftests that end in a deliberate panic and therefore
// never reach the exit device; QEMU is torn down once the marker is seen.
func markerSelftest(ctx context.Context, cfg *config, name, marker string) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cfg.qemuBin, qemuArgs(cfg, name)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, err
	}
	cmd.Stderr = os.Stderr

	if err = cmd.Start(); err != nil {
		return false, err
	}

	markerSeen := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			line := sc.Text()
			if cfg.verbose {
				fmt.Fprintf(os.Stderr, "[qemu] %s\n", line)
			}

			if strings.Contains(line, marker) {
				close(markerSeen)
				cancel()
				return
			}
		}
	}()

	cmd.Wait()

	select {
	case <-markerSeen:
		return true, nil
	default:
	}

	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	return false, nil
}
