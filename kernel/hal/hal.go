package hal

import (
	"bytes"
	"io"
	"sort"

	"marmotos/bootinfo"
	"marmotos/device"
	"marmotos/kernel/cpu"
	"marmotos/kernel/kfmt"
)

// The QEMU isa-debug-exit device turns a write to its port into a host
// exit with status (val << 1) | 1.
const (
	debugExitPort = 0xf4

	// ExitSuccess makes QEMU exit with status 33.
	ExitSuccess = 0x10

	// ExitFailure makes QEMU exit with status 35.
	ExitFailure = 0x11
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	haltFn          = cpu.Halt
	cmdLineOptionFn = bootinfo.CmdLineOption
)

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w kfmt.PrefixWriter

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		// Re-fetch the sink each round; a console driver earlier in the
		// list may have claimed it.
		w.Sink = kfmt.GetOutputSink()

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(info, drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func onDriverInit(_ *device.DriverInfo, drv device.Driver) {
	if cons, ok := drv.(io.Writer); ok {
		onConsoleInit(drv.DriverName(), cons)
	}
}

// onConsoleInit is invoked whenever a console driver is initialized. The
// first console to come up becomes the kfmt output sink so that buffered
// early output is flushed somewhere even when the preferred console fails
// to initialize. A console probed later takes over only when the boot
// command line selects it.
func onConsoleInit(name string, cons io.Writer) {
	switch {
	case devices.activeConsole == nil:
	case name == preferredConsole():
	default:
		return
	}

	devices.activeConsole = cons
	kfmt.SetOutputSink(cons)
}

// preferredConsole maps the console boot option to the name of the driver
// that should claim the kfmt output sink. The VGA text console is the
// default; console=serial routes output to the COM1 UART instead.
func preferredConsole() string {
	if val, _ := cmdLineOptionFn("console"); val == "serial" {
		return "uart_16550"
	}
	return "vga_text"
}

// ExitQEMU writes code to the isa-debug-exit port causing QEMU to terminate
// with host exit status (code << 1) | 1. On hardware the port write is
// ignored and the CPU halts instead.
func ExitQEMU(code uint8) {
	portWriteByteFn(debugExitPort, code)
	haltFn()
}
