package main

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// toolchainConstraint pins the toolchains whose runtime internals match the
// goruntime bridge. sysReserve and friends track private runtime symbols, so
// a new Go release must be vetted before widening the range.
const toolchainConstraint = ">= 1.23.0, < 1.26.0"

func goToolchainVersion() (string, error) {
	out, err := exec.Command("go", "env", "GOVERSION").Output()
	if err != nil {
		return "", fmt.Errorf("cannot query the Go toolchain version: %w", err)
	}

	return strings.TrimSpace(string(out)), nil
}

// checkToolchain validates a `go env GOVERSION` value such as go1.23.4
// against toolchainConstraint. Pre-release toolchains (go1.26rc1, devel
// builds) do not parse as releases and are rejected.
func checkToolchain(version string) error {
	v, err := semver.NewVersion(strings.TrimPrefix(version, "go"))
	if err != nil {
		return fmt.Errorf("cannot parse toolchain version %q: %w", version, err)
	}

	c, err := semver.NewConstraint(toolchainConstraint)
	if err != nil {
		return err
	}

	if !c.Check(v) {
		return fmt.Errorf("toolchain %s is outside the supported range %q", version, toolchainConstraint)
	}

	return nil
}
