//go:build !windows

// ixy-ci-runner supervises one long-running test command on a test host. The
// orchestrator installs it during host preparation and invokes it over SSH as
// "sudo ixy-ci-runner <command ...>". Closing the SSH channel's stdin
// interrupts the supervised command and everything it spawned.
package main

import (
	"fmt"
	"os"

	"github.com/ixy-languages/ixy-ci/pkg/runner"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: ixy-ci-runner command [args...]")
		os.Exit(1)
	}
	if err := runner.Supervise(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
