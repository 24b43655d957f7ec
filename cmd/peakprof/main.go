//go:build linux || darwin

// Command peakprof profiles the peak memory usage of a program.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danpilch/peakprof/pkg/logging"
	"github.com/danpilch/peakprof/pkg/supervisor"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", logging.Prefix, err)
		os.Exit(exitCode(err))
	}
}

// exitCode propagates a failed target's own status.
func exitCode(err error) int {
	var sub *supervisor.SubprocessError
	if errors.As(err, &sub) && sub.ExitCode > 0 {
		return sub.ExitCode
	}
	return 1
}
