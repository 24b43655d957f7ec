//go:build linux || darwin

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danpilch/peakprof/pkg/logging"
)

var version = "0.1.0"

const licenseText = `peakprof is licensed under the Apache License, Version 2.0.
You may obtain a copy of the License at http://www.apache.org/licenses/LICENSE-2.0
`

// globals holds the flags shared by every subcommand.
type globals struct {
	output             string
	noBrowser          bool
	disableOutOfMemory bool
	logLevel           string
	stderr             io.Writer

	logger *logrus.Logger
}

// newRootCommand returns the peakprof command tree.
func newRootCommand() *cobra.Command {
	g := &globals{stderr: os.Stderr}
	var license bool

	cmd := &cobra.Command{
		Use:   "peakprof",
		Short: "Find where a program's peak memory goes",
		Long: `peakprof runs a program with a tracking engine injected and reports the
callstacks responsible for its peak memory usage, as flame graphs in an
HTML report.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(g.stderr, g.logLevel)
			if err != nil {
				return err
			}
			g.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if license {
				fmt.Fprint(cmd.OutOrStdout(), licenseText)
				return nil
			}
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&g.output, "output", "o", "peakprof-result", "Directory receiving one timestamped report per dump")
	cmd.PersistentFlags().BoolVar(&g.noBrowser, "no-browser", false, "Do not open the report in a browser")
	cmd.PersistentFlags().BoolVar(&g.disableOutOfMemory, "disable-oom-detection", false, "Do not dump and exit when memory is about to run out")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&license, "license", false, "Print the license and exit")

	cmd.AddCommand(
		newRunCommand(g),
		newPythonCommand(g),
		newSummaryCommand(g),
	)
	return cmd
}
