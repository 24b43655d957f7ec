//go:build linux || darwin

package main

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/danpilch/peakprof/pkg/output"
	"github.com/danpilch/peakprof/pkg/report"
)

func newSummaryCommand(g *globals) *cobra.Command {
	var format string
	var top int

	cmd := &cobra.Command{
		Use:   "summary <report-dir>",
		Short: "Print the top callstacks of a written report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return err
			}
			res, err := report.NewBuilder(afero.NewOsFs(), g.logger).Load(args[0])
			if err != nil {
				return err
			}
			return output.NewFormatter(f, cmd.OutOrStdout()).Render(output.Summarize(res, top))
		},
	}
	cmd.Flags().StringVar(&format, "format", string(output.FormatTable), "Output format (table, json or tsv)")
	cmd.Flags().IntVar(&top, "top", 10, "Callstacks per section")
	return cmd
}
