//go:build linux || darwin

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danpilch/peakprof/pkg/benchmark"
	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/launch"
	"github.com/danpilch/peakprof/pkg/output"
	"github.com/danpilch/peakprof/pkg/session"
	"github.com/danpilch/peakprof/pkg/supervisor"
)

type runFlags struct {
	module      string
	performance bool
	interpreter string
	engineLib   string
	summary     string
	top         int
}

func newRunCommand(g *globals) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] (-m module | script) [args...]",
		Short: "Profile a program until it exits",
		Long: `Runs the program with the tracking engine injected. When it exits, the
peak memory usage is written as a report under the output directory. Send
SIGUSR2 to peakprof to write an extra report of the peak so far.

When PEAKPROF_BENCHMARK names a file, the program is instead run twice under
cachegrind, with and without the engine, and the overhead is written there.`,
		Example: `  peakprof run app.py --input data.csv
  peakprof -o /tmp/reports run --performance -m mypackage.cli`,
		Args: func(cmd *cobra.Command, args []string) error {
			if f.module == "" && len(args) == 0 {
				return errors.New("requires a script or -m module")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var format output.Format
			if f.summary != "" {
				var err error
				if format, err = output.ParseFormat(f.summary); err != nil {
					return err
				}
			}
			argv := targetArgv(f.module, args)
			if dest := os.Getenv(benchmark.EnvBenchmark); dest != "" {
				return runBenchmark(cmd, g, f, argv, dest)
			}

			opts := supervisor.DefaultOptions()
			opts.Logger = g.logger
			opts.OutputRoot = g.output
			opts.Interpreter = f.interpreter
			opts.EngineLib = f.engineLib
			opts.NoBrowser = g.noBrowser
			opts.DisableOutOfMemory = g.disableOutOfMemory
			opts.Performance = f.performance
			opts.Command = os.Args

			res, err := supervisor.Run(cmd.Context(), argv, opts)
			if res.Index != "" && format != "" {
				if rerr := output.NewFormatter(format, cmd.ErrOrStderr()).Render(output.Summarize(res.Report, f.top)); rerr != nil {
					g.logger.WithError(rerr).Warn("Cannot print summary")
				}
			}
			return err
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&f.module, "module", "m", "", "Run a module instead of a script")
	cmd.Flags().BoolVar(&f.performance, "performance", false, "Also sample per-thread callstacks")
	cmd.Flags().StringVar(&f.interpreter, "interpreter", "python3", "Interpreter running the script; empty runs the program directly")
	cmd.Flags().StringVar(&f.engineLib, "engine-lib", os.Getenv(launch.EnvEngineLib), "Tracking engine shared library (env "+launch.EnvEngineLib+")")
	cmd.Flags().StringVar(&f.summary, "summary", "", "Also print the top callstacks (table, json or tsv)")
	cmd.Flags().IntVar(&f.top, "top", 10, "Callstacks per section in the summary")
	return cmd
}

// targetArgv is what follows the interpreter.
func targetArgv(module string, args []string) []string {
	if module == "" {
		return args
	}
	return append([]string{"-m", module}, args...)
}

func runBenchmark(cmd *cobra.Command, g *globals, f runFlags, argv []string, dest string) error {
	if f.engineLib == "" {
		return fmt.Errorf("benchmarking needs --engine-lib: %w", engine.ErrEngineUnavailable)
	}
	if f.interpreter != "" {
		argv = append([]string{f.interpreter}, argv...)
	}
	sys := launch.Host{}
	baseline, err := launch.Direct(sys, argv, nil)
	if err != nil {
		return err
	}
	profiled, err := benchmark.ProfiledArgv(sys, argv, f.engineLib)
	if err != nil {
		return err
	}

	opts := benchmark.DefaultOptions()
	opts.Logger = g.logger
	opts.Env = launch.SetEnv(opts.Env, session.EnvStatus, session.StatusProgram)
	opts.Env = launch.SetEnv(opts.Env, session.EnvOutput, g.output)
	opts.Env = launch.SetEnv(opts.Env, "PYTHONMALLOC", "malloc")
	opts.Env = session.ThreadPoolEnv(opts.Env)

	res, err := benchmark.Compare(cmd.Context(), baseline.Argv, profiled, opts)
	if err != nil {
		return err
	}
	if err := benchmark.WriteJSON(dest, res); err != nil {
		return err
	}
	g.logger.Infof("Wrote performance to %s", dest)
	benchmark.Render(cmd.OutOrStdout(), res)
	return nil
}
