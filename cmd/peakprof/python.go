//go:build linux || darwin

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/launch"
	"github.com/danpilch/peakprof/pkg/session"
)

func newPythonCommand(g *globals) *cobra.Command {
	var interpreter, engineLib string

	cmd := &cobra.Command{
		Use:   "python [args...]",
		Short: "Start the interpreter with the engine loaded but not tracking",
		Long: `Replaces peakprof with the interpreter, engine preloaded. Nothing is tracked
until the program starts a session through the engine's API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := pythonLaunch(launch.Host{}, interpreter, engineLib, g.output, args, os.Environ())
			if err != nil {
				return err
			}
			g.logger.WithField("strategy", l.Strategy).Debug("Starting interpreter")
			return launch.Exec(l)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&interpreter, "interpreter", "python3", "Interpreter to start")
	cmd.Flags().StringVar(&engineLib, "engine-lib", os.Getenv(launch.EnvEngineLib), "Tracking engine shared library (env "+launch.EnvEngineLib+")")
	return cmd
}

func pythonLaunch(sys launch.SystemInfo, interpreter, lib, out string, args, env []string) (launch.Launch, error) {
	if lib == "" {
		return launch.Launch{}, fmt.Errorf("no engine library, set --engine-lib or %s: %w", launch.EnvEngineLib, engine.ErrEngineUnavailable)
	}
	env = launch.SetEnv(env, session.EnvStatus, session.StatusAPI)
	env = launch.SetEnv(env, session.EnvOutput, out)
	// Exec keeps our pid, so the interpreter's parent is ours.
	env = launch.SetEnv(env, session.EnvParentPID, strconv.Itoa(os.Getppid()))
	env = launch.SetEnv(env, "PYTHONMALLOC", "malloc")
	return launch.Compute(sys, append([]string{interpreter}, args...), env, lib)
}
