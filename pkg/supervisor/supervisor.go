//go:build linux || darwin

// Package supervisor is the second stage of a profiled run: it starts the
// target with the engine injected, drives the engine over its control socket
// and turns what the engine leaves behind into a report.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/engine/remote"
	"github.com/danpilch/peakprof/pkg/launch"
	"github.com/danpilch/peakprof/pkg/report"
	"github.com/danpilch/peakprof/pkg/session"
)

// Options configures a supervised run.
type Options struct {
	Logger *logrus.Logger
	// OutputRoot receives one timestamped directory per dump.
	OutputRoot string
	// Interpreter is prepended to the target's argv. Empty runs the target
	// directly.
	Interpreter string
	// EngineLib is the engine shared library. Empty starts the target
	// without preloading, for programs that embed an engine.
	EngineLib          string
	NoBrowser          bool
	DisableOutOfMemory bool
	Performance        bool
	SampleInterval     time.Duration
	// Command is shown in the report index.
	Command []string

	System  launch.SystemInfo
	Dial    remote.DialOptions
	Clock   clock.Clock
	Browser func(path string) error
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// DefaultOptions returns options for an interactive run of a Python script.
func DefaultOptions() Options {
	return Options{
		OutputRoot:     "peakprof-result",
		Interpreter:    "python3",
		EngineLib:      os.Getenv(launch.EnvEngineLib),
		SampleInterval: 10 * time.Millisecond,
		System:         launch.Host{},
		Dial:           remote.DefaultDialOptions(),
		Clock:          clock.New(),
		Browser:        OpenBrowser,
		Stdin:          os.Stdin,
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
	}
}

// Result describes a finished run.
type Result struct {
	Index    string
	ExitCode int
	Report   report.Result
}

// Run profiles argv and returns once the target has exited and its report
// is written. A failing target yields a *SubprocessError, listed before any
// reporting failure.
func Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("no program to profile")
	}
	if opts.System == nil {
		opts.System = launch.Host{}
	}
	if opts.Dial.Attempts == 0 {
		opts.Dial = remote.DefaultDialOptions()
	}
	root, err := filepath.Abs(opts.OutputRoot)
	if err != nil {
		return Result{}, fmt.Errorf("cannot resolve output directory: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return Result{}, fmt.Errorf("cannot create output directory: %w", err)
	}

	sockDir, err := os.MkdirTemp("", "peakprof")
	if err != nil {
		return Result{}, fmt.Errorf("cannot create control socket directory: %w", err)
	}
	defer os.RemoveAll(sockDir)
	sock := filepath.Join(sockDir, "engine.sock")

	client := remote.NewClient(sock, opts.Dial)
	defer client.Close()
	ctrl := session.New(client, session.Options{
		Logger:             logger,
		Clock:              opts.Clock,
		Fs:                 afero.NewOsFs(),
		Performance:        opts.Performance,
		SampleInterval:     opts.SampleInterval,
		DisableOutOfMemory: opts.DisableOutOfMemory,
		Command:            opts.Command,
	})
	// The engine tracks into dir from the moment it loads.
	dir := ctrl.NewOutputDir(root)

	cmd, err := command(ctx, argv, sock, root, dir, opts)
	if err != nil {
		return Result{}, err
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("cannot start %s: %w", cmd.Path, err)
	}
	log := logger.WithField("pid", cmd.Process.Pid)
	log.WithField("argv", cmd.Args).Debug("Started profiled program")

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	if err := ctrl.Attach(dir); err != nil {
		cmd.Process.Kill()
		<-waited
		return Result{}, err
	}

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, unix.SIGTERM)
	defer signal.Stop(terminate)

	connectCtx, cancelConnect := context.WithCancel(ctx)
	defer cancelConnect()
	connected := make(chan error, 1)
	go func(ch chan<- error) { ch <- client.Connect(connectCtx) }(connected)

	stopSignals := ctrl.HandleDumpSignal(root)
	logger.Infof("Memory usage will be written out at exit. To write out peak memory usage up to now, run: kill -s SIGUSR2 %d", os.Getpid())

	var (
		waitErr    error
		exited     bool
		attached   bool
		connectErr error
	)
	for !exited {
		select {
		case waitErr = <-waited:
			exited = true
		case sig := <-terminate:
			log.WithField("signal", sig).Debug("Forwarding signal")
			cmd.Process.Signal(sig)
		case err := <-connected:
			connected = nil
			if err != nil {
				select {
				case waitErr = <-waited:
					// Exited meanwhile; its exit dump may still be there.
					exited = true
					continue
				default:
				}
				// Running, but its engine never came up.
				connectErr = err
				cmd.Process.Kill()
				continue
			}
			attached = true
			log.Debug("Connected to engine")
		}
	}
	stopSignals()
	cancelConnect()
	// The program is gone; Stop builds the report from what its engine
	// dumped at exit.
	client.Close()

	res := Result{ExitCode: exitCode(waitErr)}
	log.WithField("exit_code", res.ExitCode).Debug("Profiled program exited")
	if connectErr != nil {
		removeIfEmpty(dir)
		return Result{}, connectErr
	}
	index, stopErr := ctrl.Stop(dir)
	if errors.Is(stopErr, report.ErrReportIncomplete) && !attached {
		stopErr = fmt.Errorf("program exited before its engine came up: %w: %w", engine.ErrEngineUnavailable, stopErr)
		removeIfEmpty(dir)
	}
	res.Index = index
	res.Report = ctrl.LastReport()

	var result *multierror.Error
	if res.ExitCode != 0 {
		result = multierror.Append(result, &SubprocessError{ExitCode: res.ExitCode})
	}
	if stopErr != nil {
		result = multierror.Append(result, stopErr)
	}
	if index != "" && !opts.NoBrowser && opts.Browser != nil {
		if err := opts.Browser(index); err != nil {
			logger.WithError(err).Warnf("Cannot open browser, open %s manually", index)
		}
	}
	if result == nil {
		return res, nil
	}
	if len(result.Errors) == 1 {
		return res, result.Errors[0]
	}
	return res, result
}

// removeIfEmpty drops a session directory nothing was written to.
func removeIfEmpty(dir string) {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}

// command builds the target process with the engine injected.
func command(ctx context.Context, argv []string, sock, root, dir string, opts Options) (*exec.Cmd, error) {
	if opts.Interpreter != "" {
		argv = append([]string{opts.Interpreter}, argv...)
	}
	env := os.Environ()
	env = launch.SetEnv(env, remote.EnvControl, sock)
	env = launch.SetEnv(env, remote.EnvSession, dir)
	if opts.Performance {
		env = launch.SetEnv(env, remote.EnvSampleInterval, opts.SampleInterval.String())
	}
	env = launch.SetEnv(env, session.EnvParentPID, strconv.Itoa(os.Getpid()))
	env = launch.SetEnv(env, session.EnvOutput, root)
	env = launch.SetEnv(env, session.EnvStatus, session.StatusProgram)
	env = launch.SetEnv(env, "PYTHONMALLOC", "malloc")
	env = session.ThreadPoolEnv(env)

	var (
		l   launch.Launch
		err error
	)
	if opts.EngineLib == "" {
		l, err = launch.Direct(opts.System, argv, env)
	} else {
		l, err = launch.Compute(opts.System, argv, env, opts.EngineLib)
	}
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, l.Executable)
	cmd.Args = l.Argv
	cmd.Env = l.Env
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	return cmd, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		if code := exit.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}
