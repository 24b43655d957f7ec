package session

import (
	"os"
	"strconv"

	"github.com/danpilch/peakprof/pkg/launch"
)

// Environment variables shared between the CLI, the profiled program and
// its children.
const (
	// EnvStatus records which launch phase a process is in.
	EnvStatus = "PEAKPROF_STATUS"
	// EnvOutput is the directory the engine dumps to when nobody asks it to.
	EnvOutput = "PEAKPROF_OUTPUT"
	// EnvParentPID is the pid of the profiled program's parent. A process
	// with another parent inherited the environment through a fork.
	EnvParentPID = "PEAKPROF_PARENT_PID"
)

// Launch phases stored in EnvStatus.
const (
	StatusLauncher   = "launcher"
	StatusProgram    = "program"
	StatusAPI        = "api"
	StatusSubprocess = "subprocess"
)

// ThreadPoolVars size the internal thread pools of common numeric libraries.
// Libraries that are not installed simply ignore them.
var ThreadPoolVars = []string{
	"OMP_NUM_THREADS",
	"OPENBLAS_NUM_THREADS",
	"MKL_NUM_THREADS",
	"NUMEXPR_NUM_THREADS",
	"VECLIB_MAXIMUM_THREADS",
	"GOTO_NUM_THREADS",
	"BLIS_NUM_THREADS",
}

// Status returns the launch phase of the current process. A child of the
// profiled program sees StatusSubprocess even though it inherited
// StatusProgram or StatusAPI.
func Status() string {
	return status(os.Getenv, os.Getppid())
}

func status(getenv func(string) string, ppid int) string {
	s := getenv(EnvStatus)
	if s != StatusProgram && s != StatusAPI {
		return s
	}
	if parent := getenv(EnvParentPID); parent != "" && parent != strconv.Itoa(ppid) {
		return StatusSubprocess
	}
	return s
}

// ThreadPoolEnv returns env with every thread pool limited to one thread.
func ThreadPoolEnv(env []string) []string {
	for _, k := range ThreadPoolVars {
		env = launch.SetEnv(env, k, "1")
	}
	return env
}

// DisableThreadPools limits thread pools of the current process to one
// thread until restore is called.
func DisableThreadPools() (restore func(), err error) {
	type saved struct {
		value string
		set   bool
	}
	prev := make(map[string]saved, len(ThreadPoolVars))
	restore = func() {
		for k, p := range prev {
			if p.set {
				os.Setenv(k, p.value)
			} else {
				os.Unsetenv(k)
			}
		}
	}
	for _, k := range ThreadPoolVars {
		v, ok := os.LookupEnv(k)
		prev[k] = saved{value: v, set: ok}
		if err := os.Setenv(k, "1"); err != nil {
			restore()
			return func() {}, err
		}
	}
	return restore, nil
}
