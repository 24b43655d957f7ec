// Package launch decides how the tracking engine is injected into a freshly
// started program: through the dynamic linker's --preload option when the
// system supports it, or through a preload environment variable otherwise.
package launch

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// EnvEngineLib overrides the engine shared library path.
const EnvEngineLib = "PEAKPROF_ENGINE_LIB"

// MinLibc is the first glibc whose ld.so accepts --preload.
const MinLibc = ">= 2.30"

// Strategy is how the engine library gets loaded.
type Strategy int

const (
	// LinkerPreload runs the program through ld.so --preload <lib>.
	LinkerPreload Strategy = iota
	// EnvPreload sets LD_PRELOAD and DYLD_INSERT_LIBRARIES.
	EnvPreload
	// None starts the program as is, for programs embedding an engine.
	None
)

func (s Strategy) String() string {
	switch s {
	case LinkerPreload:
		return "linker-preload"
	case EnvPreload:
		return "env-preload"
	default:
		return "none"
	}
}

// linkers maps uname machine names to the dynamic linker's conventional path.
var linkers = map[string]string{
	"x86_64":  "/lib64/ld-linux-x86-64.so.2",
	"aarch64": "/lib/ld-linux-aarch64.so.1",
	"arm64":   "/lib/ld-linux-aarch64.so.1",
	"i686":    "/lib/ld-linux.so.2",
	"ppc64le": "/lib64/ld64.so.2",
	"s390x":   "/lib/ld64.so.1",
}

// LinkerPath returns the dynamic linker path for a machine name.
func LinkerPath(machine string) (string, bool) {
	p, ok := linkers[machine]
	return p, ok
}

// SystemInfo is the read-only view of the system the selector needs.
type SystemInfo interface {
	OS() string
	Machine() (string, error)
	// LibcVersion returns the glibc version, e.g. "2.35".
	LibcVersion() (string, error)
	Exists(path string) bool
	LookPath(file string) (string, error)
}

// Launch is a computed program invocation.
type Launch struct {
	Strategy   Strategy
	Executable string
	Argv       []string
	Env        []string
}

// Direct returns a launch of argv without any preloading.
func Direct(sys SystemInfo, argv, env []string) (Launch, error) {
	if len(argv) == 0 {
		return Launch{}, fmt.Errorf("no program to launch")
	}
	program, err := sys.LookPath(argv[0])
	if err != nil {
		return Launch{}, fmt.Errorf("cannot find %s: %w", argv[0], err)
	}
	return Launch{
		Strategy:   None,
		Executable: program,
		Argv:       append([]string{program}, argv[1:]...),
		Env:        append([]string(nil), env...),
	}, nil
}

// Compute returns how to start argv with lib preloaded. env is not modified.
func Compute(sys SystemInfo, argv, env []string, lib string) (Launch, error) {
	if len(argv) == 0 {
		return Launch{}, fmt.Errorf("no program to launch")
	}
	if lib == "" {
		return Launch{}, fmt.Errorf("no engine library given")
	}
	program, err := sys.LookPath(argv[0])
	if err != nil {
		return Launch{}, fmt.Errorf("cannot find %s: %w", argv[0], err)
	}

	if linker, ok := linkerPreload(sys); ok {
		args := append([]string{linker, "--preload", lib, program}, argv[1:]...)
		return Launch{
			Strategy:   LinkerPreload,
			Executable: linker,
			Argv:       args,
			Env:        append([]string(nil), env...),
		}, nil
	}

	out := SetEnv(env, "LD_PRELOAD", lib)
	out = SetEnv(out, "DYLD_INSERT_LIBRARIES", lib)
	return Launch{
		Strategy:   EnvPreload,
		Executable: program,
		Argv:       append([]string{program}, argv[1:]...),
		Env:        out,
	}, nil
}

// linkerPreload returns the linker to use, if the explicit preload path is
// supported: Linux, glibc new enough, linker at its conventional path.
func linkerPreload(sys SystemInfo) (string, bool) {
	if sys.OS() != "linux" {
		return "", false
	}
	machine, err := sys.Machine()
	if err != nil {
		return "", false
	}
	linker, ok := LinkerPath(machine)
	if !ok || !sys.Exists(linker) {
		return "", false
	}
	raw, err := sys.LibcVersion()
	if err != nil {
		return "", false
	}
	return linker, libcSupported(raw)
}

func libcSupported(raw string) bool {
	v, err := semver.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(MinLibc)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// SetEnv returns a copy of env with key set to value.
func SetEnv(env []string, key, value string) []string {
	return append(UnsetEnv(env, key), key+"="+value)
}

// UnsetEnv returns a copy of env without key.
func UnsetEnv(env []string, key string) []string {
	out := make([]string, 0, len(env))
	prefix := key + "="
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return out
}

// GetEnv returns the value of key in env.
func GetEnv(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}
