package launch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSystem struct {
	os      string
	machine string
	libc    string
	libcErr error
	files   map[string]bool
}

func (f fakeSystem) OS() string               { return f.os }
func (f fakeSystem) Machine() (string, error) { return f.machine, nil }
func (f fakeSystem) LibcVersion() (string, error) {
	return f.libc, f.libcErr
}
func (f fakeSystem) Exists(path string) bool { return f.files[path] }
func (f fakeSystem) LookPath(file string) (string, error) {
	if file == "missing" {
		return "", errors.New("not found")
	}
	return "/usr/bin/" + file, nil
}

func modernLinux() fakeSystem {
	return fakeSystem{
		os:      "linux",
		machine: "x86_64",
		libc:    "2.35",
		files:   map[string]bool{"/lib64/ld-linux-x86-64.so.2": true},
	}
}

const lib = "/opt/peakprof/libengine.so"

func TestComputeUsesLinkerPreloadWhenSupported(t *testing.T) {
	env := []string{"HOME=/root"}
	l, err := Compute(modernLinux(), []string{"python3", "app.py", "--x"}, env, lib)
	require.NoError(t, err)

	assert.Equal(t, LinkerPreload, l.Strategy)
	assert.Equal(t, "/lib64/ld-linux-x86-64.so.2", l.Executable)
	assert.Equal(t, []string{"/lib64/ld-linux-x86-64.so.2", "--preload", lib, "/usr/bin/python3", "app.py", "--x"}, l.Argv)
	assert.Equal(t, env, l.Env)
	_, ok := GetEnv(l.Env, "LD_PRELOAD")
	assert.False(t, ok)
}

func TestComputeFallsBackOnOldLibc(t *testing.T) {
	sys := modernLinux()
	sys.libc = "2.17"
	env := []string{"HOME=/root", "LD_PRELOAD=/old.so"}
	l, err := Compute(sys, []string{"python3", "app.py"}, env, lib)
	require.NoError(t, err)

	assert.Equal(t, EnvPreload, l.Strategy)
	assert.Equal(t, "/usr/bin/python3", l.Executable)
	assert.Equal(t, []string{"/usr/bin/python3", "app.py"}, l.Argv)
	v, _ := GetEnv(l.Env, "LD_PRELOAD")
	assert.Equal(t, lib, v)
	v, _ = GetEnv(l.Env, "DYLD_INSERT_LIBRARIES")
	assert.Equal(t, lib, v)
	// Input env untouched.
	assert.Equal(t, "LD_PRELOAD=/old.so", env[1])
}

func TestComputeMinimumVersionIsInclusive(t *testing.T) {
	sys := modernLinux()
	sys.libc = "2.30"
	l, err := Compute(sys, []string{"prog"}, nil, lib)
	require.NoError(t, err)
	assert.Equal(t, LinkerPreload, l.Strategy)

	sys.libc = "2.29"
	l, err = Compute(sys, []string{"prog"}, nil, lib)
	require.NoError(t, err)
	assert.Equal(t, EnvPreload, l.Strategy)
}

func TestComputeFallsBack(t *testing.T) {
	tests := []struct {
		name string
		edit func(*fakeSystem)
	}{
		{"macOS", func(f *fakeSystem) { f.os = "darwin" }},
		{"linker missing", func(f *fakeSystem) { f.files = nil }},
		{"unknown machine", func(f *fakeSystem) { f.machine = "riscv128" }},
		{"no glibc", func(f *fakeSystem) { f.libcErr = errors.New("musl") }},
		{"garbage version", func(f *fakeSystem) { f.libc = "unknown" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := modernLinux()
			tt.edit(&sys)
			l, err := Compute(sys, []string{"prog"}, nil, lib)
			require.NoError(t, err)
			assert.Equal(t, EnvPreload, l.Strategy)
		})
	}
}

func TestComputeErrors(t *testing.T) {
	_, err := Compute(modernLinux(), nil, nil, lib)
	assert.Error(t, err)
	_, err = Compute(modernLinux(), []string{"prog"}, nil, "")
	assert.Error(t, err)
	_, err = Compute(modernLinux(), []string{"missing"}, nil, lib)
	assert.Error(t, err)
}

func TestParseLibcVersion(t *testing.T) {
	v, err := parseLibcVersion("glibc 2.35\n")
	require.NoError(t, err)
	assert.Equal(t, "2.35", v)

	_, err = parseLibcVersion("musl")
	assert.Error(t, err)
}

func TestSetEnvReplaces(t *testing.T) {
	env := SetEnv([]string{"A=1", "B=2"}, "A", "3")
	assert.Equal(t, []string{"B=2", "A=3"}, env)
	v, ok := GetEnv(env, "A")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestDirect(t *testing.T) {
	l, err := Direct(modernLinux(), []string{"prog", "-v"}, []string{"A=1"})
	require.NoError(t, err)
	assert.Equal(t, None, l.Strategy)
	assert.Equal(t, []string{"/usr/bin/prog", "-v"}, l.Argv)
	assert.Equal(t, []string{"A=1"}, l.Env)
	assert.Equal(t, "none", l.Strategy.String())
}
