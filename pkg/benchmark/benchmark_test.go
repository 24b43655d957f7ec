//go:build linux || darwin

package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpilch/peakprof/pkg/supervisor"
)

const baselineOut = `desc: I1 cache:         32768 B, 64 B, 8-way associative
desc: D1 cache:         32768 B, 64 B, 8-way associative
desc: LL cache:         8388608 B, 64 B, 16-way associative
cmd: python3 noop.py
events: Ir I1mr ILmr Dr D1mr DLmr Dw D1mw DLmw
fl=noop.py
fn=main
1 1000 10 5 400 20 8 200 10 4
summary: 1000 10 5 400 20 8 200 10 4
`

const profiledOut = `events: Ir I1mr ILmr Dr D1mr DLmr Dw D1mw DLmw
summary: 1100 12 6 450 30 20 220 14 10
`

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(baselineOut))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), c["Ir"])
	assert.Equal(t, int64(4), c["DLmw"])
	assert.Len(t, c, 9)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("summary: 1 2\n"))
	assert.Error(t, err)
	_, err = Parse(strings.NewReader("events: Ir Dr\nsummary: 1\n"))
	assert.Error(t, err)
	_, err = Parse(strings.NewReader("events: Ir\nsummary: x\n"))
	assert.Error(t, err)
}

func TestEstimate(t *testing.T) {
	c, err := Parse(strings.NewReader(baselineOut))
	require.NoError(t, err)
	est, err := c.Estimate()
	require.NoError(t, err)
	assert.Equal(t, Estimate{L1: 1560, L3: 23, RAM: 17}, est)
	assert.Equal(t, int64(1560+5*23+35*17), est.Overall())

	_, err = Counts{"Ir": 1}.Estimate()
	assert.Error(t, err)
}

// fakeRun serves canned output, the profiled one when argv starts with the
// dynamic linker.
func fakeRun(calls *[][]string) Runner {
	return func(_ context.Context, argv, _ []string, outFile string) error {
		*calls = append(*calls, argv)
		out := baselineOut
		if strings.HasPrefix(argv[0], "/lib") {
			out = profiledOut
		}
		return os.WriteFile(outFile, []byte(out), 0644)
	}
}

func TestCompareOverheadIsRAMDominated(t *testing.T) {
	var calls [][]string
	opts := Options{Run: fakeRun(&calls)}
	profiled := []string{"/lib64/ld-linux-x86-64.so.2", "--preload", "/opt/libengine.so", "/usr/bin/python3", "noop.py"}

	res, err := Compare(context.Background(), []string{"/usr/bin/python3", "noop.py"}, profiled, opts)
	require.NoError(t, err)
	require.Len(t, calls, 2)

	assert.Equal(t, int64(3074-2270), res.Delta[Overall])
	assert.GreaterOrEqual(t, res.Delta[Overall], int64(0))

	base, err := res.Baseline.Estimate()
	require.NoError(t, err)
	prof, err := res.Profiled.Estimate()
	require.NoError(t, err)
	ram := 35 * (prof.RAM - base.RAM)
	assert.Greater(t, ram, prof.L1-base.L1)
	assert.Greater(t, ram, 5*(prof.L3-base.L3))
	assert.InDelta(t, 804.0/2270.0, res.Relative(Overall), 1e-9)
}

func TestCompareFailsOnEitherRun(t *testing.T) {
	failing := func(_ context.Context, argv, _ []string, _ string) error {
		if argv[0] == "bad" {
			return &supervisor.SubprocessError{ExitCode: 2}
		}
		return nil
	}
	_, err := Compare(context.Background(), []string{"bad"}, []string{"good"}, Options{Run: failing})
	assert.True(t, errors.Is(err, supervisor.ErrSubprocessFailure))
	assert.Contains(t, err.Error(), "baseline")

	var calls [][]string
	run := fakeRun(&calls)
	_, err = Compare(context.Background(), []string{"ok"}, []string{"bad"}, Options{Run: func(ctx context.Context, argv, env []string, out string) error {
		if argv[0] == "bad" {
			return failing(ctx, argv, env, out)
		}
		return run(ctx, argv, env, out)
	}})
	assert.True(t, errors.Is(err, supervisor.ErrSubprocessFailure))
	assert.Contains(t, err.Error(), "profiled")
}

func TestWriteJSONAndRender(t *testing.T) {
	var calls [][]string
	res, err := Compare(context.Background(), []string{"python3"}, []string{"/lib/ld.so", "python3"}, Options{Run: fakeRun(&calls)})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bench", "result.json")
	require.NoError(t, WriteJSON(path, res))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var delta map[string]int64
	require.NoError(t, json.Unmarshal(data, &delta))
	assert.Equal(t, int64(804), delta[Overall])
	assert.Equal(t, int64(100), delta["Ir"])

	var buf bytes.Buffer
	Render(&buf, res)
	out := buf.String()
	assert.Contains(t, out, "Engine Overhead")
	assert.Contains(t, out, "Overall")
	assert.Contains(t, out, "2,270")
	assert.Contains(t, out, "+35.4%")
}

type linkerless struct{}

func (linkerless) OS() string                           { return "darwin" }
func (linkerless) Machine() (string, error)             { return "arm64", nil }
func (linkerless) LibcVersion() (string, error)         { return "", errors.New("none") }
func (linkerless) Exists(string) bool                   { return false }
func (linkerless) LookPath(file string) (string, error) { return "/usr/bin/" + file, nil }

func TestProfiledArgvNeedsLinkerPreload(t *testing.T) {
	_, err := ProfiledArgv(linkerless{}, []string{"python3"}, "/opt/libengine.so")
	assert.Error(t, err)
}
