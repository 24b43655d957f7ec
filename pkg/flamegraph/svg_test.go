package flamegraph

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpilch/peakprof/pkg/record"
)

func sampleRecords() []record.Record {
	main := record.SourceFrame("app.py", "main", 3)
	load := record.SourceFrame("app.py", "load", 10)
	save := record.SourceFrame("app.py", "save", 20)
	return []record.Record{
		record.New(30<<20, main, load),
		record.New(20<<20, main, save),
		record.New(1<<20, record.MarkerFrame(record.MarkerNoStack)),
	}
}

func TestGenerateSVG(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultSVGOptions()
	opts.Source = func(file string, line int) string {
		if line == 10 {
			return "   data = read_everything()  "
		}
		return ""
	}
	require.NoError(t, GenerateSVG(sampleRecords(), &buf, opts))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, "app.py:10 (load)")
	assert.Contains(t, out, "data = read_everything()")
	assert.Contains(t, out, "51 MiB")
	assert.Contains(t, out, "[No Python stack]")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "</svg>"))
}

func TestGenerateSVGReversedTitle(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultSVGOptions()
	opts.Reversed = true
	require.NoError(t, GenerateSVG(sampleRecords(), &buf, opts))
	assert.Contains(t, buf.String(), "Peak Tracked Memory Usage, Reversed")
}

func TestGenerateSVGSamples(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultSVGOptions()
	opts.Unit = record.Samples
	recs := []record.Record{record.New(1234, record.MarkerFrame(record.MarkerRunning))}
	require.NoError(t, GenerateSVG(recs, &buf, opts))
	assert.Contains(t, buf.String(), "1,234 samples")
}

func TestGenerateSVGEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := GenerateSVG([]record.Record{record.New(0, record.MarkerFrame(record.MarkerOther))}, &buf, DefaultSVGOptions())
	assert.Error(t, err)
}

func TestWriteCollapsedSortsAndSums(t *testing.T) {
	f := record.SourceFrame("b.py", "f", 1)
	g := record.SourceFrame("a.py", "g", 2)
	var buf bytes.Buffer
	require.NoError(t, WriteCollapsed(&buf, []record.Record{
		record.New(1, f), record.New(2, g), record.New(3, f),
	}))
	assert.Equal(t, "a.py:2 (g) 2\nb.py:1 (f) 4\n", buf.String())
}

func TestWriteFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	require.NoError(t, WriteFiles(afero.NewOsFs(), dir, "peak-memory", sampleRecords(), DefaultSVGOptions()))

	for _, name := range []string{"peak-memory.prof", "peak-memory.svg", "peak-memory-reversed.svg"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.NotZero(t, info.Size(), name)
	}

	parsed, err := record.ParseFile(filepath.Join(dir, "peak-memory.prof"))
	require.NoError(t, err)
	assert.Equal(t, uint64(51<<20), record.Total(parsed))
}

func TestWriteFilesRejectsFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.Error(t, WriteFiles(afero.NewOsFs(), path, "peak-memory", sampleRecords(), DefaultSVGOptions()))
}

func TestWriteFilesOnMemFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, WriteFiles(fs, "/out/run", OutOfMemoryBase, sampleRecords(), DefaultSVGOptions()))

	ok, err := afero.Exists(fs, "/out/run/out-of-memory-reversed.svg")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = os.Stat("/out/run")
	assert.True(t, os.IsNotExist(err))
}
