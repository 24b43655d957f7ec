package flamegraph

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/danpilch/peakprof/pkg/record"
)

// Artifact base names.
const (
	PeakBase        = "peak-memory"
	OutOfMemoryBase = "out-of-memory"
	PerformanceBase = "performance"
)

// Artifact names derived from a base name such as "peak-memory".
func RawName(base string) string      { return base + ".prof" }
func SVGName(base string) string      { return base + ".svg" }
func ReversedName(base string) string { return base + "-reversed.svg" }

// WriteFiles writes <base>.prof, <base>.svg and <base>-reversed.svg under dir
// on fs. The raw file holds every record; the graphs only the useful subset.
func WriteFiles(fs afero.Fs, dir, base string, records []record.Record, opts SVGOptions) error {
	if info, err := fs.Stat(dir); err == nil && !info.IsDir() {
		return fmt.Errorf("output path %s must be a directory", dir)
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create output directory: %w", err)
	}

	var raw bytes.Buffer
	if err := WriteCollapsed(&raw, records); err != nil {
		return err
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, RawName(base)), raw.Bytes(), 0644); err != nil {
		return fmt.Errorf("cannot write raw profiling data: %w", err)
	}

	useful := record.Useful(record.Aggregate(records))
	if len(useful) == 0 {
		// Nothing to draw; the raw file alone marks the dump as empty.
		return nil
	}
	for _, reversed := range []bool{false, true} {
		o := opts
		o.Reversed = reversed
		name := SVGName(base)
		if reversed {
			name = ReversedName(base)
		}
		var svg bytes.Buffer
		if err := GenerateSVG(useful, &svg, o); err != nil {
			return fmt.Errorf("cannot render %s: %w", name, err)
		}
		if err := afero.WriteFile(fs, filepath.Join(dir, name), svg.Bytes(), 0644); err != nil {
			return fmt.Errorf("cannot write %s: %w", name, err)
		}
	}
	return nil
}
