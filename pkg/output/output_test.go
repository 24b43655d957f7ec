package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpilch/peakprof/pkg/flamegraph"
	"github.com/danpilch/peakprof/pkg/record"
	"github.com/danpilch/peakprof/pkg/report"
)

const mb = 1024 * 1024

func sampleResult() report.Result {
	main := record.SourceFrame("app.py", "<module>", 1)
	return report.Result{
		Index: "/out/x/index.html",
		Sections: []report.Section{
			{
				Base: flamegraph.PeakBase,
				Unit: record.Bytes,
				Records: []record.Record{
					record.New(30*mb, main, record.SourceFrame("app.py", "load", 8)),
					record.New(10*mb, main),
					record.New(20*mb, main, record.SourceFrame("app.py", "load", 8)),
					record.New(4096, record.MarkerFrame(record.MarkerNoStack)),
				},
			},
			{
				Base: flamegraph.PerformanceBase,
				Unit: record.Samples,
				Records: []record.Record{
					record.New(90, main, record.MarkerFrame(record.MarkerRunning)),
					record.New(10, record.MarkerFrame(record.MarkerNoStack), record.MarkerFrame(record.MarkerWaiting)),
				},
			},
		},
	}
}

func TestSummarize(t *testing.T) {
	sum := Summarize(sampleResult(), 2)
	require.Len(t, sum.Sections, 2)

	mem := sum.Sections[0]
	assert.Equal(t, "Peak memory", mem.Name)
	assert.Equal(t, uint64(60*mb+4096), mem.Total)
	require.Len(t, mem.Entries, 2)
	assert.Equal(t, "app.py:8 (load)", mem.Entries[0].Where)
	assert.Equal(t, uint64(50*mb), mem.Entries[0].Magnitude)
	assert.InDelta(t, 50.0/60.0, mem.Entries[0].Share, 0.001)
	assert.Equal(t, "app.py:1 (<module>)", mem.Entries[1].Where)

	perf := sum.Sections[1]
	require.Len(t, perf.Entries, 2)
	assert.Equal(t, "app.py:1 (<module>)", perf.Entries[0].Where)
	assert.Equal(t, record.TokenWaiting, perf.Entries[1].Where)
}

func TestSummarizeAll(t *testing.T) {
	sum := Summarize(sampleResult(), 0)
	require.Len(t, sum.Sections[0].Entries, 3)
	assert.Equal(t, record.TokenNoStack, sum.Sections[0].Entries[2].Where)
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatTable, &buf).Render(Summarize(sampleResult(), 3)))
	out := buf.String()
	assert.Contains(t, out, "Peak memory:")
	assert.Contains(t, out, "50 MiB")
	assert.Contains(t, out, "app.py:8 (load)")
	assert.Contains(t, out, "SAMPLES")
	assert.Contains(t, out, "Full report: /out/x/index.html")
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatJSON, &buf).Render(Summarize(sampleResult(), 1)))
	var got Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got.Sections, 2)
	assert.Equal(t, uint64(90), got.Sections[1].Entries[0].Magnitude)
}

func TestRenderTSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatTSV, &buf).Render(Summarize(sampleResult(), 1)))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Performance\tsamples\t90\t0.9000\tapp.py:1 (<module>)\tapp.py:1 (<module>);⬸ Running", lines[2])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("ai")
	assert.Error(t, err)
}

func TestSparklineAndBar(t *testing.T) {
	assert.Equal(t, "█▄▁", renderSparkline([]float64{8, 4, 0}))
	assert.Equal(t, "", renderSparkline(nil))
	assert.Equal(t, "█████     ", shareBar(0.5, 10))
	assert.Equal(t, "██", shareBar(2, 2))
}
