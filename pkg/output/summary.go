package output

import (
	"github.com/danpilch/peakprof/pkg/flamegraph"
	"github.com/danpilch/peakprof/pkg/record"
	"github.com/danpilch/peakprof/pkg/report"
)

// Entry is one callstack of a summary.
type Entry struct {
	// Where is the innermost source frame, or the leaf marker when the
	// callstack has no source frame.
	Where     string  `json:"where"`
	Callstack string  `json:"callstack"`
	Magnitude uint64  `json:"magnitude"`
	Share     float64 `json:"share"`
}

// Section summarizes one artifact set.
type Section struct {
	Name    string      `json:"name"`
	Unit    record.Unit `json:"unit"`
	Total   uint64      `json:"total"`
	Entries []Entry     `json:"top"`
}

// Summary is the terminal view of a report.
type Summary struct {
	Index    string    `json:"index,omitempty"`
	Sections []Section `json:"sections"`
}

var sectionNames = map[string]string{
	flamegraph.PeakBase:        "Peak memory",
	flamegraph.OutOfMemoryBase: "Memory at out-of-memory time",
	flamegraph.PerformanceBase: "Performance",
}

// Summarize keeps the top largest callstacks of every section of res.
func Summarize(res report.Result, top int) Summary {
	sum := Summary{Index: res.Index}
	for _, s := range res.Sections {
		name, ok := sectionNames[s.Base]
		if !ok {
			name = s.Base
		}
		sum.Sections = append(sum.Sections, SummarizeRecords(name, s.Unit, s.Records, top))
	}
	return sum
}

// SummarizeRecords aggregates recs and keeps the top largest callstacks.
func SummarizeRecords(name string, unit record.Unit, recs []record.Record, top int) Section {
	agg := record.Aggregate(recs)
	record.SortBySize(agg)
	sec := Section{Name: name, Unit: unit, Total: record.Total(agg)}
	for i, r := range agg {
		if top > 0 && i >= top {
			break
		}
		if r.Magnitude == 0 {
			break
		}
		e := Entry{
			Where:     where(r),
			Callstack: r.Key(),
			Magnitude: r.Magnitude,
		}
		if sec.Total > 0 {
			e.Share = float64(r.Magnitude) / float64(sec.Total)
		}
		sec.Entries = append(sec.Entries, e)
	}
	return sec
}

func where(r record.Record) string {
	for i := len(r.Frames) - 1; i >= 0; i-- {
		if r.Frames[i].IsSource() {
			return r.Frames[i].String()
		}
	}
	if len(r.Frames) == 0 {
		return record.TokenNoStack
	}
	return r.Frames[len(r.Frames)-1].String()
}
