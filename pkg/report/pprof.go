package report

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"github.com/danpilch/peakprof/pkg/record"
)

// PprofName is the pprof export name for an artifact base name.
func PprofName(base string) string { return base + ".pb.gz" }

// ToProfile converts records into a pprof profile. Marker frames become
// functions named after their token.
func ToProfile(records []record.Record, unit record.Unit) *profile.Profile {
	prof := &profile.Profile{}
	if unit == record.Samples {
		prof.SampleType = []*profile.ValueType{{Type: "samples", Unit: "count"}}
		prof.PeriodType = &profile.ValueType{Type: "samples", Unit: "count"}
		prof.Period = 1
	} else {
		prof.SampleType = []*profile.ValueType{{Type: "inuse_space", Unit: "bytes"}}
		prof.PeriodType = &profile.ValueType{Type: "space", Unit: "bytes"}
		prof.Period = 1
	}

	locations := make(map[string]*profile.Location)
	functions := make(map[string]*profile.Function)

	location := func(f record.Frame) *profile.Location {
		key := f.String()
		if loc, ok := locations[key]; ok {
			return loc
		}
		fnKey := f.File + "\x00" + f.Function
		name := f.Function
		if !f.IsSource() {
			fnKey = key
			name = key
		}
		fn, ok := functions[fnKey]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(prof.Function) + 1),
				Name:       name,
				SystemName: name,
				Filename:   f.File,
			}
			functions[fnKey] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(prof.Location) + 1),
			Line: []profile.Line{{Function: fn, Line: int64(f.Line)}},
		}
		locations[key] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	for _, r := range record.Aggregate(records) {
		if r.Magnitude == 0 {
			continue
		}
		// pprof stacks are leaf first.
		locs := make([]*profile.Location, 0, len(r.Frames))
		for i := len(r.Frames) - 1; i >= 0; i-- {
			locs = append(locs, location(r.Frames[i]))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{int64(r.Magnitude)},
		})
	}
	return prof
}

// WritePprof writes records as a gzipped pprof profile.
func WritePprof(w io.Writer, records []record.Record, unit record.Unit) error {
	if err := ToProfile(records, unit).Write(w); err != nil {
		return fmt.Errorf("cannot write pprof profile: %w", err)
	}
	return nil
}
