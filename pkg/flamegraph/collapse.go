package flamegraph

import (
	"fmt"
	"io"
	"sort"

	"github.com/danpilch/peakprof/pkg/record"
)

// WriteCollapsed aggregates records and writes them in folded stack format:
// "frame1;frame2;frame3 magnitude\n", sorted by stack for deterministic output.
func WriteCollapsed(w io.Writer, records []record.Record) error {
	stacks := make(map[string]uint64)
	for _, r := range record.Aggregate(records) {
		if len(r.Frames) == 0 {
			continue
		}
		stacks[r.Key()] += r.Magnitude
	}
	return writeCollapsed(w, stacks)
}

func writeCollapsed(w io.Writer, stacks map[string]uint64) error {
	keys := make([]string, 0, len(stacks))
	for k := range stacks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s %d\n", k, stacks[k]); err != nil {
			return err
		}
	}
	return nil
}
