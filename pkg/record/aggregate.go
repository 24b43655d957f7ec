package record

import "sort"

// Aggregate groups records by exact frame sequence and sums magnitudes.
// Output keeps the order in which each distinct callstack was first seen.
func Aggregate(records []Record) []Record {
	index := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		key := r.Key()
		if i, ok := index[key]; ok {
			out[i].Magnitude += r.Magnitude
			continue
		}
		index[key] = len(out)
		out = append(out, New(r.Magnitude, r.Frames...))
	}
	return out
}

// Filter drops records whose magnitude is below threshold. A zero threshold
// keeps everything.
func Filter(records []Record, threshold uint64) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Magnitude >= threshold {
			out = append(out, r)
		}
	}
	return out
}

// Total sums the magnitudes of records.
func Total(records []Record) uint64 {
	var total uint64
	for _, r := range records {
		total += r.Magnitude
	}
	return total
}

// SortBySize orders records largest first, ties broken by key.
func SortBySize(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Magnitude != records[j].Magnitude {
			return records[i].Magnitude > records[j].Magnitude
		}
		return records[i].Key() < records[j].Key()
	})
}

const (
	usefulMinimum = 100
	usefulMaximum = 10_000
)

// Useful trims an aggregated set down to what is worth drawing: empty records
// are dropped, then the largest records are kept until 99% of the total is
// covered, with at least 100 and at most 10,000 records.
func Useful(records []Record) []Record {
	sorted := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Magnitude > 0 {
			sorted = append(sorted, r)
		}
	}
	SortBySize(sorted)

	total := Total(sorted)
	var (
		out           []Record
		stored        uint64
		pastThreshold bool
	)
	for _, r := range sorted {
		if len(out) >= usefulMaximum {
			break
		}
		if pastThreshold && len(out) >= usefulMinimum {
			break
		}
		stored += r.Magnitude
		pastThreshold = stored > total*99/100
		out = append(out, r)
	}
	return out
}
