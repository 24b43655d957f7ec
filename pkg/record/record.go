package record

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Unit is the measurement unit of a record set.
type Unit string

const (
	Bytes   Unit = "bytes"
	Samples Unit = "samples"
)

// Format renders v in unit: "10 MiB" or "1,234 samples".
func (u Unit) Format(v uint64) string {
	if u == Samples {
		return humanize.Comma(int64(v)) + " samples"
	}
	return humanize.IBytes(v)
}

// ErrMalformedRecord is matched by every *MalformedRecordError.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedRecordError identifies the raw line that failed to parse.
type MalformedRecordError struct {
	Line   int
	Text   string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record on line %d: %s", e.Line, e.Reason)
}

// Is makes errors.Is(err, ErrMalformedRecord) match.
func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}

// Record is one measured callstack. Frames are root-first.
type Record struct {
	Frames    []Frame
	Magnitude uint64
}

// New returns a record with a copy of frames.
func New(magnitude uint64, frames ...Frame) Record {
	fs := make([]Frame, len(frames))
	copy(fs, frames)
	return Record{Frames: fs, Magnitude: magnitude}
}

// Key is the grouping identity of the record: the exact frame sequence.
func (r Record) Key() string {
	return joinFrames(r.Frames)
}

// String renders the record as one raw line.
func (r Record) String() string {
	return fmt.Sprintf("%s %d", r.Key(), r.Magnitude)
}

// Reversed returns a leaf-first copy of the record.
func (r Record) Reversed() Record {
	fs := make([]Frame, len(r.Frames))
	for i, f := range r.Frames {
		fs[len(fs)-1-i] = f
	}
	return Record{Frames: fs, Magnitude: r.Magnitude}
}

func joinFrames(frames []Frame) string {
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = f.String()
	}
	return strings.Join(parts, ";")
}
