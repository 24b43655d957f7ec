package record

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseLine parses "frame_1;...;frame_n MAGNITUDE". lineNo is only used for
// error reporting.
func ParseLine(lineNo int, line string) (Record, error) {
	malformed := func(reason string) error {
		return &MalformedRecordError{Line: lineNo, Text: line, Reason: reason}
	}

	sep := strings.LastIndexByte(line, ' ')
	if sep < 0 {
		return Record{}, malformed("missing magnitude")
	}
	stack, size := line[:sep], line[sep+1:]
	magnitude, err := strconv.ParseUint(size, 10, 64)
	if err != nil {
		return Record{}, malformed(fmt.Sprintf("magnitude %q is not a decimal integer", size))
	}
	if stack == "" {
		return Record{}, malformed("record has no frames")
	}

	parts := strings.Split(stack, ";")
	frames := make([]Frame, 0, len(parts))
	for _, part := range parts {
		f, reason := parseFrame(part)
		if reason != "" {
			return Record{}, malformed(reason)
		}
		frames = append(frames, f)
	}
	return Record{Frames: frames, Magnitude: magnitude}, nil
}

// Parse reads every non-blank line of r.
func Parse(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseLine(lineNo, line)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read records: %w", err)
	}
	return records, nil
}

// ParseFile parses the raw record file at path.
func ParseFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// Write renders records one per line in raw format.
func Write(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		if _, err := fmt.Fprintln(bw, r.String()); err != nil {
			return err
		}
	}
	return bw.Flush()
}
