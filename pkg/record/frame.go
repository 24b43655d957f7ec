// Package record models the callstack records emitted by the tracking engine
// and provides the parse, aggregate and filter primitives used by reports.
package record

import (
	"fmt"
	"strconv"
	"strings"
)

// Marker identifies a synthetic frame. Source frames use MarkerNone.
type Marker int

const (
	MarkerNone Marker = iota
	MarkerNoStack
	MarkerThread
	MarkerRunning
	MarkerWaiting
	MarkerUninterruptible
	MarkerOther
)

// Marker tokens as they appear in raw record files.
const (
	TokenNoStack         = "[No Python stack]"
	TokenRunning         = "⬸ Running"
	TokenWaiting         = "⬳ Waiting"
	TokenUninterruptible = "⬳ Uninterruptible wait"
	TokenOther           = "? Other"

	threadPrefix = "[Thread "
	threadSuffix = "]"
)

var markerTokens = map[string]Marker{
	TokenNoStack:         MarkerNoStack,
	TokenRunning:         MarkerRunning,
	TokenWaiting:         MarkerWaiting,
	TokenUninterruptible: MarkerUninterruptible,
	TokenOther:           MarkerOther,
}

// Frame is one entry of a callstack: either a source location or a marker.
type Frame struct {
	Marker   Marker
	File     string
	Function string
	Line     int
	// Thread is set for MarkerThread frames.
	Thread string
}

// SourceFrame returns a frame for a source location.
func SourceFrame(file, function string, line int) Frame {
	return Frame{File: file, Function: function, Line: line}
}

// MarkerFrame returns a synthetic frame. Use ThreadFrame for thread markers.
func MarkerFrame(m Marker) Frame {
	return Frame{Marker: m}
}

// ThreadFrame returns a [Thread <id>] marker frame.
func ThreadFrame(id string) Frame {
	return Frame{Marker: MarkerThread, Thread: id}
}

// IsSource reports whether f is a source location.
func (f Frame) IsSource() bool {
	return f.Marker == MarkerNone
}

// String renders the frame in raw record syntax.
func (f Frame) String() string {
	switch f.Marker {
	case MarkerNone:
		return fmt.Sprintf("%s:%d (%s)", f.File, f.Line, f.Function)
	case MarkerNoStack:
		return TokenNoStack
	case MarkerThread:
		return threadPrefix + f.Thread + threadSuffix
	case MarkerRunning:
		return TokenRunning
	case MarkerWaiting:
		return TokenWaiting
	case MarkerUninterruptible:
		return TokenUninterruptible
	default:
		return TokenOther
	}
}

// parseFrame parses one ';'-separated element of a raw record.
func parseFrame(s string) (Frame, string) {
	if m, ok := markerTokens[s]; ok {
		return MarkerFrame(m), ""
	}
	if strings.HasPrefix(s, threadPrefix) && strings.HasSuffix(s, threadSuffix) {
		id := s[len(threadPrefix) : len(s)-len(threadSuffix)]
		if id == "" {
			return Frame{}, "thread marker without id"
		}
		return ThreadFrame(id), ""
	}

	// path:line (function)
	open := strings.LastIndex(s, " (")
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Frame{}, fmt.Sprintf("frame %q missing \" (function)\"", s)
	}
	function := s[open+2 : len(s)-1]
	location := s[:open]
	colon := strings.LastIndex(location, ":")
	if colon <= 0 {
		return Frame{}, fmt.Sprintf("frame %q missing ':' before line number", s)
	}
	line, err := strconv.Atoi(location[colon+1:])
	if err != nil || line < 0 {
		return Frame{}, fmt.Sprintf("frame %q has non-numeric line", s)
	}
	return SourceFrame(location[:colon], function, line), ""
}
