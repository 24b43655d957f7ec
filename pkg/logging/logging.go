// Package logging configures the logrus logger used by the CLI so its lines
// are easy to tell apart from the profiled program's own output.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// Prefix starts every line the tool writes to stderr.
const Prefix = "=peakprof="

// Formatter writes "=peakprof= message key=value ..." lines.
type Formatter struct {
	// ShowLevel adds the level name for warnings and errors.
	ShowLevel bool
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(Prefix)
	b.WriteByte(' ')
	if f.ShowLevel && e.Level <= logrus.WarnLevel {
		fmt.Fprintf(&b, "%s: ", e.Level)
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := e.Data[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// New returns a logger writing prefixed lines to w.
func New(w io.Writer, level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)
	logger.SetFormatter(&Formatter{ShowLevel: true})
	return logger, nil
}
