// Package output renders report summaries for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/danpilch/peakprof/pkg/record"
)

// Format represents the output format type.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatTSV   Format = "tsv"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatTable, FormatJSON, FormatTSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want table, json or tsv)", s)
}

// Formatter handles output formatting.
type Formatter struct {
	format Format
	writer io.Writer
}

// NewFormatter creates a new formatter.
func NewFormatter(format Format, writer io.Writer) *Formatter {
	return &Formatter{
		format: format,
		writer: writer,
	}
}

// Render outputs the summary in the configured format.
func (f *Formatter) Render(sum Summary) error {
	switch f.format {
	case FormatJSON:
		return f.renderJSON(sum)
	case FormatTSV:
		return f.renderTSV(sum)
	default:
		return f.renderTable(sum)
	}
}

func (f *Formatter) renderJSON(sum Summary) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	shareHigh = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	shareMid  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	shareLow  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func shareStyle(share float64) lipgloss.Style {
	switch {
	case share >= 0.5:
		return shareHigh
	case share >= 0.2:
		return shareMid
	default:
		return shareLow
	}
}

func (f *Formatter) renderTable(sum Summary) error {
	for i, sec := range sum.Sections {
		if i > 0 {
			fmt.Fprintln(f.writer)
		}
		values := make([]float64, len(sec.Entries))
		for j, e := range sec.Entries {
			values[j] = float64(e.Magnitude)
		}
		fmt.Fprintf(f.writer, "%s %s %s\n",
			titleStyle.Render(sec.Name+":"),
			sec.Unit.Format(sec.Total),
			dimStyle.Render(renderSparkline(values)))
		fmt.Fprintln(f.writer, dimStyle.Render(strings.Repeat("═", 60)))

		rows := make([][]string, len(sec.Entries))
		for j, e := range sec.Entries {
			rows[j] = []string{
				sec.Unit.Format(e.Magnitude),
				shareStyle(e.Share).Render(fmt.Sprintf("%5.1f%% %s", 100*e.Share, shareBar(e.Share, 10))),
				e.Where,
			}
		}
		size := "SIZE"
		if sec.Unit == record.Samples {
			size = "SAMPLES"
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(dimStyle).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			}).
			Headers(size, "SHARE", "WHERE").
			Rows(rows...)
		fmt.Fprintln(f.writer, t)
	}
	if sum.Index != "" {
		fmt.Fprintf(f.writer, "Full report: %s\n", sum.Index)
	}
	return nil
}

func (f *Formatter) renderTSV(sum Summary) error {
	fmt.Fprintln(f.writer, "SECTION\tUNIT\tMAGNITUDE\tSHARE\tWHERE\tCALLSTACK")
	for _, sec := range sum.Sections {
		for _, e := range sec.Entries {
			fmt.Fprintf(f.writer, "%s\t%s\t%d\t%.4f\t%s\t%s\n",
				sec.Name, sec.Unit, e.Magnitude, e.Share, e.Where, e.Callstack)
		}
	}
	return nil
}
