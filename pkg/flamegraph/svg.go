// Package flamegraph renders callstack records as SVG flame graphs.
package flamegraph

import (
	"fmt"
	"hash/fnv"
	"html"
	"io"
	"sort"
	"strings"

	"github.com/danpilch/peakprof/pkg/record"
)

// SVGOptions configures the flame graph SVG output.
type SVGOptions struct {
	Title       string
	Subtitle    string
	Width       int
	ColorScheme string // "hot", "cold", "mem"
	Unit        record.Unit
	// Reversed draws leaf frames at the root, merging every caller of a function.
	Reversed bool
	// Source, when set, returns the source text for a file and line. It is
	// shown in the tooltip of source frames.
	Source func(file string, line int) string
}

// DefaultSVGOptions returns sensible defaults.
func DefaultSVGOptions() SVGOptions {
	return SVGOptions{
		Title:       "Peak Tracked Memory Usage",
		Width:       1200,
		ColorScheme: "mem",
		Unit:        record.Bytes,
	}
}

// frame represents a stack frame in the flame graph tree.
type frame struct {
	name     string
	source   record.Frame
	value    uint64
	children map[string]*frame
}

func newFrame(name string, src record.Frame) *frame {
	return &frame{
		name:     name,
		source:   src,
		children: make(map[string]*frame),
	}
}

// GenerateSVG renders records as an SVG flame graph. Records do not need to
// be aggregated beforehand.
func GenerateSVG(records []record.Record, svg io.Writer, opts SVGOptions) error {
	if opts.Width == 0 {
		opts.Width = 1200
	}
	if opts.Unit == "" {
		opts.Unit = record.Bytes
	}

	root := newFrame("all", record.Frame{})
	for _, r := range records {
		if r.Magnitude == 0 {
			continue
		}
		if opts.Reversed {
			r = r.Reversed()
		}
		node := root
		for _, f := range r.Frames {
			name := f.String()
			child, ok := node.children[name]
			if !ok {
				child = newFrame(name, f)
				node.children[name] = child
			}
			child.value += r.Magnitude
			node = child
		}
		root.value += r.Magnitude
	}

	if root.value == 0 {
		return fmt.Errorf("no samples found in records")
	}

	frameHeight := 22
	fontSize := 13
	maxDepth := getMaxDepth(root, 0)
	headerHeight := 60
	height := headerHeight + (maxDepth+1)*frameHeight + 20

	title := opts.Title
	if opts.Reversed {
		title += ", Reversed"
	}

	fmt.Fprintf(svg, `<?xml version="1.0" standalone="no"?>
<!DOCTYPE svg PUBLIC "-//W3C//DTD SVG 1.1//EN" "http://www.w3.org/Graphics/SVG/1.1/DTD/svg11.dtd">
<svg version="1.1" width="%d" height="%d" xmlns="http://www.w3.org/2000/svg">
<style>
  .func:hover { stroke:black; stroke-width:0.5; cursor:pointer; }
  text { font-family: monospace; font-size: %dpx; }
</style>
<rect x="0" y="0" width="%d" height="%d" fill="white"/>
<text x="%d" y="20" text-anchor="middle" style="font-size:16px; font-weight:bold;">%s</text>
<text x="%d" y="38" text-anchor="middle" style="font-size:12px; fill:#666;">%s</text>
`,
		opts.Width, height, fontSize,
		opts.Width, height,
		opts.Width/2, html.EscapeString(title),
		opts.Width/2, html.EscapeString(subtitle(opts, root.value)))

	// Inverted layout: root at the top, callees grow downwards.
	margin := 10
	r := renderer{
		w:           svg,
		opts:        opts,
		frameHeight: frameHeight,
		topY:        headerHeight,
		total:       root.value,
	}
	r.render(root, margin, opts.Width-2*margin, 0)

	fmt.Fprintln(svg, "</svg>")
	return nil
}

func subtitle(opts SVGOptions, total uint64) string {
	if opts.Subtitle != "" {
		return opts.Subtitle
	}
	return "(" + opts.Unit.Format(total) + ")"
}

type renderer struct {
	w           io.Writer
	opts        SVGOptions
	frameHeight int
	topY        int
	total       uint64
}

func (r *renderer) render(f *frame, x, width, depth int) {
	if width < 1 || f.value == 0 {
		return
	}

	y := r.topY + depth*r.frameHeight
	red, green, blue := frameColor(f.name, depth, r.opts.ColorScheme)

	fmt.Fprintf(r.w, `<g class="func">
<rect x="%d" y="%d" width="%d" height="%d" fill="rgb(%d,%d,%d)" rx="1"/>
`, x, y, width, r.frameHeight-1, red, green, blue)

	if width > 40 {
		label := f.name
		maxChars := (width - 4) / 8
		if len(label) > maxChars {
			if maxChars > 3 {
				label = label[:maxChars-2] + ".."
			} else {
				label = ""
			}
		}
		if label != "" {
			fmt.Fprintf(r.w, `<text x="%d" y="%d" fill="black">%s</text>
`, x+3, y+r.frameHeight-7, html.EscapeString(label))
		}
	}

	pct := float64(f.value) / float64(r.total) * 100
	tooltip := fmt.Sprintf("%s (%s, %.1f%%)", f.name, r.opts.Unit.Format(f.value), pct)
	if r.opts.Source != nil && f.source.IsSource() {
		if code := strings.TrimSpace(r.opts.Source(f.source.File, f.source.Line)); code != "" {
			tooltip += "\n    " + code
		}
	}
	fmt.Fprintf(r.w, `<title>%s</title>
</g>
`, html.EscapeString(tooltip))

	childNames := make([]string, 0, len(f.children))
	for name := range f.children {
		childNames = append(childNames, name)
	}
	sort.Strings(childNames)

	childX := x
	for _, name := range childNames {
		child := f.children[name]
		childWidth := int(float64(width) * float64(child.value) / float64(f.value))
		if childWidth < 1 {
			childWidth = 1
		}
		r.render(child, childX, childWidth, depth+1)
		childX += childWidth
	}
}

func frameColor(name string, depth int, scheme string) (int, int, int) {
	// Hash the name so the same function keeps its color across graphs.
	h := fnv.New32a()
	h.Write([]byte(name))
	v := int(h.Sum32() % 55)

	switch scheme {
	case "cold":
		g := 50 + (depth*30+v)%150
		b := 150 + (depth*20+v)%100
		return 30, g, b
	case "mem":
		r := 200 + v
		g := 90 + (depth*15+v)%120
		return r, g, 40
	default: // "hot"
		r := 200 + (depth*15+v)%55
		g := 50 + (depth*40+v)%150
		return r, g, 30
	}
}

func getMaxDepth(f *frame, depth int) int {
	max := depth
	for _, child := range f.children {
		d := getMaxDepth(child, depth+1)
		if d > max {
			max = d
		}
	}
	return max
}
