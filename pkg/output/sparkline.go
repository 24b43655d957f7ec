package output

import "strings"

// blocks from emptiest to fullest
var blocks = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// level maps a fraction in [0, 1] onto an index into blocks.
func level(frac float64) int {
	switch {
	case frac <= 0:
		return 0
	case frac >= 1:
		return len(blocks) - 1
	}
	return int(frac * float64(len(blocks)-1))
}

// renderSparkline draws one block per entry magnitude, relative to the
// largest entry of the section.
func renderSparkline(magnitudes []float64) string {
	var largest float64
	for _, m := range magnitudes {
		if m > largest {
			largest = m
		}
	}

	var b strings.Builder
	for _, m := range magnitudes {
		frac := 0.0
		if largest > 0 {
			frac = m / largest
		}
		b.WriteRune(blocks[level(frac)])
	}
	return b.String()
}

// shareBar draws share as full blocks over width cells.
func shareBar(share float64, width int) string {
	full := int(share * float64(width))
	if full < 0 {
		full = 0
	}
	if full > width {
		full = width
	}
	return strings.Repeat(string(blocks[len(blocks)-1]), full) + strings.Repeat(" ", width-full)
}
