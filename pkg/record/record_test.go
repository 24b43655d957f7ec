package record

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineSourceFrames(t *testing.T) {
	rec, err := ParseLine(1, "app/main.py:24 (<module>);app/main.py:21 (main) 52428800")
	require.NoError(t, err)
	require.Len(t, rec.Frames, 2)
	assert.Equal(t, SourceFrame("app/main.py", "<module>", 24), rec.Frames[0])
	assert.Equal(t, SourceFrame("app/main.py", "main", 21), rec.Frames[1])
	assert.Equal(t, uint64(52428800), rec.Magnitude)
}

func TestParseLineMarkers(t *testing.T) {
	line := "[Thread 7];a.py:1 (f);" + TokenUninterruptible + " 12"
	rec, err := ParseLine(3, line)
	require.NoError(t, err)
	require.Len(t, rec.Frames, 3)
	assert.Equal(t, ThreadFrame("7"), rec.Frames[0])
	assert.Equal(t, MarkerUninterruptible, rec.Frames[2].Marker)
	assert.Equal(t, line, rec.String())

	for _, tok := range []string{TokenNoStack, TokenRunning, TokenWaiting, TokenOther} {
		rec, err := ParseLine(1, tok+" 5")
		require.NoError(t, err, tok)
		assert.Equal(t, tok, rec.Frames[0].String())
	}
}

func TestParseLinePathsWithSpacesAndColons(t *testing.T) {
	rec, err := ParseLine(1, "C:/my dir/x.py:10 (do it) 3")
	require.NoError(t, err)
	assert.Equal(t, "C:/my dir/x.py", rec.Frames[0].File)
	assert.Equal(t, "do it", rec.Frames[0].Function)
	assert.Equal(t, 10, rec.Frames[0].Line)
}

func TestParseLineMalformed(t *testing.T) {
	cases := map[string]string{
		"no magnitude":      "a.py:1 (f)",
		"non-numeric size":  "a.py:1 (f) 12kb",
		"negative size":     "a.py:1 (f) -3",
		"missing function":  "a.py:1 4",
		"missing line":      "a.py (f) 4",
		"non-numeric line":  "a.py:x (f) 4",
		"empty stack":       " 4",
		"empty thread id":   "[Thread ] 4",
		"empty inner frame": "a.py:1 (f);;b.py:2 (g) 4",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLine(9, line)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRecord))
			var mr *MalformedRecordError
			require.True(t, errors.As(err, &mr))
			assert.Equal(t, 9, mr.Line)
			assert.Equal(t, line, mr.Text)
		})
	}
}

func TestParseReportsLineNumber(t *testing.T) {
	input := "a.py:1 (f) 1\n\nb.py:2 (g) two\n"
	_, err := Parse(strings.NewReader(input))
	var mr *MalformedRecordError
	require.True(t, errors.As(err, &mr))
	assert.Equal(t, 3, mr.Line)
}

func TestAggregateExactSequenceOnly(t *testing.T) {
	f := SourceFrame("a.py", "f", 1)
	g := SourceFrame("a.py", "g", 2)
	records := []Record{
		New(10, f, g),
		New(5, f),
		New(7, f, g),
		New(1, g, f),
	}
	agg := Aggregate(records)
	require.Len(t, agg, 3)
	assert.Equal(t, uint64(17), agg[0].Magnitude)
	assert.Equal(t, uint64(5), agg[1].Magnitude)
	assert.Equal(t, uint64(1), agg[2].Magnitude)
	assert.Equal(t, Total(records), Total(agg))
}

func TestAggregateIsIdempotentThroughRawFormat(t *testing.T) {
	input := strings.Join([]string{
		"x.py:1 (main);x.py:5 (load) 100",
		"[No Python stack] 30",
		"x.py:1 (main);x.py:5 (load) 50",
		"x.py:1 (main);x.py:9 (save) 20",
	}, "\n")
	parsed, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	once := Aggregate(parsed)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, once))
	reparsed, err := Parse(&buf)
	require.NoError(t, err)

	assert.Equal(t, once, Aggregate(reparsed))
	assert.Equal(t, once, Aggregate(once))
}

func TestFilterIsCallerControlled(t *testing.T) {
	records := []Record{
		New(1, MarkerFrame(MarkerNoStack)),
		New(40, SourceFrame("a.py", "f", 1)),
		New(4096, SourceFrame("a.py", "g", 2)),
	}
	assert.Len(t, Filter(records, 0), 3)
	assert.Len(t, Filter(records, 40), 2)
	assert.Len(t, Filter(records, 5000), 0)
}

func TestUsefulKeepsAtLeastOneHundred(t *testing.T) {
	var records []Record
	records = append(records, New(1_000_000, SourceFrame("big.py", "f", 1)))
	for i := 0; i < 300; i++ {
		records = append(records, New(1, SourceFrame("small.py", fmt.Sprintf("f%d", i), i)))
	}
	records = append(records, New(0, SourceFrame("empty.py", "f", 1)))

	useful := Useful(records)
	assert.Len(t, useful, 100)
	assert.Equal(t, "big.py", useful[0].Frames[0].File)
	for _, r := range useful {
		assert.NotZero(t, r.Magnitude)
	}
}

func TestUsefulStopsAtNinetyNinePercent(t *testing.T) {
	var records []Record
	for i := 0; i < 150; i++ {
		records = append(records, New(100, SourceFrame("a.py", fmt.Sprintf("f%d", i), i)))
	}
	for i := 0; i < 50; i++ {
		records = append(records, New(1, SourceFrame("b.py", fmt.Sprintf("g%d", i), i)))
	}
	useful := Useful(records)
	// 149 records of 100 reach 14900 / 15050 > 99%.
	assert.Len(t, useful, 149)
}

func TestReversed(t *testing.T) {
	f := SourceFrame("a.py", "f", 1)
	g := SourceFrame("a.py", "g", 2)
	r := New(3, f, g).Reversed()
	assert.Equal(t, []Frame{g, f}, r.Frames)
	assert.Equal(t, uint64(3), r.Magnitude)
}

func TestUnitFormat(t *testing.T) {
	assert.Equal(t, "10 MiB", Bytes.Format(10<<20))
	assert.Equal(t, "1,234 samples", Samples.Format(1234))
}
