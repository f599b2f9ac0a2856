// Package snapshot parses the relay directory feed: a CSV export wrapped
// in '*' comment lines, with a '#'-prefixed header and ragged data rows.
package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrFormat is returned for any structural violation of the feed text.
var ErrFormat = errors.New("malformed snapshot")

// Data is one parsed snapshot: an ordered header and the data rows, each
// padded to the header's column count.
type Data struct {
	Header []string
	Rows   [][]string
}

// Parse turns raw feed text into a Data value.
//
// Comment lines (first character '*') may only appear as a contiguous
// prefix and/or suffix of the input. The first remaining line must start
// with '#' and is the header; no other line may. Rows shorter than the
// header are right-padded with empty cells, rows longer than the header
// are rejected.
func Parse(text string) (*Data, error) {
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}

	// Strip the leading and trailing comment blocks.
	start, stop := -1, -1
	for i, line := range lines {
		if strings.HasPrefix(line, "*") {
			continue
		}
		if start < 0 {
			start = i
		}
		stop = i + 1
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: no data lines", ErrFormat)
	}
	lines = lines[start:stop]

	for i, line := range lines {
		if strings.HasPrefix(line, "*") {
			return nil, fmt.Errorf("%w: comment inside data section (line %d)", ErrFormat, start+i+1)
		}
		if strings.HasPrefix(line, "#") && i != 0 {
			return nil, fmt.Errorf("%w: unexpected header line %d", ErrFormat, start+i+1)
		}
	}
	if !strings.HasPrefix(lines[0], "#") {
		return nil, fmt.Errorf("%w: missing header line", ErrFormat)
	}

	header, err := parseLine(strings.TrimPrefix(lines[0], "#"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad header: %v", ErrFormat, err)
	}
	nCols := len(header)

	reader := csv.NewReader(strings.NewReader(strings.Join(lines[1:], "\n")))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	rows := make([][]string, 0, len(lines)-1)
	for i := 1; ; i++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: data row %d: %v", ErrFormat, i, err)
		}
		if len(row) > nCols {
			return nil, fmt.Errorf("%w: data row %d has %d columns, header has %d",
				ErrFormat, i, len(row), nCols)
		}
		for len(row) < nCols {
			row = append(row, "")
		}
		rows = append(rows, row)
	}

	return &Data{Header: header, Rows: rows}, nil
}

func parseLine(line string) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.LazyQuotes = true
	return reader.Read()
}
