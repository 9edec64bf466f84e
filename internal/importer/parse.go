package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/eargollo/cfss/internal/circuit"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseStats describes how a source file mapped onto the allow-list.
type ParseStats struct {
	Rows           int      `json:"rows"`
	BadLengths     int      `json:"bad_lengths"`
	MissingColumns []string `json:"missing_columns,omitempty"`
	IgnoredColumns []string `json:"ignored_columns,omitempty"`
}

// ParseFile opens and parses a circuit source file.
func ParseFile(path string) ([]circuit.Record, ParseStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ParseStats{}, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	records, stats, err := Parse(f)
	if err != nil {
		return nil, stats, fmt.Errorf("parse %q: %w", path, err)
	}
	return records, stats, nil
}

// Parse reads comma-separated circuit rows. Headers are matched against the
// allow-list after normalisation; unknown columns are ignored and missing
// ones read as "N/A". An unparsable or negative length becomes 0 so the row
// contributes to no jumper sequence.
func Parse(r io.Reader) ([]circuit.Record, ParseStats, error) {
	var stats ParseStats

	br := bufio.NewReader(r)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, stats, nil
	}
	if err != nil {
		return nil, stats, fmt.Errorf("read header: %w", err)
	}

	allowed := make(map[string]bool, len(circuit.Columns))
	for _, c := range circuit.Columns {
		allowed[c] = true
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		n := circuit.NormalizeHeader(h)
		if !allowed[n] {
			if n != "" {
				stats.IgnoredColumns = append(stats.IgnoredColumns, h)
			}
			continue
		}
		if _, dup := index[n]; !dup {
			index[n] = i
		}
	}
	for _, c := range circuit.Columns {
		if _, ok := index[c]; !ok {
			stats.MissingColumns = append(stats.MissingColumns, c)
		}
	}

	textCols := circuit.TextColumns()
	lengthCol, hasLength := index["length"]

	var out []circuit.Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("read row %d: %w", len(out)+1, err)
		}

		var rec circuit.Record
		for i, f := range rec.TextFields() {
			*f = cell(row, index, textCols[i])
		}
		if hasLength && lengthCol < len(row) {
			var ok bool
			rec.Length, ok = parseLength(row[lengthCol])
			if !ok {
				stats.BadLengths++
			}
		}
		out = append(out, rec)
	}
	stats.Rows = len(out)
	return out, stats, nil
}

func cell(row []string, index map[string]int, col string) string {
	i, ok := index[col]
	if !ok || i >= len(row) {
		return circuit.NotAvailable
	}
	return strings.TrimSpace(row[i])
}

// parseLength accepts non-negative integers only; anything else, "4.0"
// included, is malformed. Blank and N/A read as 0 without counting as
// malformed.
func parseLength(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, circuit.NotAvailable) {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
