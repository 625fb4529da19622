package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Record is one data row keyed by sanitized column header.
type Record map[string]string

// Get returns the trimmed value of the first non-empty column among keys.
func (r Record) Get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(r[k]); v != "" {
			return v
		}
	}
	return ""
}

// Table is what a parser produces from a tabular source file.
type Table struct {
	Source  string   // file the rows came from
	Sheet   string   // sheet name for workbooks, empty for CSV
	Headers []string // sanitized headers in column order
	Records []Record
}

// Parser can parse a specific tabular format.
type Parser interface {
	Parse(ctx context.Context, path string) (*Table, error)
	SupportedFormats() []string
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeHeader normalises a column header into a snake_case key:
// "Size (SF)" becomes "size_sf" and "Rent/SF/Year" becomes "rent_sf_year".
func SanitizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = nonAlnumRe.ReplaceAllString(h, "_")
	return strings.Trim(h, "_")
}

// buildTable converts raw rows (first row is the header) into records.
// Blank rows are skipped; short rows are padded with empty values.
func buildTable(source, sheet string, rows [][]string) (*Table, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no header row in %s", filepath.Base(source))
	}

	headers := make([]string, len(rows[0]))
	seen := make(map[string]int)
	for i, h := range rows[0] {
		key := SanitizeHeader(h)
		if key == "" {
			key = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[key]; n > 0 {
			key = fmt.Sprintf("%s_%d", key, n+1)
		}
		seen[SanitizeHeader(h)]++
		headers[i] = key
	}

	t := &Table{Source: source, Sheet: sheet, Headers: headers}
	for _, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		rec := make(Record, len(headers))
		for i, h := range headers {
			if i < len(row) {
				rec[h] = strings.TrimSpace(row[i])
			} else {
				rec[h] = ""
			}
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
