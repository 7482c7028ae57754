// Package store is the row-store adapter behind the identity directory and
// the usage ledger. Tables ("sheets") are addressed by name; row 1 is the
// header and rows/columns are 1-based like a spreadsheet.
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnavailable   = errors.New("record store unavailable")
	ErrSheetNotFound = errors.New("sheet not found")
	ErrColumnMissing = errors.New("column missing from header")
	ErrRowOutOfRange = errors.New("row out of range")
)

// Backend opens sheets by name.
type Backend interface {
	Open(ctx context.Context, name string) (Sheet, error)
}

// Sheet is a single table of string cells.
type Sheet interface {
	Name() string
	// Values returns every row including the header row.
	Values(ctx context.Context) ([][]string, error)
	AppendRow(ctx context.Context, values []string) error
	UpdateCell(ctx context.Context, row, col int, value string) error
}

// CellSwapper is implemented by sheets that can update a cell only when it
// still holds an expected value.
type CellSwapper interface {
	CompareAndSwapCell(ctx context.Context, row, col int, old, value string) (bool, error)
}

// Record is one data row keyed by header name.
type Record struct {
	Row    int
	Fields map[string]string
}

func (r Record) Get(column string) string {
	return r.Fields[column]
}

// Records converts raw values into records keyed by the header row. Rows
// that are entirely empty are skipped.
func Records(values [][]string) (header []string, records []Record) {
	if len(values) == 0 {
		return nil, nil
	}
	header = make([]string, len(values[0]))
	for i, h := range values[0] {
		header[i] = strings.TrimSpace(h)
	}
	for i, row := range values[1:] {
		if blank(row) {
			continue
		}
		fields := make(map[string]string, len(header))
		for col, name := range header {
			if name == "" {
				continue
			}
			if col < len(row) {
				fields[name] = strings.TrimSpace(row[col])
			} else {
				fields[name] = ""
			}
		}
		records = append(records, Record{Row: i + 2, Fields: fields})
	}
	return header, records
}

// ColumnIndex returns the 1-based position of name in header, or 0.
func ColumnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i + 1
		}
	}
	return 0
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
