/*
Package source loads tabular exports into a header plus row iterator.

PURPOSE:
  The ingestion core only needs Table: a header row and a way to pull data
  rows. How the bytes were decoded is not its concern. This package owns
  that: delimiter and encoding detection for delimited text, and first-sheet
  extraction for .xlsx workbooks.

DETECTION:
  Exports arrive as ";"-separated Windows-1252 files from one system and
  ","-separated UTF-8 from another. Detector tries (delimiter, encoding)
  pairs in priority order and keeps the first whose header row has at least
  MinColumns cells. UTF-8 is skipped for input that is not valid UTF-8.

SEE ALSO:
  - ingest/ingestor.go: Consumer of Table
*/
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoHeader is returned when no (delimiter, encoding) pair yields a usable
// header row.
var ErrNoHeader = errors.New("no usable header row")

// Table is a header row and a forward-only row iterator. Next returns io.EOF
// after the last row.
type Table interface {
	Header() []string
	Next() ([]string, error)
	// Format describes how the input was decoded, e.g. "csv;windows-1252".
	Format() string
}

// Open loads path, choosing the reader by extension.
func Open(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	t, err := FromBytes(filepath.Base(path), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// FromReader loads r; name is used only to pick the format.
func FromReader(name string, r io.Reader) (Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return FromBytes(name, data)
}

// FromBytes decodes data as XLSX when name says so or the bytes carry the
// zip signature, and as delimited text otherwise.
func FromBytes(name string, data []byte) (Table, error) {
	if IsWorkbook(name) || bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return ReadXLSX(bytes.NewReader(data))
	}
	return DefaultDetector().Detect(data)
}

// IsWorkbook reports whether name has a spreadsheet extension.
func IsWorkbook(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return true
	}
	return false
}

// Supported reports whether name has an extension this package can load.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt", ".tsv", ".xlsx", ".xlsm":
		return true
	}
	return false
}

// =============================================================================
// IN-MEMORY TABLE
// =============================================================================

type rowsTable struct {
	header []string
	rows   [][]string
	pos    int
	format string
}

// FromRows wraps already-split rows.
func FromRows(header []string, rows [][]string) Table {
	return &rowsTable{header: header, rows: rows, format: "rows"}
}

func (t *rowsTable) Header() []string { return t.header }
func (t *rowsTable) Format() string   { return t.format }

func (t *rowsTable) Next() ([]string, error) {
	for t.pos < len(t.rows) {
		row := t.rows[t.pos]
		t.pos++
		if !blank(row) {
			return row, nil
		}
	}
	return nil, io.EOF
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
