package source

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DefaultMinColumns is the narrowest header accepted by detection.
const DefaultMinColumns = 3

var utf8BOM = []byte("\xef\xbb\xbf")

// Encoding decodes raw bytes to UTF-8.
type Encoding struct {
	Name   string
	Decode func([]byte) ([]byte, error)
}

var (
	UTF8 = Encoding{Name: "utf-8", Decode: func(b []byte) ([]byte, error) {
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("invalid utf-8")
		}
		return b, nil
	}}
	Windows1252 = Encoding{Name: "windows-1252", Decode: func(b []byte) ([]byte, error) {
		return charmap.Windows1252.NewDecoder().Bytes(b)
	}}
)

// Detector finds the delimiter and encoding of a delimited export.
type Detector struct {
	Delimiters []rune
	Encodings  []Encoding
	MinColumns int
}

func DefaultDetector() Detector {
	return Detector{
		Delimiters: []rune{';', ',', '\t', '|'},
		Encodings:  []Encoding{UTF8, Windows1252},
		MinColumns: DefaultMinColumns,
	}
}

// Detect tries every encoding, and for each every delimiter, returning the
// first combination whose header has at least MinColumns cells.
func (d Detector) Detect(data []byte) (Table, error) {
	minCols := d.MinColumns
	if minCols <= 0 {
		minCols = DefaultMinColumns
	}
	for _, enc := range d.Encodings {
		decoded, err := enc.Decode(data)
		if err != nil {
			continue
		}
		decoded = bytes.TrimPrefix(decoded, utf8BOM)
		for _, delim := range d.Delimiters {
			t, err := newCSVTable(decoded, delim, enc.Name)
			if err != nil {
				continue
			}
			if len(t.header) >= minCols {
				return t, nil
			}
		}
	}
	return nil, ErrNoHeader
}

type csvTable struct {
	r      *csv.Reader
	header []string
	format string
}

func newCSVTable(data []byte, delim rune, encoding string) (*csvTable, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	return &csvTable{r: r, header: header, format: fmt.Sprintf("csv;%s;%q", encoding, delim)}, nil
}

func (t *csvTable) Header() []string { return t.header }
func (t *csvTable) Format() string   { return t.format }

func (t *csvTable) Next() ([]string, error) {
	for {
		row, err := t.r.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		if !blank(row) {
			return row, nil
		}
	}
}
