package source

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ReadXLSX loads the first sheet of a workbook. The first non-blank row is
// the header.
func ReadXLSX(r io.Reader) (Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeader
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	for i, row := range rows {
		if blank(row) {
			continue
		}
		return &rowsTable{header: row, rows: rows[i+1:], format: "xlsx;" + sheets[0]}, nil
	}
	return nil, ErrNoHeader
}
