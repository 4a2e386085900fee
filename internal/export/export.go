// Package export encodes a combined table as CSV or XLSX.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dharsanguruparan/TableDrop/internal/table"
)

// SheetName is the worksheet written by WriteXLSX.
const SheetName = "Extracted"

// ErrUnknownFormat is returned for a format other than csv or xlsx.
var ErrUnknownFormat = errors.New("unknown export format")

// Format is a download format.
type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
)

// ParseFormat accepts "csv", "xlsx" and "excel", ignoring case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return CSV, nil
	case "xlsx", "excel":
		return XLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if f == XLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// FileName returns the download file name.
func (f Format) FileName() string {
	return "extracted_table." + string(f)
}

// Encode renders tbl in the given format.
func Encode(f Format, tbl *table.Combined) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch f {
	case CSV:
		err = WriteCSV(&buf, tbl)
	case XLSX:
		err = WriteXLSX(&buf, tbl)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteCSV writes the header line followed by one line per row. Absent
// cells are written as empty fields.
func WriteCSV(w io.Writer, tbl *table.Combined) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tbl.Header()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.WriteAll(tbl.Records()); err != nil {
		return fmt.Errorf("write csv rows: %w", err)
	}
	return nil
}

// ReadCSV parses CSV written by WriteCSV. Every cell comes back present.
func ReadCSV(r io.Reader) (*table.Combined, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, table.ErrEmpty
	}
	lt, err := table.Label(0, table.RawFromStrings(records))
	if err != nil {
		return nil, err
	}
	return table.Concat(lt), nil
}

// WriteXLSX writes a workbook with a single sheet holding the header row
// and the data rows. Absent cells are left blank.
func WriteXLSX(w io.Writer, tbl *table.Combined) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close workbook: %w", cerr)
		}
	}()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	header := make([]interface{}, len(tbl.Columns))
	for i, col := range tbl.Columns {
		header[i] = col.Name
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header row: %w", err)
	}
	for i, row := range tbl.Rows {
		values := make([]interface{}, len(row.Cells))
		for j, c := range row.Cells {
			if c.Valid {
				values[j] = c.Value
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
