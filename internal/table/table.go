// Package table holds the tabular types produced by extraction: the raw
// per-page grid, the header-labeled page table and the combined result.
package table

import (
	"encoding/json"
	"errors"
)

// ErrEmpty is returned when a raw table has no header row to label.
var ErrEmpty = errors.New("raw table is empty")

// Cell is a single cell value. Valid is false for an absent cell, which is
// distinct from a present empty string.
type Cell struct {
	Value string
	Valid bool
}

// Text returns a present cell holding s.
func Text(s string) Cell {
	return Cell{Value: s, Valid: true}
}

// Absent returns a cell with no value.
func Absent() Cell {
	return Cell{}
}

// String returns the cell text, "" for absent cells.
func (c Cell) String() string {
	return c.Value
}

// MarshalJSON encodes absent cells as null.
func (c Cell) MarshalJSON() ([]byte, error) {
	if !c.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(c.Value)
}

// UnmarshalJSON accepts a string or null.
func (c *Cell) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = Cell{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Text(s)
	return nil
}

// Raw is the unprocessed output of a per-page extractor. Row 0 is the
// header row by convention.
type Raw [][]Cell

// RawFromStrings builds a Raw table with every cell present.
func RawFromStrings(rows [][]string) Raw {
	raw := make(Raw, len(rows))
	for i, row := range rows {
		raw[i] = make([]Cell, len(row))
		for j, v := range row {
			raw[i][j] = Text(v)
		}
	}
	return raw
}

// Empty reports whether the table lacks a usable header row.
func (r Raw) Empty() bool {
	return len(r) == 0 || len(r[0]) == 0
}

// Labeled is a Raw table reinterpreted as a header plus data rows. Every
// row has exactly len(Header) cells.
type Labeled struct {
	Page   int
	Header []string
	Rows   [][]Cell
}

// Label converts raw into a Labeled table using row 0 as column names.
// Header names are kept positionally, duplicates and blanks included; an
// absent header cell becomes "". Short data rows are padded with absent
// cells and cells past the header width are dropped.
func Label(page int, raw Raw) (Labeled, error) {
	if raw.Empty() {
		return Labeled{}, ErrEmpty
	}
	header := make([]string, len(raw[0]))
	for i, c := range raw[0] {
		header[i] = c.Value
	}
	rows := make([][]Cell, 0, len(raw)-1)
	for _, src := range raw[1:] {
		row := make([]Cell, len(header))
		copy(row, src)
		rows = append(rows, row)
	}
	return Labeled{Page: page, Header: header, Rows: rows}, nil
}
