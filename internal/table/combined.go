package table

// Column identifies a combined column. Occurrence counts earlier columns
// with the same Name in the header the column came from, so duplicate
// names stay distinct and positional.
type Column struct {
	Name       string `json:"name"`
	Occurrence int    `json:"-"`
}

// Row is one data row of a combined table. Cells line up with
// Combined.Columns.
type Row struct {
	Page  int    `json:"page"`
	Cells []Cell `json:"cells"`
}

// Combined is the page-ordered concatenation of labeled tables.
type Combined struct {
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Header returns the column names in order.
func (c *Combined) Header() []string {
	names := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		names[i] = col.Name
	}
	return names
}

// Records returns every row as strings, absent cells rendered as "".
func (c *Combined) Records() [][]string {
	out := make([][]string, len(c.Rows))
	for i, row := range c.Rows {
		rec := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			rec[j] = cell.Value
		}
		out[i] = rec
	}
	return out
}

// RowsFromPage returns the rows that originated from page.
func (c *Combined) RowsFromPage(page int) []Row {
	var rows []Row
	for _, row := range c.Rows {
		if row.Page == page {
			rows = append(rows, row)
		}
	}
	return rows
}

// Concat joins tables in the given order, keeping row order within each
// table. The column set is the union of all headers in order of first
// appearance; a row gets an absent cell for columns its table lacks.
// Concat returns nil when tables is empty.
func Concat(tables ...Labeled) *Combined {
	if len(tables) == 0 {
		return nil
	}
	out := &Combined{Rows: []Row{}}
	index := make(map[Column]int)
	positions := make([][]int, len(tables))
	for t, lt := range tables {
		seen := make(map[string]int, len(lt.Header))
		pos := make([]int, len(lt.Header))
		for i, name := range lt.Header {
			col := Column{Name: name, Occurrence: seen[name]}
			seen[name]++
			idx, ok := index[col]
			if !ok {
				idx = len(out.Columns)
				index[col] = idx
				out.Columns = append(out.Columns, col)
			}
			pos[i] = idx
		}
		positions[t] = pos
	}
	for t, lt := range tables {
		for _, src := range lt.Rows {
			cells := make([]Cell, len(out.Columns))
			for i, cell := range src {
				if i < len(positions[t]) {
					cells[positions[t][i]] = cell
				}
			}
			out.Rows = append(out.Rows, Row{Page: lt.Page, Cells: cells})
		}
	}
	return out
}
