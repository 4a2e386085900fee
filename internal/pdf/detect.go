package pdfutil

import (
	"math"
	"sort"
	"strings"

	"github.com/dharsanguruparan/TableDrop/internal/table"
)

// DetectorConfig tunes table detection. Gaps are in multiples of the font
// size (em), tolerances in points.
type DetectorConfig struct {
	// WordGap is the horizontal gap that inserts a space inside a cell.
	WordGap float64
	// CellGap is the horizontal gap that starts a new cell.
	CellGap float64
	// RowTolerance is the baseline difference, in em, still treated as the
	// same line.
	RowTolerance float64
	// MaxRowGap is the vertical distance, in line heights, that ends a table.
	MaxRowGap float64
	// SnapTolerance merges ruling edges closer than this many points.
	SnapTolerance float64
	MinRows       int
	MinCols       int
}

// DefaultDetectorConfig returns the settings used by Open.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		WordGap:       0.15,
		CellGap:       1.25,
		RowTolerance:  0.5,
		MaxRowGap:     2.5,
		SnapTolerance: 3,
		MinRows:       2,
		MinCols:       2,
	}
}

// Glyph is one shown character in user space. Y is the baseline.
type Glyph struct {
	X, Y, W, Size float64
	S             string
}

// Box is an axis-aligned rectangle with X0 <= X1 and Y0 <= Y1.
type Box struct {
	X0, Y0, X1, Y1 float64
}

// NewBox normalizes two corners into a Box.
func NewBox(x0, y0, x1, y1 float64) Box {
	return Box{
		X0: math.Min(x0, x1),
		Y0: math.Min(y0, y1),
		X1: math.Max(x0, x1),
		Y1: math.Max(y0, y1),
	}
}

// fragment is a run of glyphs on one baseline that belongs to one cell.
type fragment struct {
	text   string
	x0, x1 float64
	y      float64
	size   float64
}

type textLine struct {
	y     float64
	size  float64
	frags []fragment
}

// Detect returns the table found among glyphs and ruling boxes, or nil when
// the page has none. A ruled grid wins when one holds text; otherwise the
// largest text-aligned block is returned.
func Detect(glyphs []Glyph, boxes []Box, cfg DetectorConfig) table.Raw {
	lines := buildLines(glyphs, cfg)
	if len(lines) == 0 {
		return nil
	}
	if raw := detectRuled(lines, boxes, cfg); raw != nil {
		return raw
	}
	var best table.Raw
	for _, block := range splitBlocks(lines, cfg) {
		if raw := detectAligned(block, cfg); cellCount(raw) > cellCount(best) {
			best = raw
		}
	}
	return best
}

func cellCount(raw table.Raw) int {
	if len(raw) == 0 {
		return 0
	}
	return len(raw) * len(raw[0])
}

func isSpace(s string) bool {
	return strings.TrimSpace(s) == ""
}

// buildLines groups glyphs by baseline, top to bottom, and merges each line
// into fragments.
func buildLines(glyphs []Glyph, cfg DetectorConfig) []textLine {
	sorted := make([]Glyph, 0, len(glyphs))
	for _, g := range glyphs {
		if g.S == "" {
			continue
		}
		sorted = append(sorted, g)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Y > sorted[j].Y
	})
	var groups [][]Glyph
	var lineY float64
	for _, g := range sorted {
		tol := cfg.RowTolerance * math.Max(g.Size, 1)
		if len(groups) > 0 && math.Abs(lineY-g.Y) <= tol {
			groups[len(groups)-1] = append(groups[len(groups)-1], g)
			continue
		}
		groups = append(groups, []Glyph{g})
		lineY = g.Y
	}
	lines := make([]textLine, 0, len(groups))
	for _, group := range groups {
		frags := mergeFragments(group, cfg)
		if len(frags) == 0 {
			continue
		}
		line := textLine{y: frags[0].y, frags: frags}
		for _, f := range frags {
			line.size = math.Max(line.size, f.size)
		}
		lines = append(lines, line)
	}
	return lines
}

func mergeFragments(glyphs []Glyph, cfg DetectorConfig) []fragment {
	sort.SliceStable(glyphs, func(i, j int) bool {
		return glyphs[i].X < glyphs[j].X
	})
	var frags []fragment
	var cur *fragment
	var text strings.Builder
	pendingSpace := false
	flush := func() {
		if cur != nil {
			cur.text = text.String()
			frags = append(frags, *cur)
		}
		cur = nil
		text.Reset()
	}
	for _, g := range glyphs {
		if isSpace(g.S) {
			pendingSpace = true
			continue
		}
		if cur != nil {
			em := math.Max(g.Size, 1)
			gap := g.X - cur.x1
			switch {
			case gap > cfg.CellGap*em:
				flush()
			case pendingSpace || gap > cfg.WordGap*em:
				text.WriteByte(' ')
			}
		}
		if cur == nil {
			cur = &fragment{x0: g.X, x1: g.X, y: g.Y, size: g.Size}
		}
		text.WriteString(g.S)
		cur.x1 = math.Max(cur.x1, g.X+g.W)
		cur.size = math.Max(cur.size, g.Size)
		pendingSpace = false
	}
	flush()
	return frags
}

// splitBlocks cuts the page into runs of lines without large vertical gaps.
func splitBlocks(lines []textLine, cfg DetectorConfig) [][]textLine {
	var blocks [][]textLine
	start := 0
	for i := 1; i < len(lines); i++ {
		height := math.Max(math.Max(lines[i-1].size, lines[i].size), 1)
		if lines[i-1].y-lines[i].y > cfg.MaxRowGap*height {
			blocks = append(blocks, lines[start:i])
			start = i
		}
	}
	return append(blocks, lines[start:])
}

// detectAligned treats a block as a whitespace-separated table. Columns come
// from lines with at least MinCols cells; edge lines with fewer cells are
// kept only when absorbEdge accepts them.
func detectAligned(block []textLine, cfg DetectorConfig) table.Raw {
	first, last := -1, -1
	for i, line := range block {
		if len(line.frags) >= cfg.MinCols {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil
	}
	var spans []Box
	maxSize := 0.0
	for _, line := range block[first : last+1] {
		if len(line.frags) < cfg.MinCols {
			continue
		}
		maxSize = math.Max(maxSize, line.size)
		for _, f := range line.frags {
			spans = append(spans, Box{X0: f.x0, X1: f.x1})
		}
	}
	columns := mergeSpans(spans, cfg.SnapTolerance)
	if len(columns) < cfg.MinCols {
		return nil
	}
	pitch := rowPitch(block[first : last+1])
	tol := cfg.RowTolerance * math.Max(maxSize, 1)
	for first > 0 && absorbEdge(block[first-1], block[first], columns, maxSize, pitch, tol) {
		first--
	}
	for last < len(block)-1 && absorbEdge(block[last+1], block[last], columns, maxSize, pitch, tol) {
		last++
	}
	block = block[first : last+1]
	if len(block) < cfg.MinRows {
		return nil
	}
	multi := 0
	for _, line := range block {
		if len(line.frags) >= cfg.MinCols {
			multi++
		}
	}
	if multi*2 < len(block) {
		return nil
	}
	raw := make(table.Raw, 0, len(block))
	for _, line := range block {
		row := make([]table.Cell, len(columns))
		for _, f := range line.frags {
			col := nearestSpan(columns, f.x0, f.x1)
			if row[col].Valid {
				row[col].Value += " " + f.text
				continue
			}
			row[col] = table.Text(f.text)
		}
		raw = append(raw, row)
	}
	return raw
}

// rowPitch is the median baseline distance between consecutive lines, or 0
// for a single line.
func rowPitch(lines []textLine) float64 {
	if len(lines) < 2 {
		return 0
	}
	gaps := make([]float64, 0, len(lines)-1)
	for i := 1; i < len(lines); i++ {
		gaps = append(gaps, lines[i-1].y-lines[i].y)
	}
	sort.Float64s(gaps)
	return gaps[len(gaps)/2]
}

// absorbEdge decides whether a line with fewer than MinCols cells next to
// the table body belongs to it. It must sit at the body's row pitch, fit the
// columns, and fill some column other than the first: a header with a blank
// stub cell qualifies, a caption or source note starting at the margin does
// not.
func absorbEdge(line, neighbor textLine, columns []Box, maxSize, pitch, tol float64) bool {
	if pitch > 0 && math.Abs(math.Abs(line.y-neighbor.y)-pitch) > tol {
		return false
	}
	if !fitsColumns(line, columns, maxSize) {
		return false
	}
	for _, f := range line.frags {
		if nearestSpan(columns, f.x0, f.x1) > 0 {
			return true
		}
	}
	return false
}

// fitsColumns reports whether every fragment of line overlaps exactly one
// column and the line is not set larger than the table body.
func fitsColumns(line textLine, columns []Box, maxSize float64) bool {
	if line.size > maxSize+0.5 {
		return false
	}
	for _, f := range line.frags {
		hits := 0
		for _, c := range columns {
			if math.Min(f.x1, c.X1) > math.Max(f.x0, c.X0) {
				hits++
			}
		}
		if hits != 1 {
			return false
		}
	}
	return true
}

func mergeSpans(spans []Box, tol float64) []Box {
	sort.Slice(spans, func(i, j int) bool { return spans[i].X0 < spans[j].X0 })
	var merged []Box
	for _, s := range spans {
		if n := len(merged); n > 0 && s.X0 <= merged[n-1].X1+tol {
			merged[n-1].X1 = math.Max(merged[n-1].X1, s.X1)
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// nearestSpan picks the column overlapping [x0, x1] the most, falling back
// to the closest column center.
func nearestSpan(columns []Box, x0, x1 float64) int {
	best, bestOverlap := -1, 0.0
	for i, c := range columns {
		overlap := math.Min(x1, c.X1) - math.Max(x0, c.X0)
		if overlap > bestOverlap {
			best, bestOverlap = i, overlap
		}
	}
	if best >= 0 {
		return best
	}
	center := (x0 + x1) / 2
	bestDist := math.Inf(1)
	for i, c := range columns {
		if d := math.Abs(center - (c.X0+c.X1)/2); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// detectRuled builds a grid from ruling edges and places fragments into its
// cells by center point. Every grid column is kept; rows without any text
// are dropped.
func detectRuled(lines []textLine, boxes []Box, cfg DetectorConfig) table.Raw {
	var xs, ys []float64
	for _, b := range boxes {
		thinX := b.X1-b.X0 <= cfg.SnapTolerance
		thinY := b.Y1-b.Y0 <= cfg.SnapTolerance
		switch {
		case thinX && thinY:
			continue
		case thinY:
			ys = append(ys, (b.Y0+b.Y1)/2)
		case thinX:
			xs = append(xs, (b.X0+b.X1)/2)
		default:
			xs = append(xs, b.X0, b.X1)
			ys = append(ys, b.Y0, b.Y1)
		}
	}
	xs = snapValues(xs, cfg.SnapTolerance)
	ys = snapValues(ys, cfg.SnapTolerance)
	if len(xs)-1 < cfg.MinCols || len(ys)-1 < cfg.MinRows {
		return nil
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(ys)))

	grid := make([][]cellText, len(ys)-1)
	for i := range grid {
		grid[i] = make([]cellText, len(xs)-1)
	}
	for _, line := range lines {
		for _, f := range line.frags {
			cx := (f.x0 + f.x1) / 2
			cy := f.y + f.size*0.3
			col := locate(xs, cx, false)
			row := locate(ys, cy, true)
			if col < 0 || row < 0 {
				continue
			}
			grid[row][col].add(f)
		}
	}

	var keepRows, keepCols []int
	filled := 0
	for i := range grid {
		for j := range grid[i] {
			if grid[i][j].n > 0 {
				filled++
			}
		}
	}
	if filled < cfg.MinRows+cfg.MinCols-1 {
		return nil
	}
	for i := range grid {
		for j := range grid[i] {
			if grid[i][j].n > 0 {
				keepRows = append(keepRows, i)
				break
			}
		}
	}
	// Columns are positional, so empty ones stay as absent cells.
	for j := range grid[0] {
		keepCols = append(keepCols, j)
	}
	if len(keepRows) < cfg.MinRows || len(keepCols) < cfg.MinCols {
		return nil
	}
	raw := make(table.Raw, 0, len(keepRows))
	for _, i := range keepRows {
		row := make([]table.Cell, 0, len(keepCols))
		for _, j := range keepCols {
			if c := &grid[i][j]; c.n > 0 {
				row = append(row, table.Text(c.text.String()))
				continue
			}
			row = append(row, table.Absent())
		}
		raw = append(raw, row)
	}
	return raw
}

// cellText joins fragments of one grid cell: a space between fragments on
// the same line, a newline between lines.
type cellText struct {
	text  strings.Builder
	lastY float64
	n     int
}

func (c *cellText) add(f fragment) {
	if c.n > 0 {
		if math.Abs(c.lastY-f.y) <= f.size*0.5 {
			c.text.WriteByte(' ')
		} else {
			c.text.WriteByte('\n')
		}
	}
	c.text.WriteString(f.text)
	c.lastY = f.y
	c.n++
}

// snapValues sorts values ascending and collapses runs closer than tol to
// their mean.
func snapValues(values []float64, tol float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	sort.Float64s(values)
	var out []float64
	sum, n := values[0], 1
	for _, v := range values[1:] {
		if v-sum/float64(n) <= tol {
			sum += v
			n++
			continue
		}
		out = append(out, sum/float64(n))
		sum, n = v, 1
	}
	return append(out, sum/float64(n))
}

// locate returns the index of the interval of bounds that contains v, or -1.
// bounds is ascending unless desc is set.
func locate(bounds []float64, v float64, desc bool) int {
	for i := 0; i+1 < len(bounds); i++ {
		lo, hi := bounds[i], bounds[i+1]
		if desc {
			lo, hi = hi, lo
		}
		if v >= lo && v <= hi {
			return i
		}
	}
	return -1
}
