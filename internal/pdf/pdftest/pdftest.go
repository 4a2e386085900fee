// Package pdftest builds small, valid PDF files in memory for tests. Text is
// set in a monospaced Type1 font (600/1000 em per glyph) so glyph positions
// are predictable.
package pdftest

import (
	"bytes"
	"fmt"
	"strings"
)

// FontSize is the size every Text is drawn at.
const FontSize = 10

// Text draws S with its baseline starting at (X, Y).
type Text struct {
	X, Y float64
	S    string
}

// Rect strokes a rectangle with its lower-left corner at (X, Y).
type Rect struct {
	X, Y, W, H float64
}

// Page is the content of one page.
type Page struct {
	Texts []Text
	Rects []Rect
}

// Row returns Texts for one line of cells, starting each cell at the
// matching x position.
func Row(y float64, xs []float64, cells ...string) []Text {
	out := make([]Text, 0, len(cells))
	for i, c := range cells {
		if c == "" {
			continue
		}
		out = append(out, Text{X: xs[i], Y: y, S: c})
	}
	return out
}

// Table lays out rows top-down starting at top, 20 points apart, one
// column per entry in xs.
func Table(top float64, xs []float64, rows ...[]string) []Text {
	var out []Text
	for i, r := range rows {
		out = append(out, Row(top-float64(i)*20, xs, r...)...)
	}
	return out
}

// Build returns the bytes of a PDF with the given pages.
func Build(pages ...Page) []byte {
	var objects []string
	add := func(body string) int {
		objects = append(objects, body)
		return len(objects)
	}
	catalog := add("")
	tree := add("")
	font := add(fontObject())
	var kids []string
	for _, p := range pages {
		stream := content(p)
		contents := add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
		page := add(fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>", tree, font, contents))
		kids = append(kids, fmt.Sprintf("%d 0 R", page))
	}
	objects[catalog-1] = fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", tree)
	objects[tree-1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages))

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, catalog, xref)
	return buf.Bytes()
}

func fontObject() string {
	widths := make([]string, 126-32+1)
	for i := range widths {
		widths[i] = "600"
	}
	return fmt.Sprintf("<< /Type /Font /Subtype /Type1 /BaseFont /Courier /Encoding /WinAnsiEncoding /FirstChar 32 /LastChar 126 /Widths [%s] >>", strings.Join(widths, " "))
}

func content(p Page) string {
	var b strings.Builder
	for _, r := range p.Rects {
		fmt.Fprintf(&b, "%.2f %.2f %.2f %.2f re S\n", r.X, r.Y, r.W, r.H)
	}
	for _, t := range p.Texts {
		fmt.Fprintf(&b, "BT /F1 %d Tf %.2f %.2f Td (%s) Tj ET\n", FontSize, t.X, t.Y, escape(t.S))
	}
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
