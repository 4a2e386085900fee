package pdfutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	pdf "github.com/ledongthuc/pdf"

	"github.com/dharsanguruparan/TableDrop/internal/table"
)

// ErrPageOutOfRange is matched by every PageRangeError.
var ErrPageOutOfRange = errors.New("page out of range")

// OpenError reports that a source could not be opened as a PDF.
type OpenError struct {
	Source string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open pdf %s: %v", e.Source, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// PageRangeError reports a 1-based page number outside the document.
type PageRangeError struct {
	Page  int
	Count int
}

func (e *PageRangeError) Error() string {
	return fmt.Sprintf("page %d out of range (document has %d pages)", e.Page, e.Count)
}

func (e *PageRangeError) Is(target error) bool { return target == ErrPageOutOfRange }

// PageError reports a failure while reading one page's content.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Document is an open PDF. Close releases the underlying file, if any.
type Document struct {
	reader *pdf.Reader
	closer io.Closer
	pages  int
	config DetectorConfig
}

// Open opens the PDF at path.
func Open(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Source: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &OpenError{Source: path, Err: err}
	}
	doc, err := newDocument(f, info.Size(), path)
	if err != nil {
		f.Close()
		return nil, err
	}
	doc.closer = f
	return doc, nil
}

// OpenBytes opens an in-memory PDF.
func OpenBytes(data []byte) (*Document, error) {
	return newDocument(bytes.NewReader(data), int64(len(data)), "<bytes>")
}

// OpenReader drains r and opens the result.
func OpenReader(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &OpenError{Source: "<reader>", Err: fmt.Errorf("read pdf: %w", err)}
	}
	return OpenBytes(data)
}

func newDocument(ra io.ReaderAt, size int64, source string) (doc *Document, err error) {
	if size == 0 {
		return nil, &OpenError{Source: source, Err: errors.New("empty file")}
	}
	// The reader panics on some corrupt trailers instead of returning errors.
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, &OpenError{Source: source, Err: fmt.Errorf("malformed pdf: %v", r)}
		}
	}()
	reader, err := pdf.NewReader(ra, size)
	if err != nil {
		return nil, &OpenError{Source: source, Err: err}
	}
	return &Document{
		reader: reader,
		pages:  reader.NumPage(),
		config: DefaultDetectorConfig(),
	}, nil
}

// WithDetector replaces the table detection settings.
func (d *Document) WithDetector(cfg DetectorConfig) *Document {
	d.config = cfg
	return d
}

// NumPages returns the page count.
func (d *Document) NumPages() int { return d.pages }

// Close releases the document.
func (d *Document) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}

func (d *Document) page(n int) (pdf.Page, error) {
	if n < 1 || n > d.pages {
		return pdf.Page{}, &PageRangeError{Page: n, Count: d.pages}
	}
	p := d.reader.Page(n)
	if p.V.IsNull() {
		return pdf.Page{}, &PageError{Page: n, Err: errors.New("missing page object")}
	}
	return p, nil
}

// ExtractTable detects the largest table on page n. It returns nil when the
// page holds no table.
func (d *Document) ExtractTable(n int) (raw table.Raw, err error) {
	p, err := d.page(n)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			raw, err = nil, &PageError{Page: n, Err: fmt.Errorf("malformed content: %v", r)}
		}
	}()
	content := p.Content()
	glyphs := make([]Glyph, 0, len(content.Text))
	for _, t := range content.Text {
		glyphs = append(glyphs, Glyph{X: t.X, Y: t.Y, W: t.W, Size: t.FontSize, S: t.S})
	}
	boxes := make([]Box, 0, len(content.Rect))
	for _, r := range content.Rect {
		boxes = append(boxes, NewBox(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y))
	}
	return Detect(glyphs, boxes, d.config), nil
}

// PageText returns the plain text of page n.
func (d *Document) PageText(n int) (text string, err error) {
	p, err := d.page(n)
	if err != nil {
		return "", err
	}
	defer func() {
		if r := recover(); r != nil {
			text, err = "", &PageError{Page: n, Err: fmt.Errorf("malformed content: %v", r)}
		}
	}()
	text, err = p.GetPlainText(nil)
	if err != nil {
		return "", &PageError{Page: n, Err: err}
	}
	return text, nil
}
