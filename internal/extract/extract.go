// Package extract turns the tables found on a PDF's pages into a single
// combined table.
package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TableDrop/internal/logging"
	pdfutil "github.com/dharsanguruparan/TableDrop/internal/pdf"
	"github.com/dharsanguruparan/TableDrop/internal/table"
)

// Document is an open PDF as seen by the aggregator.
type Document interface {
	NumPages() int
	ExtractTable(page int) (table.Raw, error)
	Close() error
}

// Opener opens a Source. Failures should be reported as *pdfutil.OpenError.
type Opener interface {
	Open(src Source) (Document, error)
}

// Source names the document to read: a file path or in-memory bytes.
type Source struct {
	path string
	data []byte
}

// FileSource reads the PDF at path.
func FileSource(path string) Source { return Source{path: path} }

// BytesSource reads an in-memory PDF.
func BytesSource(data []byte) Source { return Source{data: data} }

// Path returns the file path, "" for byte sources.
func (s Source) Path() string { return s.path }

// Bytes returns the in-memory data, nil for file sources.
func (s Source) Bytes() []byte { return s.data }

func (s Source) String() string {
	if s.path != "" {
		return s.path
	}
	return fmt.Sprintf("<%d bytes>", len(s.data))
}

// Result is the outcome of ExtractTables. The zero Result means no page
// produced table data.
type Result struct {
	Table *table.Combined `json:"table"`
	Pages []int           `json:"pages"`
}

// Found reports whether any table data was extracted.
func (r Result) Found() bool { return r.Table != nil }

// PDFOpener opens sources with pdfutil.
type PDFOpener struct {
	Detector pdfutil.DetectorConfig
}

// NewPDFOpener returns an opener using the default detector settings.
func NewPDFOpener() PDFOpener {
	return PDFOpener{Detector: pdfutil.DefaultDetectorConfig()}
}

func (o PDFOpener) Open(src Source) (Document, error) {
	var (
		doc *pdfutil.Document
		err error
	)
	if src.data != nil || src.path == "" {
		doc, err = pdfutil.OpenBytes(src.data)
	} else {
		doc, err = pdfutil.Open(src.path)
	}
	if err != nil {
		return nil, err
	}
	return doc.WithDetector(o.Detector), nil
}

// Aggregator runs the per-page extractor over the selected pages.
type Aggregator struct {
	opener Opener
	logger logrus.FieldLogger
}

// New builds an Aggregator. A nil logger discards output.
func New(opener Opener, logger logrus.FieldLogger) *Aggregator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Aggregator{opener: opener, logger: logger}
}

// ExtractTables opens src, extracts a table from every page chosen by sel
// and concatenates the non-empty ones in page order, using each table's
// first row as its header. A zero Result with a nil error means nothing was
// found. A page outside the document fails with *pdfutil.PageRangeError; a
// page that cannot be read fails the whole call with *pdfutil.PageError.
func (a *Aggregator) ExtractTables(ctx context.Context, src Source, sel PageSelector) (Result, error) {
	doc, err := a.opener.Open(src)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := doc.Close(); cerr != nil {
			a.logger.WithError(cerr).WithField("source", src.String()).Warn("close document")
		}
	}()

	pages, err := targetPages(sel, doc.NumPages())
	if err != nil {
		return Result{}, err
	}

	var (
		tables      []table.Labeled
		contributed []int
	)
	for _, n := range pages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		raw, err := doc.ExtractTable(n)
		if err != nil {
			return Result{}, pageError(n, err)
		}
		if raw.Empty() {
			a.logger.WithField("page", n).Debug("no table on page")
			continue
		}
		lt, err := table.Label(n, raw)
		if err != nil {
			return Result{}, pageError(n, err)
		}
		tables = append(tables, lt)
		contributed = append(contributed, n)
	}

	if len(tables) == 0 {
		return Result{}, nil
	}
	combined := table.Concat(tables...)
	a.logger.WithFields(logrus.Fields{
		"source": src.String(),
		"pages":  contributed,
		"rows":   len(combined.Rows),
	}).Info("tables extracted")
	return Result{Table: combined, Pages: contributed}, nil
}

func targetPages(sel PageSelector, count int) ([]int, error) {
	if n, ok := sel.Page(); ok {
		if n < 1 || n > count {
			return nil, &pdfutil.PageRangeError{Page: n, Count: count}
		}
		return []int{n}, nil
	}
	pages := make([]int, count)
	for i := range pages {
		pages[i] = i + 1
	}
	return pages, nil
}

func pageError(n int, err error) error {
	var pe *pdfutil.PageError
	var re *pdfutil.PageRangeError
	if errors.As(err, &pe) || errors.As(err, &re) {
		return err
	}
	return &pdfutil.PageError{Page: n, Err: err}
}
