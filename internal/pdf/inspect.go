package pdfutil

import (
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Info summarizes a validated PDF.
type Info struct {
	Pages int `json:"pages"`
}

// Inspect validates the PDF structure in rs with pdfcpu's relaxed rules and
// returns its page count. A failure is reported as *OpenError.
func Inspect(rs io.ReadSeeker) (Info, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(rs, conf); err != nil {
		return Info{}, &OpenError{Source: "<upload>", Err: fmt.Errorf("validate: %w", err)}
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return Info{}, fmt.Errorf("rewind pdf: %w", err)
	}
	pages, err := api.PageCount(rs, conf)
	if err != nil {
		return Info{}, &OpenError{Source: "<upload>", Err: fmt.Errorf("page count: %w", err)}
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return Info{}, fmt.Errorf("rewind pdf: %w", err)
	}
	return Info{Pages: pages}, nil
}
