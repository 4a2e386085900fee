// Package model contains the record types shared by the interactive server
// and its stores.
package model

import (
	"time"

	"github.com/dharsanguruparan/TableDrop/internal/table"
)

// FileStatus describes where an uploaded PDF is in its lifecycle.
type FileStatus string

const (
	StatusUploaded   FileStatus = "uploaded"
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusEmpty      FileStatus = "empty"
	StatusFailed     FileStatus = "failed"
)

// Messages shown after an extraction.
const (
	MessageExtracted = "Table extracted successfully!"
	MessageNoTable   = "No table data found in the selected PDF/page."
)

// FileRecord holds metadata about an uploaded PDF and its latest extraction.
type FileRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ContentType string     `json:"contentType"`
	Path        string     `json:"-"`
	Pages       int        `json:"pages"`
	Status      FileStatus `json:"status"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	// Selection is the page selector of the latest extraction, "all" or a
	// page number.
	Selection   string          `json:"selection,omitempty"`
	ResultPages []int           `json:"resultPages,omitempty"`
	Result      *table.Combined `json:"-"`
}

// HasResult reports whether the latest extraction produced a table.
func (r *FileRecord) HasResult() bool {
	return r.Result != nil
}
