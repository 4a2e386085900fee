package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/TableDrop/internal/extract"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("document not found")

// DocumentStatus enumerates the lifecycle of a PDF during extraction.
type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusEmpty      DocumentStatus = "empty"
	StatusFailed     DocumentStatus = "failed"
)

// Document represents a row in the documents table.
type Document struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	ObjectKey string `json:"objectKey"`
	// Page is the requested page, nil for all pages.
	Page         *int            `json:"page,omitempty"`
	PageCount    int             `json:"pageCount"`
	Status       DocumentStatus  `json:"status"`
	RowCount     int             `json:"rowCount"`
	CSVKey       *string         `json:"csvKey,omitempty"`
	XLSXKey      *string         `json:"xlsxKey,omitempty"`
	Result       *extract.Result `json:"-"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Selector returns the page selector the document was queued with.
func (d *Document) Selector() extract.PageSelector {
	if d.Page == nil {
		return extract.AllPages()
	}
	return extract.SpecificPage(*d.Page)
}

// Completion is what a successful extraction stores.
type Completion struct {
	CSVKey  string
	XLSXKey string
	Result  extract.Result
}

// DocumentRepository wraps all SQL used throughout the API and worker.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

// NewDocumentRepository constructs a repository.
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

// Create inserts a queued document before processing begins.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.Status = StatusQueued
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents (id, file_name, object_key, page, page_count, status, row_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
	`, doc.ID, doc.FileName, doc.ObjectKey, doc.Page, doc.PageCount, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Get returns a document by id.
func (r *DocumentRepository) Get(ctx context.Context, id string) (*Document, error) {
	var (
		doc      Document
		page     sql.NullInt32
		csvKey   sql.NullString
		xlsxKey  sql.NullString
		result   []byte
		errorMsg sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, file_name, object_key, page, page_count, status, row_count, csv_key, xlsx_key, result, error_message, created_at, updated_at
		FROM documents WHERE id=$1
	`, id)
	if err := row.Scan(&doc.ID, &doc.FileName, &doc.ObjectKey, &page, &doc.PageCount, &doc.Status, &doc.RowCount,
		&csvKey, &xlsxKey, &result, &errorMsg, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("select document: %w", err)
	}
	if page.Valid {
		p := int(page.Int32)
		doc.Page = &p
	}
	if csvKey.Valid {
		key := csvKey.String
		doc.CSVKey = &key
	}
	if xlsxKey.Valid {
		key := xlsxKey.String
		doc.XLSXKey = &key
	}
	if len(result) > 0 {
		var res extract.Result
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
		doc.Result = &res
	}
	if errorMsg.Valid {
		msg := errorMsg.String
		doc.ErrorMessage = &msg
	}
	return &doc, nil
}

// MarkProcessing sets the status to processing.
func (r *DocumentRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, StatusProcessing, nil, nil)
}

// MarkFailed marks the processing attempt as failed and stores the message.
func (r *DocumentRepository) MarkFailed(ctx context.Context, id string, msg string) error {
	return r.updateStatus(ctx, id, StatusFailed, nil, &msg)
}

// MarkEmpty records that no page held table data.
func (r *DocumentRepository) MarkEmpty(ctx context.Context, id string) error {
	return r.updateStatus(ctx, id, StatusEmpty, nil, nil)
}

// MarkCompleted stores the extracted table and the exported object keys.
func (r *DocumentRepository) MarkCompleted(ctx context.Context, id string, c Completion) error {
	return r.updateStatus(ctx, id, StatusCompleted, &c, nil)
}

func (r *DocumentRepository) updateStatus(ctx context.Context, id string, status DocumentStatus, c *Completion, errorMsg *string) error {
	var (
		csvKey, xlsxKey *string
		result          []byte
		rowCount        *int
	)
	if c != nil {
		data, err := json.Marshal(c.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		rows := 0
		if c.Result.Table != nil {
			rows = len(c.Result.Table.Rows)
		}
		csvKey, xlsxKey, result, rowCount = &c.CSVKey, &c.XLSXKey, data, &rows
	}
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET status=$1,
			csv_key = COALESCE($2, csv_key),
			xlsx_key = COALESCE($3, xlsx_key),
			result = COALESCE($4::jsonb, result),
			row_count = COALESCE($5, row_count),
			error_message = $6,
			updated_at=$7
		WHERE id=$8
	`, status, csvKey, xlsxKey, result, rowCount, errorMsg, now, id)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
