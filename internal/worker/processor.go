package worker

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TableDrop/internal/export"
	"github.com/dharsanguruparan/TableDrop/internal/extract"
	pdfutil "github.com/dharsanguruparan/TableDrop/internal/pdf"
	"github.com/dharsanguruparan/TableDrop/internal/queue"
	"github.com/dharsanguruparan/TableDrop/internal/repository"
)

// Documents is the subset of *repository.DocumentRepository the worker uses.
type Documents interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, msg string) error
	MarkEmpty(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, c repository.Completion) error
}

// Objects is the subset of *s3storage.Storage the worker uses.
type Objects interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
	UploadExport(ctx context.Context, objectKey string, format export.Format, data []byte) error
}

// Extractor is satisfied by *extract.Aggregator.
type Extractor interface {
	ExtractTables(ctx context.Context, src extract.Source, sel extract.PageSelector) (extract.Result, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	repo      Documents
	store     Objects
	extractor Extractor
	logger    logrus.FieldLogger
}

// NewProcessor constructs a worker processor.
func NewProcessor(repo Documents, store Objects, extractor Extractor, logger logrus.FieldLogger) *Processor {
	return &Processor{repo: repo, store: store, extractor: extractor, logger: logger}
}

// Handler registers the extract job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ExtractDocumentTask, p.HandleExtract)
	return mux
}

// HandleExtract downloads the uploaded PDF, extracts its tables and stores
// CSV and XLSX exports. Unreadable documents and bad page numbers are not
// retried.
func (p *Processor) HandleExtract(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseExtractPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := p.logger.WithField("document", payload.DocumentID)
	failure := func(err error) error {
		log.WithError(err).Warn("extract failed")
		_ = p.repo.MarkFailed(ctx, payload.DocumentID, err.Error())
		if permanent(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if err := p.repo.MarkProcessing(ctx, payload.DocumentID); err != nil {
		return failure(err)
	}
	data, err := p.store.DownloadRaw(ctx, payload.ObjectKey)
	if err != nil {
		return failure(err)
	}
	sel := extract.AllPages()
	if payload.Page > 0 {
		sel = extract.SpecificPage(payload.Page)
	}
	res, err := p.extractor.ExtractTables(ctx, extract.BytesSource(data), sel)
	if err != nil {
		return failure(err)
	}
	if !res.Found() {
		log.Info("no table data found")
		if err := p.repo.MarkEmpty(ctx, payload.DocumentID); err != nil {
			return failure(err)
		}
		return nil
	}

	keys := make(map[export.Format]string, 2)
	for _, format := range []export.Format{export.CSV, export.XLSX} {
		encoded, err := export.Encode(format, res.Table)
		if err != nil {
			return failure(err)
		}
		key := ExportKey(payload.DocumentID, format)
		if err := p.store.UploadExport(ctx, key, format, encoded); err != nil {
			return failure(err)
		}
		keys[format] = key
	}
	completion := repository.Completion{CSVKey: keys[export.CSV], XLSXKey: keys[export.XLSX], Result: res}
	if err := p.repo.MarkCompleted(ctx, payload.DocumentID, completion); err != nil {
		return failure(err)
	}
	log.WithFields(logrus.Fields{"pages": res.Pages, "rows": len(res.Table.Rows)}).Info("document processed")
	return nil
}

// ExportKey is the processed-bucket object key of a document's export.
func ExportKey(documentID string, format export.Format) string {
	return path.Join("exports", documentID, format.FileName())
}

// permanent reports errors that would fail the same way on every retry:
// unreadable documents, bad page numbers and malformed page content.
func permanent(err error) bool {
	var openErr *pdfutil.OpenError
	var pageErr *pdfutil.PageError
	return errors.As(err, &openErr) || errors.As(err, &pageErr) || errors.Is(err, pdfutil.ErrPageOutOfRange)
}
