package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/TableDrop/internal/export"
	"github.com/dharsanguruparan/TableDrop/internal/extract"
	"github.com/dharsanguruparan/TableDrop/internal/logging"
	pdfutil "github.com/dharsanguruparan/TableDrop/internal/pdf"
	"github.com/dharsanguruparan/TableDrop/internal/pdf/pdftest"
	"github.com/dharsanguruparan/TableDrop/internal/queue"
	"github.com/dharsanguruparan/TableDrop/internal/repository"
)

type fakeDocuments struct {
	statuses   []repository.DocumentStatus
	completion repository.Completion
	failure    string
}

func (f *fakeDocuments) MarkProcessing(context.Context, string) error {
	f.statuses = append(f.statuses, repository.StatusProcessing)
	return nil
}

func (f *fakeDocuments) MarkFailed(_ context.Context, _ string, msg string) error {
	f.statuses = append(f.statuses, repository.StatusFailed)
	f.failure = msg
	return nil
}

func (f *fakeDocuments) MarkEmpty(context.Context, string) error {
	f.statuses = append(f.statuses, repository.StatusEmpty)
	return nil
}

func (f *fakeDocuments) MarkCompleted(_ context.Context, _ string, c repository.Completion) error {
	f.statuses = append(f.statuses, repository.StatusCompleted)
	f.completion = c
	return nil
}

type fakeObjects struct {
	raw     map[string][]byte
	exports map[string][]byte
}

func (f *fakeObjects) DownloadRaw(_ context.Context, key string) ([]byte, error) {
	data, ok := f.raw[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (f *fakeObjects) UploadExport(_ context.Context, key string, _ export.Format, data []byte) error {
	f.exports[key] = data
	return nil
}

func setup(t *testing.T, data []byte) (*Processor, *fakeDocuments, *fakeObjects) {
	t.Helper()
	docs := &fakeDocuments{}
	objects := &fakeObjects{
		raw:     map[string][]byte{"uploads/doc-1/report.pdf": data},
		exports: map[string][]byte{},
	}
	logger := logging.Discard()
	return NewProcessor(docs, objects, extract.New(extract.NewPDFOpener(), logger), logger), docs, objects
}

func extractTask(t *testing.T, page int) *asynq.Task {
	t.Helper()
	task, err := queue.NewExtractTask(queue.ExtractPayload{
		DocumentID: "doc-1",
		ObjectKey:  "uploads/doc-1/report.pdf",
		FileName:   "report.pdf",
		Page:       page,
	})
	require.NoError(t, err)
	return task
}

func reportPDF() []byte {
	xs := []float64{72, 300}
	return pdftest.Build(
		pdftest.Page{Texts: pdftest.Table(700, xs, []string{"Name", "Value"}, []string{"alpha", "1"})},
		pdftest.Page{Texts: []pdftest.Text{{X: 72, Y: 700, S: "Closing remarks only"}}},
	)
}

func TestHandleExtractCompletes(t *testing.T) {
	p, docs, objects := setup(t, reportPDF())

	require.NoError(t, p.HandleExtract(context.Background(), extractTask(t, 0)))

	assert.Equal(t, []repository.DocumentStatus{repository.StatusProcessing, repository.StatusCompleted}, docs.statuses)
	assert.Equal(t, "exports/doc-1/extracted_table.csv", docs.completion.CSVKey)
	assert.Equal(t, "exports/doc-1/extracted_table.xlsx", docs.completion.XLSXKey)
	assert.Equal(t, []int{1}, docs.completion.Result.Pages)
	assert.Equal(t, "Name,Value\nalpha,1\n", string(objects.exports[docs.completion.CSVKey]))
	assert.NotEmpty(t, objects.exports[docs.completion.XLSXKey])
}

func TestHandleExtractEmptyPage(t *testing.T) {
	p, docs, objects := setup(t, reportPDF())

	require.NoError(t, p.HandleExtract(context.Background(), extractTask(t, 2)))

	assert.Equal(t, []repository.DocumentStatus{repository.StatusProcessing, repository.StatusEmpty}, docs.statuses)
	assert.Empty(t, objects.exports)
}

func TestHandleExtractPermanentFailures(t *testing.T) {
	p, docs, _ := setup(t, reportPDF())
	err := p.HandleExtract(context.Background(), extractTask(t, 5))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, docs.failure, "out of range")

	p, docs, _ = setup(t, []byte("not a pdf"))
	err = p.HandleExtract(context.Background(), extractTask(t, 0))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, repository.StatusFailed, docs.statuses[len(docs.statuses)-1])

	err = p.HandleExtract(context.Background(), asynq.NewTask(queue.ExtractDocumentTask, []byte("{}")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleExtractRetriesStorageErrors(t *testing.T) {
	p, docs, objects := setup(t, reportPDF())
	delete(objects.raw, "uploads/doc-1/report.pdf")

	err := p.HandleExtract(context.Background(), extractTask(t, 0))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, "no such key", docs.failure)
}

type extractorFunc func(ctx context.Context, src extract.Source, sel extract.PageSelector) (extract.Result, error)

func (f extractorFunc) ExtractTables(ctx context.Context, src extract.Source, sel extract.PageSelector) (extract.Result, error) {
	return f(ctx, src, sel)
}

func TestHandleExtractMalformedPageNotRetried(t *testing.T) {
	_, docs, objects := setup(t, reportPDF())
	broken := extractorFunc(func(context.Context, extract.Source, extract.PageSelector) (extract.Result, error) {
		return extract.Result{}, &pdfutil.PageError{Page: 1, Err: errors.New("malformed content: bad operator")}
	})
	p := NewProcessor(docs, objects, broken, logging.Discard())

	err := p.HandleExtract(context.Background(), extractTask(t, 0))

	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, docs.failure, "malformed content")
}
