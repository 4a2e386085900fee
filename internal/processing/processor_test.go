package processing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/TableDrop/internal/extract"
	"github.com/dharsanguruparan/TableDrop/internal/logging"
	"github.com/dharsanguruparan/TableDrop/internal/model"
	"github.com/dharsanguruparan/TableDrop/internal/storage"
	"github.com/dharsanguruparan/TableDrop/internal/table"
)

type extractorFunc func(ctx context.Context, src extract.Source, sel extract.PageSelector) (extract.Result, error)

func (f extractorFunc) ExtractTables(ctx context.Context, src extract.Source, sel extract.PageSelector) (extract.Result, error) {
	return f(ctx, src, sel)
}

func newStore(ids ...string) *storage.MemoryStore {
	store := storage.NewMemoryStore()
	for _, id := range ids {
		store.Save(&model.FileRecord{ID: id, Path: "/uploads/" + id, Status: model.StatusUploaded})
	}
	return store
}

func TestExtractStoresResult(t *testing.T) {
	store := newStore("f1")
	lt, err := table.Label(1, table.RawFromStrings([][]string{{"Name"}, {"alpha"}}))
	require.NoError(t, err)
	var gotPath string
	ext := extractorFunc(func(_ context.Context, src extract.Source, sel extract.PageSelector) (extract.Result, error) {
		gotPath = src.Path()
		return extract.Result{Table: table.Concat(lt), Pages: []int{1}}, nil
	})

	p := New(store, ext, 2, time.Second, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	res, err := p.Extract(ctx, Job{FileID: "f1", Path: "/uploads/f1", Selector: extract.SpecificPage(1)})
	require.NoError(t, err)
	assert.True(t, res.Found())
	assert.Equal(t, "/uploads/f1", gotPath)

	rec, err := store.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, "1", rec.Selection)
	assert.True(t, rec.HasResult())
}

func TestExtractEmptyResult(t *testing.T) {
	store := newStore("f1")
	ext := extractorFunc(func(context.Context, extract.Source, extract.PageSelector) (extract.Result, error) {
		return extract.Result{}, nil
	})
	p := New(store, ext, 1, time.Second, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	res, err := p.Extract(ctx, Job{FileID: "f1", Selector: extract.AllPages()})
	require.NoError(t, err)
	assert.False(t, res.Found())

	rec, err := store.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusEmpty, rec.Status)
}

func TestExtractFailure(t *testing.T) {
	store := newStore("f1")
	boom := errors.New("boom")
	ext := extractorFunc(func(context.Context, extract.Source, extract.PageSelector) (extract.Result, error) {
		return extract.Result{}, boom
	})
	p := New(store, ext, 1, time.Second, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	_, err := p.Extract(ctx, Job{FileID: "f1", Selector: extract.AllPages()})
	assert.ErrorIs(t, err, boom)

	rec, err := store.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Message)
}

func TestExtractTimeout(t *testing.T) {
	store := newStore("f1")
	ext := extractorFunc(func(ctx context.Context, _ extract.Source, _ extract.PageSelector) (extract.Result, error) {
		<-ctx.Done()
		return extract.Result{}, ctx.Err()
	})
	p := New(store, ext, 1, 20*time.Millisecond, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	_, err := p.Extract(ctx, Job{FileID: "f1", Selector: extract.AllPages()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := store.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
}

func TestExtractQueueFull(t *testing.T) {
	store := newStore("f1")
	ext := extractorFunc(func(context.Context, extract.Source, extract.PageSelector) (extract.Result, error) {
		return extract.Result{}, nil
	})
	// Never started, so queued tasks stay in the buffer.
	p := New(store, ext, 1, 5*time.Millisecond, logging.Discard())

	for i := 0; i < cap(p.queue); i++ {
		_, err := p.Extract(context.Background(), Job{FileID: "f1"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	_, err := p.Extract(context.Background(), Job{FileID: "f1"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestLateResultDoesNotOverwriteTimeout(t *testing.T) {
	store := newStore("f1", "f2")
	release := make(chan struct{})
	lt, err := table.Label(1, table.RawFromStrings([][]string{{"Name"}, {"alpha"}}))
	require.NoError(t, err)
	ext := extractorFunc(func(_ context.Context, src extract.Source, _ extract.PageSelector) (extract.Result, error) {
		if src.Path() == "/uploads/f1" {
			<-release
		}
		return extract.Result{Table: table.Concat(lt), Pages: []int{1}}, nil
	})
	// One worker, so the second job runs only after the first has finished.
	p := New(store, ext, 1, 20*time.Millisecond, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	_, err = p.Extract(ctx, Job{FileID: "f1", Path: "/uploads/f1", Selector: extract.AllPages()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	p.timeout = time.Second
	_, err = p.Extract(ctx, Job{FileID: "f2", Path: "/uploads/f2", Selector: extract.AllPages()})
	require.NoError(t, err)

	rec, err := store.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "extraction timed out", rec.Message)
	assert.False(t, rec.HasResult())
}

func TestCallerCancellationIsReported(t *testing.T) {
	store := newStore("f1")
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	ext := extractorFunc(func(context.Context, extract.Source, extract.PageSelector) (extract.Result, error) {
		close(started)
		<-release
		return extract.Result{}, nil
	})
	p := New(store, ext, 1, time.Second, logging.Discard())
	workers, stop := context.WithCancel(context.Background())
	defer stop()
	p.Start(workers)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := p.Extract(ctx, Job{FileID: "f1", Selector: extract.AllPages()})
	assert.ErrorIs(t, err, context.Canceled)

	rec, err := store.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "extraction cancelled", rec.Message)
}
