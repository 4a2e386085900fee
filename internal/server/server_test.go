package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/TableDrop/internal/config"
	"github.com/dharsanguruparan/TableDrop/internal/extract"
	"github.com/dharsanguruparan/TableDrop/internal/logging"
	"github.com/dharsanguruparan/TableDrop/internal/pdf/pdftest"
	"github.com/dharsanguruparan/TableDrop/internal/processing"
	"github.com/dharsanguruparan/TableDrop/internal/signing"
	"github.com/dharsanguruparan/TableDrop/internal/storage"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		MaxFileSize:    1 << 20,
		AllowedTypes:   []string{"application/pdf"},
		SignedURLTTL:   time.Minute,
		ExtractTimeout: 10 * time.Second,
	}
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	proc := processing.New(store, extract.New(extract.NewPDFOpener(), logger), 2, cfg.ExtractTimeout, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	proc.Start(ctx)

	srv, err := New(cfg, store, proc, signing.NewSigner([]byte("secret")), logger, t.TempDir())
	require.NoError(t, err)
	return srv.Handler()
}

func samplePDF() []byte {
	xs := []float64{72, 300}
	return pdftest.Build(
		pdftest.Page{Texts: pdftest.Table(700, xs, []string{"Name", "Value"}, []string{"alpha", "1"})},
		pdftest.Page{Texts: []pdftest.Text{{X: 72, Y: 700, S: "Nothing tabular here"}}},
		pdftest.Page{Texts: pdftest.Table(700, xs, []string{"Name", "Value"}, []string{"gamma", "3"})},
	)
}

func uploadRequest(t *testing.T, name string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func upload(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := serve(h, uploadRequest(t, "report.pdf", samplePDF()))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		ID     string `json:"id"`
		Pages  int    `json:"pages"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 3, out.Pages)
	assert.Equal(t, "uploaded", out.Status)
	return out.ID
}

func TestHealth(t *testing.T) {
	rec := serve(newTestHandler(t), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestIndexRendersForm(t *testing.T) {
	rec := serve(newTestHandler(t), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `action="/upload"`)
}

func TestUploadRejectsInvalidFiles(t *testing.T) {
	h := newTestHandler(t)

	rec := serve(h, uploadRequest(t, "notes.txt", []byte("plain text, not a pdf")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, uploadRequest(t, "broken.pdf", []byte("%PDF-1.4\nthis file is truncated garbage")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not read PDF")

	rec = serve(h, uploadRequest(t, "empty.pdf", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRedirectsBrowsers(t *testing.T) {
	h := newTestHandler(t)
	req := uploadRequest(t, "report.pdf", samplePDF())
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	rec := serve(h, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Regexp(t, `^/files/[0-9a-f-]+/view$`, rec.Header().Get("Location"))
}

func TestFileInfoHidesPath(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"path"`)
	assert.NotContains(t, rec.Body.String(), `"Path"`)
	assert.Contains(t, rec.Body.String(), `"name": "report.pdf"`)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type extractResponse struct {
	Found   bool        `json:"found"`
	Message string      `json:"message"`
	Pages   []int       `json:"pages"`
	Columns []string    `json:"columns"`
	Rows    [][]*string `json:"rows"`
}

func extractPage(t *testing.T, h http.Handler, id, page string) (*httptest.ResponseRecorder, extractResponse) {
	t.Helper()
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/files/"+id+"/extract?page="+page, nil))
	var out extractResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestExtractAllPages(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)

	rec, out := extractPage(t, h, id, "all")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, out.Found)
	assert.Equal(t, "Table extracted successfully!", out.Message)
	assert.Equal(t, []int{1, 3}, out.Pages)
	assert.Equal(t, []string{"Name", "Value"}, out.Columns)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, "alpha", *out.Rows[0][0])
	assert.Equal(t, "gamma", *out.Rows[1][0])
}

func TestExtractPageWithoutTable(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)

	rec, out := extractPage(t, h, id, "2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, out.Found)
	assert.Equal(t, "No table data found in the selected PDF/page.", out.Message)
}

func TestExtractErrors(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)

	rec, _ := extractPage(t, h, id, "9")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "out of range")

	rec, _ = extractPage(t, h, id, "first")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = extractPage(t, h, "unknown", "all")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/extract", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSignedDownload(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/signed-url?format=csv", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing extracted yet")

	rec, _ = extractPage(t, h, id, "all")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/signed-url?format=csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var link struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))

	rec = serve(h, httptest.NewRequest(http.MethodGet, link.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "extracted_table.csv")
	assert.Equal(t, "Name,Value\nalpha,1\ngamma,3\n", rec.Body.String())

	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	q := u.Query()
	q.Set("format", "xlsx")
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/download?"+q.Encode(), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "signature covers the format")

	q = u.Query()
	q.Set("expires", "1")
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/download?"+q.Encode(), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/download?file="+id, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/signed-url?format=pdf", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	q = u.Query()
	q.Set("page", "3")
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/download?"+q.Encode(), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "signature covers the selection")
}

func TestSignedDownloadGoneAfterReextraction(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)
	rec, _ := extractPage(t, h, id, "all")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/signed-url?format=csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var link struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.Contains(t, link.URL, "page=all")

	rec, _ = extractPage(t, h, id, "3")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, link.URL, nil))
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/signed-url?format=csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	rec = serve(h, httptest.NewRequest(http.MethodGet, link.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Name,Value\ngamma,3\n", rec.Body.String())
}

func TestSignedDownloadXLSX(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)
	rec, _ := extractPage(t, h, id, "1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/signed-url?format=xlsx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var link struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))

	rec = serve(h, httptest.NewRequest(http.MethodGet, link.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")
}

func TestViewRendersResult(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/view", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "3 pages")
	assert.Contains(t, body, `<option value="3"`)
	assert.NotContains(t, body, "<table>")

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/view?page=all", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = rec.Body.String()
	assert.Contains(t, body, "Table extracted successfully!")
	assert.Contains(t, body, "<td>gamma</td>")
	assert.Contains(t, body, "format=xlsx")

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/view?page=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No table data found in the selected PDF/page.")

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id+"/view?page=7", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "out of range")
}

func TestDeleteFile(t *testing.T) {
	h := newTestHandler(t)
	id := upload(t, h)

	rec := serve(h, httptest.NewRequest(http.MethodDelete, "/files/"+id, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/files/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
