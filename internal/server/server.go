// Package server is the single-binary TableDrop web UI: upload a PDF, pick a
// page, view the extracted table and download it as CSV or Excel.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/TableDrop/internal/config"
	"github.com/dharsanguruparan/TableDrop/internal/export"
	"github.com/dharsanguruparan/TableDrop/internal/extract"
	"github.com/dharsanguruparan/TableDrop/internal/model"
	pdfutil "github.com/dharsanguruparan/TableDrop/internal/pdf"
	"github.com/dharsanguruparan/TableDrop/internal/processing"
	"github.com/dharsanguruparan/TableDrop/internal/signing"
	"github.com/dharsanguruparan/TableDrop/internal/storage"
	"github.com/dharsanguruparan/TableDrop/internal/table"
)

//go:embed templates/*.html
var templateFS embed.FS

// Server hosts the HTTP handlers of the interactive UI.
type Server struct {
	cfg       *config.Config
	store     *storage.MemoryStore
	processor *processing.Processor
	signer    *signing.Signer
	logger    logrus.FieldLogger
	templates *template.Template
	uploadDir string
	once      sync.Once
}

// New creates a configured server. Uploads are kept under uploadDir, which
// defaults to a tabledrop directory in the system temp dir when empty.
func New(cfg *config.Config, store *storage.MemoryStore, processor *processing.Processor, signer *signing.Signer, logger logrus.FieldLogger, uploadDir string) (*Server, error) {
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "tabledrop")
	}
	if err := os.MkdirAll(uploadDir, 0o750); err != nil {
		return nil, err
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		processor: processor,
		signer:    signer,
		logger:    logger,
		templates: tmpl,
		uploadDir: uploadDir,
	}, nil
}

// Serve starts the extraction workers and the HTTP server, returning when
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.once.Do(func() {
		s.processor.Start(ctx)
	})
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.WithField("address", s.cfg.Address).Info("tabledrop listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/files/", s.handleFileRoute)
	return loggingMiddleware(s.logger, mux)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.render(w, http.StatusOK, "index", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// MaxBytesReader stops oversized bodies early; the extra KiB covers
	// multipart headers.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	// Stream the form part by part rather than buffering it in memory.
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	var saved *model.FileRecord
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		// Only the "file" field matters; other fields are drained and skipped.
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		record, err := s.persistPart(part)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		saved = record
		break
	}
	if saved == nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	// Opening the PDF now both validates it and gives the page count the
	// view offers in its page selector.
	pages, err := countPages(saved.Path)
	if err != nil {
		_ = os.Remove(saved.Path)
		s.logger.WithError(err).WithField("name", saved.Name).Info("rejected unreadable pdf")
		http.Error(w, "could not read PDF", http.StatusBadRequest)
		return
	}
	saved.Pages = pages
	saved.Status = model.StatusUploaded
	s.store.Save(saved)
	s.logger.WithFields(logrus.Fields{"file": saved.ID, "name": saved.Name, "pages": pages}).Info("pdf uploaded")

	// Browsers posting the form land on the view page; API clients get JSON.
	if wantsHTML(r) {
		http.Redirect(w, r, "/files/"+saved.ID+"/view", http.StatusSeeOther)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"id":     saved.ID,
		"pages":  saved.Pages,
		"status": saved.Status,
	})
}

func (s *Server) handleFileRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/files/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleFileInfo(w, r, id)
		case http.MethodDelete:
			s.handleDelete(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}
	switch parts[1] {
	case "view":
		s.handleView(w, r, id)
	case "extract":
		s.handleExtract(w, r, id)
	case "signed-url":
		s.handleSignedURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleFileInfo(w http.ResponseWriter, r *http.Request, id string) {
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	record, err := s.store.Delete(id)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if err := os.Remove(record.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.WithError(err).WithField("file", id).Warn("remove upload")
	}
	w.WriteHeader(http.StatusNoContent)
}

type tableResponse struct {
	Found   bool           `json:"found"`
	Message string         `json:"message"`
	Pages   []int          `json:"pages"`
	Columns []string       `json:"columns"`
	Rows    [][]table.Cell `json:"rows"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	sel, err := extract.ParsePageSelector(r.URL.Query().Get("page"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.processor.Extract(r.Context(), processing.Job{FileID: id, Path: record.Path, Selector: sel})
	if err != nil {
		status, msg := extractionStatus(err)
		http.Error(w, msg, status)
		return
	}
	out := tableResponse{Found: res.Found(), Message: model.MessageNoTable, Pages: []int{}}
	if res.Found() {
		out.Message = model.MessageExtracted
		out.Pages = res.Pages
		out.Columns = res.Table.Header()
		out.Rows = make([][]table.Cell, len(res.Table.Rows))
		for i, row := range res.Table.Rows {
			out.Rows[i] = row.Cells
		}
	}
	respondJSON(w, http.StatusOK, out)
}

type viewData struct {
	File        *model.FileRecord
	Selection   string
	PageOptions []int
	Ran         bool
	Found       bool
	Message     string
	Error       string
	Columns     []string
	Rows        [][]string
	CSVURL      string
	XLSXURL     string
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	data := viewData{File: record, Selection: "all", PageOptions: pageOptions(record.Pages)}
	status := http.StatusOK

	if raw, ok := r.URL.Query()["page"]; ok {
		data.Ran = true
		sel, err := extract.ParsePageSelector(raw[0])
		if err == nil {
			data.Selection = sel.String()
			_, err = s.processor.Extract(r.Context(), processing.Job{FileID: id, Path: record.Path, Selector: sel})
		}
		if err != nil {
			status, data.Error = extractionStatus(err)
			data.Ran = false
		} else if record, err = s.store.Get(id); err != nil {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		data.File = record
	} else if record.Selection != "" {
		data.Ran = true
		data.Selection = record.Selection
	}

	if data.Ran {
		data.Found = record.HasResult()
		data.Message = model.MessageNoTable
		if data.Found {
			data.Message = model.MessageExtracted
			data.Columns = record.Result.Header()
			data.Rows = record.Result.Records()
			// Links are bound to this selection; a later run on another
			// page invalidates them.
			data.CSVURL, _ = s.signer.DownloadURL("/download", id, record.Selection, string(export.CSV), s.cfg.SignedURLTTL)
			data.XLSXURL, _ = s.signer.DownloadURL("/download", id, record.Selection, string(export.XLSX), s.cfg.SignedURLTTL)
		}
	}
	s.render(w, status, "view", data)
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	format := export.CSV
	if v := r.URL.Query().Get("format"); v != "" {
		if format, err = export.ParseFormat(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if !record.HasResult() {
		http.Error(w, "no extracted table", http.StatusNotFound)
		return
	}
	downloadURL, expiry := s.signer.DownloadURL("/download", id, record.Selection, string(format), s.cfg.SignedURLTTL)
	respondJSON(w, http.StatusOK, map[string]string{
		"url":     downloadURL,
		"expires": strconv.FormatInt(expiry.Unix(), 10),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	id, selection, formatName := q.Get("file"), q.Get("page"), q.Get("format")
	expires, signature := q.Get("expires"), q.Get("signature")
	if id == "" || selection == "" || formatName == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	expiryUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		http.Error(w, "invalid expires", http.StatusBadRequest)
		return
	}
	// Expiry is checked first so stale links report "expired" rather than
	// a signature mismatch.
	if s.signer.Expired(expiryUnix) {
		http.Error(w, "url expired", http.StatusUnauthorized)
		return
	}
	// The signature binds file, selection, format and expiry together.
	if !s.signer.Validate(id, selection, formatName, expires, signature) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	format, err := export.ParseFormat(formatName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	record, err := s.store.Get(id)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if !record.HasResult() {
		http.Error(w, "no extracted table", http.StatusNotFound)
		return
	}
	if record.Selection != selection {
		// The link was signed for an earlier extraction of another page.
		http.Error(w, "extraction result has changed", http.StatusGone)
		return
	}
	data, err := export.Encode(format, record.Result)
	if err != nil {
		s.logger.WithError(err).WithField("file", id).Error("encode export")
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.FileName()+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) persistPart(part *multipart.Part) (*model.FileRecord, error) {
	defer part.Close()
	fileID := uuid.NewString()
	path := filepath.Join(s.uploadDir, fileID+".pdf")
	dst, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer dst.Close()
	// Copy through a fixed buffer, keeping the first 512 bytes for MIME
	// sniffing and enforcing the size limit as bytes arrive.
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				os.Remove(path)
				return nil, errors.New("file exceeds limit")
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				os.Remove(path)
				return nil, err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			os.Remove(path)
			return nil, readErr
		}
	}
	if written == 0 {
		os.Remove(path)
		return nil, errors.New("empty file")
	}
	// The client's Content-Type header is ignored; only sniffed bytes count.
	contentType := http.DetectContentType(sniff)
	if !s.allowedType(contentType) {
		os.Remove(path)
		return nil, errors.New("only PDF files are supported")
	}
	name := part.FileName()
	if name == "" {
		name = "upload-" + fileID + ".pdf"
	}
	return &model.FileRecord{
		ID:          fileID,
		Name:        filepath.Base(name),
		Size:        written,
		ContentType: contentType,
		Path:        path,
	}, nil
}

func (s *Server) allowedType(contentType string) bool {
	for _, allowed := range s.cfg.AllowedTypes {
		if allowed == contentType {
			return true
		}
	}
	return false
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.WithError(err).WithField("template", name).Error("render template")
	}
}

func countPages(path string) (int, error) {
	doc, err := pdfutil.Open(path)
	if err != nil {
		return 0, err
	}
	defer doc.Close()
	return doc.NumPages(), nil
}

// extractionStatus maps an extraction error to an HTTP status and a message
// safe to show the user.
func extractionStatus(err error) (int, string) {
	var (
		openErr *pdfutil.OpenError
		pageErr *pdfutil.PageError
	)
	switch {
	case errors.Is(err, extract.ErrInvalidPageSelector), errors.Is(err, pdfutil.ErrPageOutOfRange):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &openErr), errors.As(err, &pageErr):
		return http.StatusUnprocessableEntity, "could not read the PDF"
	case errors.Is(err, processing.ErrQueueFull):
		return http.StatusServiceUnavailable, "server busy, try again shortly"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "extraction timed out"
	default:
		return http.StatusInternalServerError, "extraction failed"
	}
}

func pageOptions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
