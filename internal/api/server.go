package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
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
	"github.com/dharsanguruparan/TableDrop/internal/queue"
	"github.com/dharsanguruparan/TableDrop/internal/repository"
	"github.com/dharsanguruparan/TableDrop/internal/table"
)

// Documents is the subset of *repository.DocumentRepository the API uses.
type Documents interface {
	Create(ctx context.Context, doc *repository.Document) error
	Get(ctx context.Context, id string) (*repository.Document, error)
}

// Objects is the subset of *s3storage.Storage the API uses.
type Objects interface {
	UploadRaw(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	PresignExportURL(ctx context.Context, objectKey string, format export.Format, expiry time.Duration) (string, error)
}

// Server exposes HTTP endpoints for uploads, extraction status and exports.
type Server struct {
	cfg    *config.Config
	repo   Documents
	store  Objects
	queue  queue.Enqueuer
	logger logrus.FieldLogger
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, repo Documents, store Objects, queueClient queue.Enqueuer, logger logrus.FieldLogger) *Server {
	return &Server{
		cfg:    cfg,
		repo:   repo,
		store:  store,
		queue:  queueClient,
		logger: logger,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.WithField("address", s.cfg.Address).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler wrapped in CORS and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentRoute)
	return corsMiddleware(loggingMiddleware(s.logger, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDocumentRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := parts[0]
	doc, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		s.logger.WithError(err).WithField("document", id).Error("load document")
		http.Error(w, "failed to load document", http.StatusInternalServerError)
		return
	}
	if len(parts) == 1 {
		respondJSON(w, http.StatusOK, doc)
		return
	}
	switch parts[1] {
	case "table":
		s.handleTable(w, r, doc)
	case "download":
		s.handleDownloadURL(w, r, doc)
	default:
		http.NotFound(w, r)
	}
}

type tableResponse struct {
	Found   bool           `json:"found"`
	Message string         `json:"message"`
	Pages   []int          `json:"pages"`
	Columns []string       `json:"columns"`
	Rows    [][]table.Cell `json:"rows"`
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request, doc *repository.Document) {
	switch doc.Status {
	case repository.StatusQueued, repository.StatusProcessing:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": string(doc.Status)})
	case repository.StatusFailed:
		msg := "extraction failed"
		if doc.ErrorMessage != nil {
			msg = *doc.ErrorMessage
		}
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{"status": string(doc.Status), "error": msg})
	case repository.StatusEmpty:
		respondJSON(w, http.StatusNotFound, tableResponse{Message: model.MessageNoTable, Pages: []int{}})
	default:
		if doc.Result == nil || !doc.Result.Found() {
			respondJSON(w, http.StatusNotFound, tableResponse{Message: model.MessageNoTable, Pages: []int{}})
			return
		}
		tbl := doc.Result.Table
		out := tableResponse{
			Found:   true,
			Message: model.MessageExtracted,
			Pages:   doc.Result.Pages,
			Columns: tbl.Header(),
			Rows:    make([][]table.Cell, len(tbl.Rows)),
		}
		for i, row := range tbl.Rows {
			out.Rows[i] = row.Cells
		}
		respondJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request, doc *repository.Document) {
	formatValue := r.URL.Query().Get("format")
	if formatValue == "" {
		formatValue = string(export.CSV)
	}
	format, err := export.ParseFormat(formatValue)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if doc.Status != repository.StatusCompleted {
		http.Error(w, "no extracted table", http.StatusNotFound)
		return
	}
	key := doc.CSVKey
	if format == export.XLSX {
		key = doc.XLSXKey
	}
	if key == nil {
		http.Error(w, "export unavailable", http.StatusNotFound)
		return
	}
	url, err := s.store.PresignExportURL(r.Context(), *key, format, s.cfg.SignedURLTTL)
	if err != nil {
		s.logger.WithError(err).WithField("document", doc.ID).Error("presign export")
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url, "format": string(format)})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// MaxBytesReader caps the body; the extra KiB leaves room for the
	// multipart headers and the page field around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	// MultipartReader streams parts instead of buffering the whole form
	// the way ParseMultipartForm would.
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	// The page may arrive as a query parameter or as a form field on
	// either side of the file part.
	pageValue := r.URL.Query().Get("page")
	var tmp *tempUpload
	// The temp copy is only needed until it has been pushed to storage.
	defer func() {
		if tmp != nil {
			tmp.f.Close()
			os.Remove(tmp.path)
		}
	}()
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		switch {
		case part.FormName() == "page":
			// A page number is a handful of digits; anything longer is cut.
			value, err := io.ReadAll(io.LimitReader(part, 32))
			part.Close()
			if err != nil {
				http.Error(w, "failed to read page", http.StatusBadRequest)
				return
			}
			pageValue = string(value)
		case part.FormName() == "file" && tmp == nil:
			tmp, err = s.persistTemp(part)
			part.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		default:
			part.Close()
		}
	}
	if tmp == nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	if tmp.contentType != "application/pdf" {
		http.Error(w, "only PDF files supported", http.StatusBadRequest)
		return
	}
	sel, err := extract.ParsePageSelector(pageValue)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// pdfcpu validates the structure and counts pages before anything is
	// stored, so a bad page number is rejected here rather than by the worker.
	info, err := pdfutil.Inspect(tmp.f)
	if err != nil {
		s.logger.WithError(err).WithField("name", tmp.filename).Info("rejected invalid pdf")
		http.Error(w, "invalid PDF", http.StatusBadRequest)
		return
	}
	page, specific := sel.Page()
	if specific && page > info.Pages {
		err := &pdfutil.PageRangeError{Page: page, Count: info.Pages}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Raw object first, then the row, then the job: the worker can rely on
	// both existing by the time it runs.
	docID := uuid.NewString()
	objectKey := fmt.Sprintf("uploads/%s/%s", docID, filepath.Base(tmp.filename))
	if err := s.uploadToStorage(ctx, objectKey, tmp); err != nil {
		s.logger.WithError(err).WithField("document", docID).Error("upload to storage failed")
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	doc := &repository.Document{
		ID:        docID,
		FileName:  tmp.filename,
		ObjectKey: objectKey,
		PageCount: info.Pages,
	}
	if specific {
		doc.Page = &page
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		s.logger.WithError(err).WithField("document", docID).Error("store metadata")
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	payload := queue.ExtractPayload{
		DocumentID: docID,
		ObjectKey:  objectKey,
		FileName:   tmp.filename,
		Page:       page,
	}
	if err := queue.EnqueueExtract(ctx, s.queue, payload); err != nil {
		s.logger.WithError(err).WithField("document", docID).Error("queue extraction")
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	s.logger.WithFields(logrus.Fields{"document": docID, "pages": info.Pages, "selection": sel.String()}).Info("document queued")
	respondJSON(w, http.StatusAccepted, map[string]any{
		"id":     docID,
		"pages":  info.Pages,
		"status": repository.StatusQueued,
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "tabledrop-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	fail := func(err error) (*tempUpload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}
	// The first 512 bytes feed http.DetectContentType; the rest is copied
	// through a fixed buffer so memory stays flat for large uploads.
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				return fail(fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize))
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(fmt.Errorf("read file: %w", readErr))
		}
	}
	if written == 0 {
		return fail(errors.New("empty file"))
	}
	// Rewind so Inspect reads from the start.
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind temp file: %w", err))
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.pdf"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
		filename:    filename,
	}, nil
}

func (s *Server) uploadToStorage(ctx context.Context, objectKey string, tmp *tempUpload) error {
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.store.UploadRaw(ctx, objectKey, tmp.f, tmp.size, tmp.contentType)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger logrus.FieldLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("request")
	})
}
