package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brunobiangulo/goprep"
	"github.com/brunobiangulo/goprep/parser"
)

type handler struct {
	engine    goprep.Engine
	log       *slog.Logger
	maxUpload int64
}

func newHandler(e goprep.Engine, log *slog.Logger, maxUpload int64) *handler {
	return &handler{engine: e, log: log, maxUpload: maxUpload}
}

// POST /parse
// Multipart upload in "file"; returns the pages without storing anything.
func (h *handler) handleParse(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	res, err := h.engine.Parse(ctx, name, file)
	if err != nil {
		h.fail(w, err, "parse", "file", name)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /ingest
// Accepts multipart file upload or JSON with file path.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()

		// Each upload gets its own directory so the original file name,
		// which drives format selection and citations, survives.
		safeName := filepath.Base(header.Filename)
		dir := filepath.Join(os.TempDir(), "goprep-"+uuid.NewString())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to process file")
			h.log.Error("creating upload dir", "error", err)
			return
		}
		defer os.RemoveAll(dir)

		tmpPath := filepath.Join(dir, safeName)
		if err := saveUpload(tmpPath, io.LimitReader(file, h.maxUpload)); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save file")
			h.log.Error("saving uploaded file", "error", err)
			return
		}

		docID, err := h.engine.Ingest(ctx, tmpPath, goprep.WithForceReparse())
		if err != nil {
			h.fail(w, err, "ingest", "file", safeName)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document_id": docID,
			"filename":    safeName,
		})
		return
	}

	var req struct {
		Path  string `json:"path"`
		Force bool   `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	var opts []goprep.IngestOption
	if req.Force {
		opts = append(opts, goprep.WithForceReparse())
	}
	docID, err := h.engine.Ingest(ctx, absPath, opts...)
	if err != nil {
		h.fail(w, err, "ingest", "path", absPath)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": docID,
		"path":        absPath,
	})
}

// POST /update
func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	changed, err := h.engine.Update(ctx, req.Path)
	if err != nil {
		h.fail(w, err, "update", "path", req.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    req.Path,
		"changed": changed,
	})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	if err := h.engine.Delete(r.Context(), id); err != nil {
		h.fail(w, err, "delete", "document_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		h.fail(w, err, "list documents")
		return
	}
	if docs == nil {
		docs = []goprep.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
	})
}

// GET /formats
func (h *handler) handleFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"formats": h.engine.Formats(),
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// fail maps an engine error onto a status code and logs it.
func (h *handler) fail(w http.ResponseWriter, err error, op string, attrs ...any) {
	status, msg := errorStatus(err)
	h.log.Error(op+" error", append(attrs, "error", err)...)
	writeError(w, status, op+" failed: "+msg)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, goprep.ErrDocumentNotFound):
		return http.StatusNotFound, "document not found"
	case errors.Is(err, goprep.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "unsupported format"
	case errors.Is(err, parser.ErrFormat):
		return http.StatusUnprocessableEntity, "malformed document"
	case errors.Is(err, parser.ErrRecognizerRequired):
		return http.StatusNotImplemented, "no recognizer configured"
	case errors.Is(err, parser.ErrRemoteService):
		return http.StatusBadGateway, "recognition service failed"
	case errors.Is(err, goprep.ErrStoreClosed):
		return http.StatusServiceUnavailable, "store unavailable"
	}
	return http.StatusInternalServerError, "internal error"
}

func saveUpload(path string, r io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
