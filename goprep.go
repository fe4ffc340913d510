package goprep

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/brunobiangulo/goprep/chunker"
	"github.com/brunobiangulo/goprep/llm"
	"github.com/brunobiangulo/goprep/parser"
	"github.com/brunobiangulo/goprep/recognize"
	"github.com/brunobiangulo/goprep/store"
)

// Engine is the main entry point for document preparation.
type Engine interface {
	// Parse turns a single document into pages without touching the store.
	Parse(ctx context.Context, name string, r io.Reader) (*ParseResult, error)

	// Ingest parses, chunks, and stores a document. Returns document ID.
	// Skips if the content hash is unchanged and the last run succeeded.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error)

	// Update re-checks a document by hash. Re-ingests if changed.
	Update(ctx context.Context, path string) (bool, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]Document, error)

	// Formats lists the file extensions the engine can parse.
	Formats() []string

	// Close cleanly shuts down the engine.
	Close() error
}

// ParseResult is the outcome of parsing one document.
type ParseResult struct {
	Document string         `json:"document"`
	Format   string         `json:"format"`
	Mode     string         `json:"mode"`
	Pages    []*parser.Page `json:"pages"`
	Summary  string         `json:"summary,omitempty"`
}

// Images returns every image across the pages in page order.
func (r *ParseResult) Images() []*parser.ImageOnPage {
	var out []*parser.ImageOnPage
	for _, p := range r.Pages {
		out = append(out, p.Images...)
	}
	return out
}

// Document represents an ingested document.
type Document struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	ContentHash string `json:"content_hash"`
	ParseMode   string `json:"parse_mode"`
	Status      string `json:"status"`
	PageCount   int    `json:"page_count"`
	Summary     string `json:"summary,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Document statuses.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Option configures engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	log        *slog.Logger
	recognizer parser.Recognizer
	summarizer parser.Summarizer
	noStore    bool
}

// WithLogger sets the logger for the engine and everything it builds.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.log = l }
}

// WithRecognizer overrides the recognizer selected by Config.Recognizer.
func WithRecognizer(r parser.Recognizer) Option {
	return func(o *engineOptions) { o.recognizer = r }
}

// WithSummarizer overrides the summarizer built from Config.Summary.
func WithSummarizer(s parser.Summarizer) Option {
	return func(o *engineOptions) { o.summarizer = s }
}

// WithoutStore builds a parse-only engine. Ingest, Update, Delete and
// ListDocuments return ErrStoreClosed.
func WithoutStore() Option {
	return func(o *engineOptions) { o.noStore = true }
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	forceReparse bool
}

// WithForceReparse forces re-parsing even if the hash hasn't changed.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.forceReparse = true }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg        Config
	log        *slog.Logger
	store      *store.Store
	parsers    *parser.Registry
	chunkr     *chunker.Chunker
	summarizer parser.Summarizer
	closers    []io.Closer
}

// New creates a new engine with the given configuration.
func New(ctx context.Context, cfg Config, opts ...Option) (Engine, error) {
	o := &engineOptions{}
	for _, fn := range opts {
		fn(o)
	}
	log := o.log
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, log: log, summarizer: o.summarizer}

	rec := o.recognizer
	if rec == nil {
		var err error
		if rec, err = e.newRecognizer(ctx); err != nil {
			return nil, err
		}
	}

	if e.summarizer == nil && cfg.Summary.Enabled {
		p, err := llm.NewProvider(llm.Config{
			Provider: cfg.Summary.LLM.Provider,
			Model:    cfg.Summary.LLM.Model,
			BaseURL:  cfg.Summary.LLM.BaseURL,
			APIKey:   cfg.Summary.LLM.APIKey,
		})
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("creating summary provider: %w", err)
		}
		e.summarizer = llm.NewDocumentSummarizer(p, cfg.Summary.LLM.Model)
	}

	e.parsers = parser.NewRegistry(cfg.parserOptions(rec, log))
	e.chunkr = chunker.New(chunker.Config{
		MaxTokens: cfg.MaxChunkTokens,
		Overlap:   cfg.ChunkOverlap,
	})

	if !o.noStore {
		s, err := store.New(cfg.resolveDBPath(), log)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("opening store: %w", err)
		}
		e.store = s
	}

	log.Info("engine ready",
		"pdf_mode", cfg.PDFMode().String(),
		"recognizer", cfg.Recognizer,
		"summary", e.summarizer != nil,
		"store", e.store != nil,
	)
	return e, nil
}

func (e *engine) newRecognizer(ctx context.Context) (parser.Recognizer, error) {
	switch e.cfg.Recognizer {
	case "documentai":
		d, err := recognize.NewDocumentAI(ctx, e.cfg.DocumentAI, e.log)
		if err != nil {
			return nil, fmt.Errorf("creating recognizer: %w", err)
		}
		e.closers = append(e.closers, d)
		return d, nil
	case "llamaparse":
		return recognize.NewLlamaParse(e.cfg.LlamaParse, e.log), nil
	}
	return nil, nil
}

func (e *engine) Formats() []string { return e.parsers.Formats() }

// Parse runs the parser for name's extension and stamps the summary.
func (e *engine) Parse(ctx context.Context, name string, r io.Reader) (*ParseResult, error) {
	format := parser.FormatOf(name)
	p, err := e.parsers.Get(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	start := time.Now()
	pages, err := parser.Collect(p.Parse(ctx, parser.Source{Name: name, R: r}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParsingFailed, err)
	}

	res := &ParseResult{
		Document: filepath.Base(name),
		Format:   format,
		Mode:     e.parseMode(format),
		Pages:    pages,
	}
	res.Summary = parser.StampSummary(ctx, e.summarizer, res.Document, pages, e.log)

	e.log.Debug("parse complete",
		"doc", res.Document,
		"mode", res.Mode,
		"pages", len(pages),
		"images", len(res.Images()),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

// parseMode names the route a format takes through the registry.
func (e *engine) parseMode(format string) string {
	switch {
	case format == "pdf":
		return e.cfg.PDFMode().String()
	case slices.Contains(parser.RemoteOnlyFormats, format):
		return parser.PDFRemote.String()
	default:
		return parser.PDFLocal.String()
	}
}

// Ingest processes a document through the full pipeline.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error) {
	if e.store == nil {
		return 0, ErrStoreClosed
	}
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return 0, fmt.Errorf("reading file: %w", err)
	}
	hash := contentHash(data)

	if !options.forceReparse {
		existing, err := e.store.GetDocumentByPath(ctx, absPath)
		if err == nil && existing.ContentHash == hash && existing.Status == StatusReady {
			e.log.Debug("ingest: unchanged, skipping", "file", existing.Filename, "doc_id", existing.ID)
			return existing.ID, nil
		}
	}

	format := parser.FormatOf(absPath)
	filename := filepath.Base(absPath)
	doc := store.Document{
		Path:        absPath,
		Filename:    filename,
		Format:      format,
		ContentHash: hash,
		ParseMode:   e.parseMode(format),
		Status:      StatusProcessing,
	}
	docID, err := e.store.UpsertDocument(ctx, doc)
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	e.log.Info("ingest: parsing document", "file", filename, "format", format, "mode", doc.ParseMode, "doc_id", docID)
	start := time.Now()

	res, err := e.Parse(ctx, absPath, bytes.NewReader(data))
	if err != nil {
		e.markFailed(docID)
		return 0, err
	}
	e.log.Info("ingest: parsing complete",
		"file", filename, "pages", len(res.Pages), "images", len(res.Images()),
		"elapsed", time.Since(start).Round(time.Millisecond))

	chunks := e.chunkr.Chunk(filename, res.Pages)
	e.log.Info("ingest: chunking complete",
		"file", filename, "chunks", len(chunks),
		"max_tokens", e.cfg.MaxChunkTokens, "overlap", e.cfg.ChunkOverlap)

	if err := e.store.ReplaceDocumentContent(ctx, docID, storePages(res.Pages), storeImages(res.Pages), chunks); err != nil {
		e.markFailed(docID)
		return 0, fmt.Errorf("storing content: %w", err)
	}

	doc.Status = StatusReady
	doc.PageCount = len(res.Pages)
	doc.Summary = res.Summary
	if _, err := e.store.UpsertDocument(ctx, doc); err != nil {
		return 0, fmt.Errorf("finalizing document: %w", err)
	}

	e.log.Info("ingest: document ready",
		"file", filename, "doc_id", docID,
		"total_elapsed", time.Since(start).Round(time.Millisecond))
	return docID, nil
}

// markFailed records a failed run. It uses a fresh context so a cancelled
// ingest still leaves the row in the error state.
func (e *engine) markFailed(docID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.UpdateDocumentStatus(ctx, docID, StatusError); err != nil {
		e.log.Warn("ingest: could not record failure", "doc_id", docID, "error", err)
	}
}

// Update checks if a document has changed and re-ingests if needed.
func (e *engine) Update(ctx context.Context, path string) (bool, error) {
	if e.store == nil {
		return false, ErrStoreClosed
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}

	doc, err := e.store.GetDocumentByPath(ctx, absPath)
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrDocumentNotFound, absPath)
	}
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return false, fmt.Errorf("reading file: %w", err)
	}
	if contentHash(data) == doc.ContentHash && doc.Status == StatusReady {
		return false, nil
	}

	if _, err := e.Ingest(ctx, absPath, WithForceReparse()); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a document and all associated data.
func (e *engine) Delete(ctx context.Context, documentID int64) error {
	if e.store == nil {
		return ErrStoreClosed
	}
	err := e.store.DeleteDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrDocumentNotFound, documentID)
	}
	return err
}

// ListDocuments returns all ingested documents.
func (e *engine) ListDocuments(ctx context.Context) ([]Document, error) {
	if e.store == nil {
		return nil, ErrStoreClosed
	}
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Document, len(docs))
	for i, d := range docs {
		result[i] = Document{
			ID:          d.ID,
			Path:        d.Path,
			Filename:    d.Filename,
			Format:      d.Format,
			ContentHash: d.ContentHash,
			ParseMode:   d.ParseMode,
			Status:      d.Status,
			PageCount:   d.PageCount,
			Summary:     d.Summary,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		}
	}
	return result, nil
}

// Close cleanly shuts down the engine.
func (e *engine) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

func storePages(pages []*parser.Page) []store.Page {
	out := make([]store.Page, len(pages))
	for i, p := range pages {
		out[i] = store.Page{PageNum: p.PageNum, Offset: p.Offset, Text: p.Text, Tables: p.Tables}
	}
	return out
}

func storeImages(pages []*parser.Page) []store.Image {
	var out []store.Image
	for _, p := range pages {
		for _, img := range p.Images {
			out = append(out, store.Image{
				FigureID:      img.FigureID,
				PageNum:       img.PageNum,
				Filename:      img.Filename,
				MIMEType:      img.MIMEType,
				BBox:          img.BBox,
				Title:         img.Title,
				AltText:       img.AltText,
				ContextTitle:  img.ContextTitle,
				ContextText:   img.ContextText,
				SourceSummary: img.SourceDocumentSummary,
				Data:          img.Bytes,
			})
		}
	}
	return out
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
