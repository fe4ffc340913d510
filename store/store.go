package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// Document represents a row in the documents table.
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

// Page represents a row in the pages table.
type Page struct {
	DocumentID int64    `json:"document_id"`
	PageNum    int      `json:"page_num"`
	Offset     int      `json:"offset"`
	Text       string   `json:"text"`
	Tables     []string `json:"tables,omitempty"`
}

// Image represents a row in the images table. Data is only loaded on
// request.
type Image struct {
	ID            int64      `json:"id"`
	DocumentID    int64      `json:"document_id"`
	FigureID      string     `json:"figure_id"`
	PageNum       int        `json:"page_num"`
	Filename      string     `json:"filename"`
	MIMEType      string     `json:"mime_type"`
	BBox          [4]float64 `json:"bbox"`
	Title         string     `json:"title,omitempty"`
	AltText       string     `json:"alt_text,omitempty"`
	ContextTitle  string     `json:"context_title,omitempty"`
	ContextText   string     `json:"context_text,omitempty"`
	SourceSummary string     `json:"source_summary,omitempty"`
	Data          []byte     `json:"-"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID          int64    `json:"id"`
	DocumentID  int64    `json:"document_id"`
	Position    int      `json:"position"`
	PageNum     int      `json:"page_num"`
	Content     string   `json:"content"`
	ChunkType   string   `json:"chunk_type"`
	Heading     string   `json:"heading,omitempty"`
	Citation    string   `json:"citation"`
	FigureIDs   []string `json:"figure_ids,omitempty"`
	TokenCount  int      `json:"token_count"`
	ContentHash string   `json:"content_hash"`
}

// Store wraps the SQLite database holding the prepared documents.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New opens (or creates) a SQLite database at the given path, creates the
// schema and runs pending migrations.
func New(dbPath string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, log: log}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Document operations ---

const documentColumns = `id, path, filename, format, content_hash, parse_mode, status,
	page_count, summary, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var summary sql.NullString
	if err := row.Scan(&d.ID, &d.Path, &d.Filename, &d.Format, &d.ContentHash,
		&d.ParseMode, &d.Status, &d.PageCount, &summary, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Summary = summary.String
	return &d, nil
}

// UpsertDocument inserts or updates a document record keyed by path.
// Returns the document ID.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (path, filename, format, content_hash, parse_mode, status, page_count, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			filename = excluded.filename,
			format = excluded.format,
			content_hash = excluded.content_hash,
			parse_mode = excluded.parse_mode,
			status = excluded.status,
			page_count = excluded.page_count,
			summary = excluded.summary,
			updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`, doc.Path, doc.Filename, doc.Format, doc.ContentHash, doc.ParseMode, doc.Status, doc.PageCount, doc.Summary).Scan(&id)
	return id, err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	return d, err
}

// GetDocumentByPath retrieves a document by its file path.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", path, ErrNotFound)
	}
	return d, err
}

// ListDocuments returns all documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus updates just the status field.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}

// DeleteDocument removes a document; pages, images and chunks cascade.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Content operations ---

// ReplaceDocumentContent swaps the pages, images and chunks of a document
// in one transaction. Chunk IDs are assigned on insert and written back.
func (s *Store) ReplaceDocumentContent(ctx context.Context, docID int64, pages []Page, images []Image, chunks []Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"pages", "images", "chunks"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE document_id = ?", docID); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}

		pageStmt, err := tx.PrepareContext(ctx,
			"INSERT INTO pages (document_id, page_num, char_offset, text, tables) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer pageStmt.Close()
		for _, p := range pages {
			if _, err := pageStmt.ExecContext(ctx, docID, p.PageNum, p.Offset, p.Text, jsonText(p.Tables)); err != nil {
				return fmt.Errorf("inserting page %d: %w", p.PageNum, err)
			}
		}

		imgStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO images (document_id, figure_id, page_num, filename, mime_type, bbox,
				title, alt_text, context_title, context_text, source_summary, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer imgStmt.Close()
		for _, img := range images {
			if _, err := imgStmt.ExecContext(ctx, docID, img.FigureID, img.PageNum, img.Filename,
				img.MIMEType, jsonText(img.BBox), img.Title, img.AltText, img.ContextTitle,
				img.ContextText, img.SourceSummary, img.Data); err != nil {
				return fmt.Errorf("inserting image %s: %w", img.FigureID, err)
			}
		}

		chunkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, position, page_num, content, chunk_type, heading,
				citation, figure_ids, token_count, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer chunkStmt.Close()
		for i := range chunks {
			c := &chunks[i]
			res, err := chunkStmt.ExecContext(ctx, docID, c.Position, c.PageNum, c.Content,
				c.ChunkType, c.Heading, c.Citation, jsonText(c.FigureIDs), c.TokenCount, c.ContentHash)
			if err != nil {
				return fmt.Errorf("inserting chunk %d: %w", c.Position, err)
			}
			if c.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			c.DocumentID = docID
		}
		return nil
	})
}

// GetPages returns the pages of a document in page order.
func (s *Store) GetPages(ctx context.Context, docID int64) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, page_num, char_offset, text, tables
		FROM pages WHERE document_id = ? ORDER BY page_num
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var p Page
		var tables sql.NullString
		if err := rows.Scan(&p.DocumentID, &p.PageNum, &p.Offset, &p.Text, &tables); err != nil {
			return nil, err
		}
		if err := fromJSONText(tables, &p.Tables); err != nil {
			return nil, fmt.Errorf("page %d tables: %w", p.PageNum, err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// GetImages returns the images of a document by page then id. Image bytes
// are only read when withData is set.
func (s *Store) GetImages(ctx context.Context, docID int64, withData bool) ([]Image, error) {
	dataCol := "NULL"
	if withData {
		dataCol = "data"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, figure_id, page_num, filename, mime_type, bbox, title, alt_text,
			context_title, context_text, source_summary, `+dataCol+`
		FROM images WHERE document_id = ? ORDER BY page_num, id
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var mime, bbox, title, alt, ctxTitle, ctxText, summary sql.NullString
		if err := rows.Scan(&img.ID, &img.DocumentID, &img.FigureID, &img.PageNum, &img.Filename,
			&mime, &bbox, &title, &alt, &ctxTitle, &ctxText, &summary, &img.Data); err != nil {
			return nil, err
		}
		if err := fromJSONText(bbox, &img.BBox); err != nil {
			return nil, fmt.Errorf("image %s bbox: %w", img.FigureID, err)
		}
		img.MIMEType, img.Title, img.AltText = mime.String, title.String, alt.String
		img.ContextTitle, img.ContextText, img.SourceSummary = ctxTitle.String, ctxText.String, summary.String
		images = append(images, img)
	}
	return images, rows.Err()
}

// GetChunks returns the chunks of a document in document order.
func (s *Store) GetChunks(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, position, page_num, content, chunk_type, heading,
			citation, figure_ids, token_count, content_hash
		FROM chunks WHERE document_id = ? ORDER BY position
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var heading, figures sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Position, &c.PageNum, &c.Content,
			&c.ChunkType, &heading, &c.Citation, &figures, &c.TokenCount, &c.ContentHash); err != nil {
			return nil, err
		}
		c.Heading = heading.String
		if err := fromJSONText(figures, &c.FigureIDs); err != nil {
			return nil, fmt.Errorf("chunk %d figure ids: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// jsonText encodes v for a JSON column; nil slices are stored as NULL.
func jsonText(v any) any {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func fromJSONText(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
