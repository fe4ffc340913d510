package store

// schemaSQL is the DDL for the local index: one row per document, its
// pages, the images extracted from it and the chunks cut from its pages.
const schemaSQL = `
-- Document registry with hash-based change detection
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    filename TEXT NOT NULL,
    format TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    parse_mode TEXT NOT NULL,
    status TEXT DEFAULT 'pending',
    page_count INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pages (
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    page_num INTEGER NOT NULL,
    char_offset INTEGER NOT NULL,
    text TEXT NOT NULL,
    tables JSON,
    PRIMARY KEY (document_id, page_num)
);

CREATE TABLE IF NOT EXISTS images (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    figure_id TEXT NOT NULL,
    page_num INTEGER NOT NULL,
    filename TEXT NOT NULL,
    mime_type TEXT,
    bbox JSON,
    title TEXT,
    alt_text TEXT,
    context_title TEXT,
    context_text TEXT,
    data BLOB,
    UNIQUE(document_id, figure_id)
);

CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    page_num INTEGER NOT NULL,
    content TEXT NOT NULL,
    chunk_type TEXT NOT NULL,
    heading TEXT,
    citation TEXT NOT NULL,
    figure_ids JSON,
    token_count INTEGER,
    content_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, position);
CREATE INDEX IF NOT EXISTS idx_images_document ON images(document_id);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
`
