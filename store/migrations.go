package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Steps are appended, never
// edited; version 1 is the base DDL in schemaSQL.
type migration struct {
	version     int
	description string
	apply       func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "base schema", func(context.Context, *sql.Tx) error { return nil }},
	{2, "document summary", addColumn("documents", "summary", "TEXT DEFAULT ''")},
	{3, "image source summary", addColumn("images", "source_summary", "TEXT DEFAULT ''")},
	{4, "chunk lookup by page", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_chunks_page ON chunks(document_id, page_num)")
		return err
	}},
}

// addColumn returns a step that adds column to table unless a previous
// partial run already did.
func addColumn(table, column, decl string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", table, err)
		}
		if n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
		return err
	}
}

// Migrate applies every step newer than the recorded schema version, each
// in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	const versionTable = `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		description TEXT,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.ExecContext(ctx, versionTable); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations[min(current, len(migrations)):] {
		s.log.Info("store: applying migration", "version", m.version, "description", m.description)
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, description) VALUES (?, ?)", m.version, m.description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}
