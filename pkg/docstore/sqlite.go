package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by SQLite through database/sql. Content is
// kept per document alongside a patch journal, so the edit history survives
// restarts even though room state does not.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at dsn and initializes the
// required schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			content BLOB NOT NULL,
			version INTEGER NOT NULL,
			updated_by TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS document_patches (
			document_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			patch BLOB NOT NULL,
			by_user TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			PRIMARY KEY (document_id, version)
		);`,
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, documentID string) (json.RawMessage, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE id = ?`, documentID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %q: %w", documentID, err)
	}
	return content, nil
}

func (s *SQLiteStore) ApplyPatch(ctx context.Context, documentID string, patch json.RawMessage, byUserID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply patch to %q: %w", documentID, err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE id = ?`, documentID,
	).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 0
	case err != nil:
		return fmt.Errorf("apply patch to %q: %w", documentID, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	version++

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, content, version, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			version = excluded.version,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		documentID, []byte(patch), version, byUserID, now,
	)
	if err != nil {
		return fmt.Errorf("apply patch to %q: %w", documentID, err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO document_patches (document_id, version, patch, by_user, applied_at)
		VALUES (?, ?, ?, ?, ?)`,
		documentID, version, []byte(patch), byUserID, now,
	); err != nil {
		// Two writers raced to the same version; the loser's patch conflicts.
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
