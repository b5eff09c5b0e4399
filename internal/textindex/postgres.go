package textindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Postgres backs the text index with a single table:
//
//	CREATE TABLE indexed_files (
//	    path         TEXT PRIMARY KEY,
//	    content      TEXT NOT NULL,
//	    content_hash TEXT NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL
//	);
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. The caller owns the handle;
// cmd/server shares one *sql.DB between the text index and the entity
// store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func (p *Postgres) Upsert(ctx context.Context, path, content, hash string, now time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO indexed_files (path, content, content_hash, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE
		SET content = EXCLUDED.content,
		    content_hash = EXCLUDED.content_hash,
		    updated_at = EXCLUDED.updated_at`,
		path, content, hash, now)
	if err != nil {
		return fmt.Errorf("upsert indexed file %s: %w", path, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, path string) (*Row, error) {
	var row Row
	err := p.db.QueryRowContext(ctx, `
		SELECT path, content, content_hash, updated_at
		FROM indexed_files WHERE path = $1`, path).
		Scan(&row.Path, &row.Content, &row.ContentHash, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get indexed file %s: %w", path, err)
	}
	return &row, nil
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM indexed_files WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("delete indexed file %s: %w", path, err)
	}
	return nil
}

func (p *Postgres) Scan(ctx context.Context, prefix string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT path, content, content_hash, updated_at
		FROM indexed_files
		WHERE path LIKE $1 || '%'
		ORDER BY path
		LIMIT $2`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("scan indexed files %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.Path, &row.Content, &row.ContentHash, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

var _ Index = (*Postgres)(nil)
