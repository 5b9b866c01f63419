// Package store persists collaboration comments to PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fieldline/internal/collab"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the comments table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL,
			content TEXT NOT NULL,
			anchor JSONB,
			mentions JSONB,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure comments table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS comments_tenant_created_idx
		ON comments (tenant_id, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("ensure comments index: %w", err)
	}
	return nil
}

// InsertComment persists a newly created comment. Replies are in-memory only
// and never reach this table.
func (s *PostgresStore) InsertComment(ctx context.Context, c collab.Comment) error {
	var anchor any
	if c.Anchor != nil {
		raw, err := json.Marshal(c.Anchor)
		if err != nil {
			return fmt.Errorf("encode anchor: %w", err)
		}
		anchor = raw
	}
	mentions, err := json.Marshal(c.Mentions)
	if err != nil {
		return fmt.Errorf("encode mentions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comments (id, tenant_id, author_id, author_name, content, anchor, mentions, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.TenantID, c.UserID, c.UserName, c.Content, anchor, mentions, c.Resolved, c.Timestamp)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// SetCommentResolved flips a comment's resolved flag.
func (s *PostgresStore) SetCommentResolved(ctx context.Context, id string, resolved bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE comments SET resolved = $2 WHERE id = $1`, id, resolved); err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	return nil
}

// ListComments returns a tenant's comments, newest first.
func (s *PostgresStore) ListComments(ctx context.Context, tenantID string, limit int) ([]collab.Comment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, author_id, author_name, content, anchor, mentions, resolved, created_at
		FROM comments
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	return scanComments(rows)
}

// SearchComments is the Postgres full-text fallback used when Meilisearch is
// unavailable.
func (s *PostgresStore) SearchComments(ctx context.Context, tenantID, query string, limit int) ([]collab.Comment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, author_id, author_name, content, anchor, mentions, resolved, created_at
		FROM comments
		WHERE tenant_id = $1
		  AND to_tsvector('english', content) @@ plainto_tsquery('english', $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search comments: %w", err)
	}
	defer rows.Close()
	return scanComments(rows)
}

func scanComments(rows *sql.Rows) ([]collab.Comment, error) {
	var out []collab.Comment
	for rows.Next() {
		var c collab.Comment
		var anchor, mentions []byte
		if err := rows.Scan(&c.ID, &c.TenantID, &c.UserID, &c.UserName, &c.Content, &anchor, &mentions, &c.Resolved, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if len(anchor) > 0 {
			if err := json.Unmarshal(anchor, &c.Anchor); err != nil {
				return nil, fmt.Errorf("decode anchor: %w", err)
			}
		}
		if len(mentions) > 0 {
			if err := json.Unmarshal(mentions, &c.Mentions); err != nil {
				return nil, fmt.Errorf("decode mentions: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
