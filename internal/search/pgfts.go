package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches comments.search_vector with plainto_tsquery and ranks by
// ts_rank. Soft-deleted comments never match.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	where := []string{"c.search_vector @@ " + tsQuery, "NOT c.is_deleted"}
	if q.ResourceType != "" {
		args = append(args, string(q.ResourceType))
		where = append(where, fmt.Sprintf("c.resource_type = $%d", len(args)))
	}
	if q.ResourceID != "" {
		args = append(args, q.ResourceID)
		where = append(where, fmt.Sprintf("c.resource_id = $%d::uuid", len(args)))
	}
	if q.SessionID != "" {
		args = append(args, q.SessionID)
		where = append(where, fmt.Sprintf("c.session_id = $%d::uuid", len(args)))
	}
	args = append(args, limit, offset)

	dataSQL := fmt.Sprintf(`
		SELECT c.id::text, c.resource_type, c.resource_id::text, COALESCE(c.session_id::text, ''), c.user_id::text,
			ts_headline('simple', c.text, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			count(*) OVER () AS total
		FROM comments c
		WHERE %s
		ORDER BY ts_rank(c.search_vector, %s) DESC, c.created_at DESC
		LIMIT $%d OFFSET $%d`,
		tsQuery, strings.Join(where, " AND "), tsQuery, len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var (
		results []Result
		total   int
	)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.CommentID, &r.ResourceType, &r.ResourceID, &r.SessionID, &r.UserID, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords returns every live comment for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, text, resource_type, resource_id::text, COALESCE(session_id::text, ''), user_id::text,
			COALESCE(parent_comment_id::text, ''), EXTRACT(EPOCH FROM created_at)::bigint
		FROM comments
		WHERE NOT is_deleted
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.Text, &r.ResourceType, &r.ResourceID, &r.SessionID, &r.UserID, &r.ParentID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
