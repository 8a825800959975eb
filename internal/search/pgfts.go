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

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a plainto_tsquery over the tasks table, ranked with ts_rank
// and snippeted with ts_headline, scoped to the caller's projects.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.ProjectIDs) == 0 {
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

	args := []any{q.Text}
	argN := 2

	placeholders := make([]string, len(q.ProjectIDs))
	for i, id := range q.ProjectIDs {
		placeholders[i] = fmt.Sprintf("$%d", argN)
		args = append(args, id)
		argN++
	}
	where := fmt.Sprintf("t.fts @@ plainto_tsquery('english', $1) AND t.project_id IN (%s)",
		strings.Join(placeholders, ", "))
	if q.Status != "" {
		where += fmt.Sprintf(" AND t.status = $%d", argN)
		args = append(args, q.Status)
		argN++
	}

	base := fmt.Sprintf(`
		SELECT t.id, t.title,
			ts_headline('english', coalesce(t.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			t.status, t.project_id, p.title AS project_title,
			ts_rank(t.fts, plainto_tsquery('english', $1)) AS rank
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE %s`, where)

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", base)
	dataSQL := fmt.Sprintf(`SELECT id, title, snippet, status, project_id, project_title
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, base, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Status, &r.ProjectID, &r.ProjectTitle); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable tasks for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.title, coalesce(t.description, ''), t.status, t.project_id, p.title
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]TaskRecord, 0)
	for rows.Next() {
		var t TaskRecord
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.ProjectID, &t.ProjectTitle); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
