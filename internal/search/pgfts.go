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

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches file entries whose current version is approved, ranked
// with ts_rank and with ts_headline snippets of the description.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.GroupID}
	where := fmt.Sprintf("e.search_vector @@ %s AND e.group_id = $2 AND v.status = 0", tsQuery)
	if q.FolderID >= 0 {
		where += " AND e.folder_id = $3"
		args = append(args, q.FolderID)
	}
	from := `FROM file_entries e
		JOIN file_versions v ON v.file_entry_id = e.id AND v.version = e.version`

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) %s WHERE %s", from, where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT e.id, e.group_id, e.folder_id, e.title,
			ts_headline('english', coalesce(e.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			e.extension, e.version
		%s
		WHERE %s
		ORDER BY ts_rank(e.search_vector, %s) DESC, e.id
		LIMIT %d OFFSET %d`, tsQuery, from, where, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.FileEntryID, &r.GroupID, &r.FolderID, &r.Title, &r.Snippet, &r.Extension, &r.Version); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable file entry for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]FileEntryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.group_id, e.folder_id, e.title, e.description, e.extension,
			e.mime_type, e.version, e.version_user_name, e.modified_at
		FROM file_entries e
		JOIN file_versions v ON v.file_entry_id = e.id AND v.version = e.version
		WHERE v.status = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("load file entries: %w", err)
	}
	defer rows.Close()

	records := make([]FileEntryRecord, 0)
	for rows.Next() {
		var (
			r          FileEntryRecord
			modifiedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.GroupID, &r.FolderID, &r.Title, &r.Description, &r.Extension,
			&r.MimeType, &r.Version, &r.UserName, &modifiedAt); err != nil {
			return nil, fmt.Errorf("scan file entry: %w", err)
		}
		if modifiedAt.Valid {
			r.ModifiedAt = modifiedAt.Time.Unix()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file entries: %w", err)
	}
	return records, nil
}
