package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PGFTS is the Postgres full-text fallback used when Meilisearch is down.
// It queries the document_search side table maintained by the store.
type PGFTS struct {
	db *sql.DB
}

func NewPGFTS(db *sql.DB) *PGFTS {
	return &PGFTS{db: db}
}

// Healthy reports whether the database answers.
func (p *PGFTS) Healthy() bool {
	return p.db.Ping() == nil
}

// Search runs a ranked tsvector query with headline snippets.
func (p *PGFTS) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	conditions := []string{"s.fts @@ plainto_tsquery('english', $1)"}
	args := []interface{}{q.Text}
	if q.FilterSchoolID != "" {
		args = append(args, q.FilterSchoolID)
		conditions = append(conditions, fmt.Sprintf("d.school_id = $%d", len(args)))
	}
	if q.FilterType != "" {
		args = append(args, q.FilterType)
		conditions = append(conditions, fmt.Sprintf("d.doc_type = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := `
		SELECT COUNT(*)
		FROM document_search s
		JOIN documents d ON d.id = s.document_id
		WHERE ` + where
	if err := p.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	args = append(args, limit, q.Offset)
	query := `
		SELECT s.document_id, d.title, d.doc_type, COALESCE(d.school_id, ''),
		       ts_headline('english', s.description_lower, plainto_tsquery('english', $1),
		                   'StartSel=<mark>, StopSel=</mark>, MaxWords=30, MinWords=10')
		FROM document_search s
		JOIN documents d ON d.id = s.document_id
		WHERE ` + where + `
		ORDER BY ts_rank(s.fts, plainto_tsquery('english', $1)) DESC, s.updated_at DESC
		LIMIT $` + fmt.Sprint(len(args)-1) + ` OFFSET $` + fmt.Sprint(len(args))

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query search results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocumentID, &r.Title, &r.Type, &r.SchoolID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
