// Package search is the dictionary query collaborator used by the realtime
// layer. Ranking and enrichment live elsewhere; implementations here are plain
// filters over dictionary entries.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("search: empty query")

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Options narrows a query.
type Options struct {
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Field  string `json:"field,omitempty"`
}

func (o Options) normalized() Options {
	if o.Limit <= 0 {
		o.Limit = defaultLimit
	}
	if o.Limit > maxLimit {
		o.Limit = maxLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	o.Field = strings.TrimSpace(o.Field)
	return o
}

// Result is one matching dictionary entry.
type Result struct {
	ID        string `json:"id"`
	Hungarian string `json:"hungarian"`
	English   string `json:"english"`
	Field     string `json:"field,omitempty"`
}

// Searcher answers dictionary queries.
type Searcher interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// SQLSearcher filters the entries table with case-insensitive substring
// matches on both languages.
type SQLSearcher struct {
	db *sql.DB
}

func NewSQLSearcher(db *sql.DB) *SQLSearcher {
	return &SQLSearcher{db: db}
}

const searchQuery = `
SELECT id, hungarian, english, COALESCE(field_name, '')
FROM entries
WHERE (hungarian ILIKE $1 OR english ILIKE $1)
  AND ($2 = '' OR field_name = $2)
ORDER BY hungarian, id
LIMIT $3 OFFSET $4`

func (s *SQLSearcher) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	opts = opts.normalized()

	rows, err := s.db.QueryContext(ctx, searchQuery, "%"+escapeLike(query)+"%", opts.Field, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	out := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Hungarian, &r.English, &r.Field); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// MemorySearcher filters an in-memory entry set. Used in development and tests.
type MemorySearcher struct {
	mu      sync.RWMutex
	entries []Result
}

func NewMemorySearcher(entries ...Result) *MemorySearcher {
	return &MemorySearcher{entries: append([]Result(nil), entries...)}
}

// Add inserts or replaces entries by id.
func (m *MemorySearcher) Add(entries ...Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		replaced := false
		for i := range m.entries {
			if m.entries[i].ID == e.ID {
				m.entries[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			m.entries = append(m.entries, e)
		}
	}
}

func (m *MemorySearcher) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.normalized()

	m.mu.RLock()
	matches := make([]Result, 0)
	for _, e := range m.entries {
		if opts.Field != "" && e.Field != opts.Field {
			continue
		}
		if strings.Contains(strings.ToLower(e.Hungarian), query) || strings.Contains(strings.ToLower(e.English), query) {
			matches = append(matches, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Hungarian != matches[j].Hungarian {
			return matches[i].Hungarian < matches[j].Hungarian
		}
		return matches[i].ID < matches[j].ID
	})
	if opts.Offset >= len(matches) {
		return []Result{}, nil
	}
	matches = matches[opts.Offset:]
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}
