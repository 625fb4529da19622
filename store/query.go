package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Result holds the rows of an executed query in store order.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      []Row    `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Empty reports whether the query matched nothing.
func (r *Result) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// Neighbor is a listing returned by a similarity search.
type Neighbor struct {
	NodeID string  `json:"node_id"`
	Label  string  `json:"label"` // canonical address
	Score  float64 `json:"score"` // cosine similarity
}

// Execute runs query inside a read-only transaction that is always rolled
// back. An empty result is not an error. Failures are mapped onto
// ErrQuerySyntax, ErrQueryTimeout or ErrUnavailable.
func (s *Store) Execute(ctx context.Context, query string) (*Result, error) {
	start := time.Now()

	tx, err := s.reader().BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(ctx, err)
	}

	res := &Result{Columns: cols, Rows: []Row{}}
	for rows.Next() {
		if len(res.Rows) >= s.maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(ctx, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(vals[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}

	slog.Debug("store: query executed",
		"rows", len(res.Rows), "truncated", res.Truncated,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// NearestNeighbors returns up to k listings whose canonical address
// embeddings are closest to vec, best first.
func (s *Store) NearestNeighbors(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	if len(vec) != s.embeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.embeddingDim)
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.reader().QueryContext(ctx, `
		SELECT l.id, l.address_canonical, v.distance
		FROM vec_listings v
		JOIN listings l ON l.seq = v.listing_seq
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(vec), k)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		var distance float64
		if err := rows.Scan(&n.NodeID, &n.Label, &distance); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		// Cosine distance to similarity.
		n.Score = 1.0 - distance
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return out, nil
}

// classify maps a database/sql or sqlite error onto the store's sentinels.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrInterrupt:
			return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
		case sqlite3.ErrError, sqlite3.ErrReadonly, sqlite3.ErrAuth,
			sqlite3.ErrRange, sqlite3.ErrMismatch, sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrQuerySyntax, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// normalizeValue turns driver values into plain Go values. Binary columns
// such as embeddings are dropped.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		// The driver reports TEXT as string, so bytes are BLOB storage.
		return nil
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}
