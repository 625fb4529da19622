// Package neo4jstore is the Cypher backend for the listing graph. It
// mirrors store.Store: build-time writes, read-only query execution and a
// vector index over canonical address embeddings.
package neo4jstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brunobiangulo/hybridqa/store"
)

// vectorIndex is the name of the address embedding index.
const vectorIndex = "listing_address_embedding"

// defaultTxTimeout bounds read transactions when the caller's context has
// no deadline.
const defaultTxTimeout = 30 * time.Second

// Config holds the Neo4j connection settings.
type Config struct {
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// Store wraps a Neo4j driver holding the listing graph.
type Store struct {
	driver       neo4j.DriverWithContext
	database     string
	embeddingDim int
	maxRows      int
	readOnly     bool
}

// New connects to Neo4j and verifies connectivity. The returned store can
// write a graph once and query it.
func New(ctx context.Context, cfg Config, embeddingDim int) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: neo4j uri not configured", store.ErrUnavailable)
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("%w: creating neo4j driver: %v", store.ErrUnavailable, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("%w: neo4j connectivity: %v", store.ErrUnavailable, err)
	}
	slog.Info("neo4jstore: connected", "uri", cfg.URI, "database", cfg.Database)
	return &Store{
		driver:       driver,
		database:     cfg.Database,
		embeddingDim: embeddingDim,
		maxRows:      store.DefaultMaxRows,
	}, nil
}

// OpenReadOnly connects for query-time use only. Write methods fail with
// store.ErrReadOnly.
func OpenReadOnly(ctx context.Context, cfg Config, embeddingDim int) (*Store, error) {
	s, err := New(ctx, cfg, embeddingDim)
	if err != nil {
		return nil, err
	}
	s.readOnly = true
	return s, nil
}

// Close releases the driver.
func (s *Store) Close() error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(context.Background())
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// SetMaxRows changes the per-query row cap. Non-positive values restore
// store.DefaultMaxRows.
func (s *Store) SetMaxRows(n int) {
	if n <= 0 {
		n = store.DefaultMaxRows
	}
	s.maxRows = n
}

// Dialect reports the query language Execute accepts.
func (s *Store) Dialect() string { return "cypher" }

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

// txTimeout derives the server-side transaction timeout from ctx.
func txTimeout(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return defaultTxTimeout
}

// --- Query-time reads ---

// Execute runs a Cypher query in a read-access session and managed read
// transaction, so the server refuses any write. An empty result is not an
// error. Failures are mapped onto the store package's sentinels.
func (s *Store) Execute(ctx context.Context, query string) (*store.Result, error) {
	start := time.Now()

	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}
		keys, err := result.Keys()
		if err != nil {
			return nil, err
		}
		res := &store.Result{Columns: keys, Rows: []store.Row{}}
		for result.Next(ctx) {
			if len(res.Rows) >= s.maxRows {
				res.Truncated = true
				break
			}
			res.Rows = append(res.Rows, recordRow(result.Record()))
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		return res, nil
	}, neo4j.WithTxTimeout(txTimeout(ctx)))
	if err != nil {
		return nil, classify(ctx, err)
	}

	res := out.(*store.Result)
	slog.Debug("neo4jstore: query executed",
		"rows", len(res.Rows), "truncated", res.Truncated,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// NearestNeighbors returns up to k listings whose canonical address
// embeddings are closest to vec, best first.
func (s *Store) NearestNeighbors(ctx context.Context, vec []float32, k int) ([]store.Neighbor, error) {
	if len(vec) != s.embeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", store.ErrDimensionMismatch, len(vec), s.embeddingDim)
	}
	if k <= 0 {
		k = 5
	}

	sess := s.session(ctx, neo4j.AccessModeRead)
	defer sess.Close(ctx)

	out, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			CALL db.index.vector.queryNodes($index, $k, $vec)
			YIELD node, score
			RETURN node.id AS id, node.address_canonical AS address, score
			ORDER BY score DESC, id`,
			map[string]any{"index": vectorIndex, "k": k, "vec": toFloat64s(vec)})
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		neighbors := make([]store.Neighbor, 0, len(records))
		for _, rec := range records {
			id, _ := rec.Get("id")
			addr, _ := rec.Get("address")
			score, _ := rec.Get("score")
			idStr, _ := id.(string)
			addrStr, _ := addr.(string)
			f, _ := score.(float64)
			neighbors = append(neighbors, store.Neighbor{
				NodeID: idStr,
				Label:  addrStr,
				Score:  cosineFromIndexScore(f),
			})
		}
		return neighbors, nil
	}, neo4j.WithTxTimeout(txTimeout(ctx)))
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", store.ErrUnavailable, err)
	}
	return out.([]store.Neighbor), nil
}

// cosineFromIndexScore undoes the vector index normalisation: for cosine
// indexes Neo4j reports (1 + cos) / 2.
func cosineFromIndexScore(score float64) float64 {
	return 2*score - 1
}

// classify maps a driver error onto the store package's sentinels.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", store.ErrQueryTimeout, err)
	}

	var ne *neo4j.Neo4jError
	if errors.As(err, &ne) {
		switch {
		case ne.Code == "Neo.ClientError.Transaction.TransactionTimedOut",
			ne.Code == "Neo.ClientError.Transaction.TransactionTimedOutClientConfiguration",
			ne.Code == "Neo.TransientError.Transaction.LockClientStopped":
			return fmt.Errorf("%w: %v", store.ErrQueryTimeout, err)
		case strings.HasPrefix(ne.Code, "Neo.ClientError.Statement."),
			strings.HasPrefix(ne.Code, "Neo.ClientError.Schema."),
			ne.Code == "Neo.ClientError.Security.Forbidden",
			ne.Code == "Neo.ClientError.Procedure.ProcedureNotFound",
			ne.Code == "Neo.ClientError.Procedure.ProcedureCallFailed":
			return fmt.Errorf("%w: %v", store.ErrQuerySyntax, err)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

// recordRow converts a driver record into a row of plain Go values.
func recordRow(rec *neo4j.Record) store.Row {
	row := make(store.Row, len(rec.Keys))
	for i, k := range rec.Keys {
		if isEmbeddingKey(k) {
			row[k] = nil
			continue
		}
		row[k] = normalizeValue(rec.Values[i])
	}
	return row
}

func isEmbeddingKey(k string) bool {
	return k == "embedding" || strings.HasSuffix(k, ".embedding")
}

// normalizeValue flattens nodes and relationships into property maps and
// temporal values into strings. Embedding properties are dropped.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case neo4j.Node:
		return propsMap(t.Props)
	case neo4j.Relationship:
		m := propsMap(t.Props)
		m["type"] = t.Type
		return m
	case neo4j.Path:
		nodes := make([]any, len(t.Nodes))
		for i, n := range t.Nodes {
			nodes[i] = propsMap(n.Props)
		}
		return nodes
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]any:
		return propsMap(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case neo4j.Date:
		return t.Time().Format("2006-01-02")
	case neo4j.LocalDateTime:
		return t.Time().Format("2006-01-02T15:04:05")
	case neo4j.Duration:
		return t.String()
	default:
		return v
	}
}

func propsMap(props map[string]any) map[string]any {
	m := make(map[string]any, len(props))
	for k, v := range props {
		if k == "embedding" {
			continue
		}
		m[k] = normalizeValue(v)
	}
	return m
}

func toFloat64s(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
