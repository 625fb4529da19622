package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Relationship kinds stored in the graph.
const (
	RelManages   = "MANAGES"
	RelWorksWith = "WORKS_WITH"
	RelCoLocated = "CO_LOCATED"
)

// DefaultMaxRows caps the rows returned by a single Execute call.
const DefaultMaxRows = 200

// Broker represents a row in the brokers table.
type Broker struct {
	ID             string   `json:"id"`
	Email          string   `json:"email"`
	Name           string   `json:"name,omitempty"`
	Phone          string   `json:"phone,omitempty"`
	GCI3YearsRaw   string   `json:"gci_3_years_raw,omitempty"`
	GCI3YearsClean *float64 `json:"gci_3_years_clean,omitempty"`
}

// Associate represents a row in the associates table.
type Associate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Listing represents a row in the listings table plus its address embedding.
type Listing struct {
	ID               string   `json:"id"`
	AddressRaw       string   `json:"address_raw"`
	AddressCanonical string   `json:"address_canonical"`
	AddressNumber    string   `json:"address_number,omitempty"`
	AddressStreet    string   `json:"address_street,omitempty"`
	Floor            string   `json:"floor,omitempty"`
	Suite            string   `json:"suite,omitempty"`
	SizeSFRaw        string   `json:"size_sf_raw,omitempty"`
	SizeSFClean      *float64 `json:"size_sf_clean,omitempty"`
	RentRaw          string   `json:"rent_raw,omitempty"`
	RentClean        *float64 `json:"rent_clean,omitempty"`
	AnnualRentRaw    string   `json:"annual_rent_raw,omitempty"`
	AnnualRentClean  *float64 `json:"annual_rent_clean,omitempty"`
	RentSFYearRaw    string   `json:"rent_sf_year_raw,omitempty"`
	RentSFYearClean  *float64 `json:"rent_sf_year_clean,omitempty"`
	Embedding        []float32 `json:"-"`
}

// Edge is a typed relationship between two node ids.
type Edge struct {
	Kind string `json:"kind"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the complete node and relationship set written by a build.
type Graph struct {
	Brokers    []Broker
	Associates []Associate
	Listings   []Listing
	Edges      []Edge
}

// SchemaArtifact is the persisted, versioned schema description for one
// query dialect.
type SchemaArtifact struct {
	Dialect string `json:"dialect"`
	Version string `json:"version"`
	Body    string `json:"body"`
}

// Stats reports node and relationship counts.
type Stats struct {
	Brokers    int `json:"brokers"`
	Associates int `json:"associates"`
	Listings   int `json:"listings"`
	Embeddings int `json:"embeddings"`
	Manages    int `json:"manages"`
	WorksWith  int `json:"works_with"`
	CoLocated  int `json:"co_located"`
}

// Store wraps the SQLite database holding the listing graph. Build-time
// writes go through db; every query-time read goes through ro, a
// separate pool opened with mode=ro and query_only.
type Store struct {
	db           *sql.DB
	ro           *sql.DB
	embeddingDim int
	maxRows      int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec address index.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim, maxRows: DefaultMaxRows}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	ro, err := openReader(dbPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ro = ro

	return s, nil
}

// OpenReadOnly opens an existing graph for query-time use only. Write
// methods on the returned Store fail with ErrReadOnly.
func OpenReadOnly(dbPath string, embeddingDim int) (*Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ro, err := openReader(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{ro: ro, embeddingDim: embeddingDim, maxRows: DefaultMaxRows}, nil
}

func openReader(dbPath string) (*sql.DB, error) {
	ro, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_query_only=true&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("%w: opening read-only database: %v", ErrUnavailable, err)
	}
	if err := ro.Ping(); err != nil {
		ro.Close()
		return nil, fmt.Errorf("%w: pinging read-only database: %v", ErrUnavailable, err)
	}
	ro.SetMaxOpenConns(4)
	ro.SetMaxIdleConns(2)
	ro.SetConnMaxLifetime(30 * time.Minute)
	return ro, nil
}

// Close closes the underlying database connections.
func (s *Store) Close() error {
	var errs []error
	if s.ro != nil {
		errs = append(errs, s.ro.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// SetMaxRows changes the per-query row cap. Non-positive values restore
// DefaultMaxRows.
func (s *Store) SetMaxRows(n int) {
	if n <= 0 {
		n = DefaultMaxRows
	}
	s.maxRows = n
}

// Dialect reports the query language Execute accepts.
func (s *Store) Dialect() string { return "sql" }

func (s *Store) reader() *sql.DB {
	return s.ro
}

// --- Build-time writes ---

// WriteGraph inserts every node, edge and embedding of g together with
// the schema artifact a in one transaction. The graph is write-once: a
// second call fails with ErrAlreadyBuilt.
func (s *Store) WriteGraph(ctx context.Context, g *Graph, a SchemaArtifact) error {
	if s.db == nil {
		return ErrReadOnly
	}

	var existing int
	if err := s.db.QueryRowContext(ctx,
		"SELECT (SELECT COUNT(*) FROM listings) + (SELECT COUNT(*) FROM schema_artifact)").Scan(&existing); err != nil {
		return fmt.Errorf("counting listings: %w", err)
	}
	if existing > 0 {
		return ErrAlreadyBuilt
	}

	start := time.Now()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, b := range g.Brokers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO brokers (id, email, name, phone, gci_3_years_raw, gci_3_years_clean)
				VALUES (?, ?, ?, ?, ?, ?)`,
				b.ID, b.Email, nullString(b.Name), nullString(b.Phone),
				nullString(b.GCI3YearsRaw), b.GCI3YearsClean); err != nil {
				return fmt.Errorf("inserting broker %s: %w", b.ID, err)
			}
		}

		for _, a := range g.Associates {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO associates (id, name) VALUES (?, ?)", a.ID, a.Name); err != nil {
				return fmt.Errorf("inserting associate %s: %w", a.ID, err)
			}
		}

		for _, l := range g.Listings {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO listings (id, address_raw, address_canonical, address_number, address_street,
					floor, suite, size_sf_raw, size_sf_clean, rent_raw, rent_clean,
					annual_rent_raw, annual_rent_clean, rent_sf_year_raw, rent_sf_year_clean)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				l.ID, l.AddressRaw, l.AddressCanonical, nullString(l.AddressNumber), nullString(l.AddressStreet),
				nullString(l.Floor), nullString(l.Suite), nullString(l.SizeSFRaw), l.SizeSFClean,
				nullString(l.RentRaw), l.RentClean, nullString(l.AnnualRentRaw), l.AnnualRentClean,
				nullString(l.RentSFYearRaw), l.RentSFYearClean)
			if err != nil {
				return fmt.Errorf("inserting listing %s: %w", l.ID, err)
			}
			if len(l.Embedding) == 0 {
				continue
			}
			if len(l.Embedding) != s.embeddingDim {
				return fmt.Errorf("%w: listing %s has %d dims, store expects %d",
					ErrDimensionMismatch, l.ID, len(l.Embedding), s.embeddingDim)
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_listings (listing_seq, embedding) VALUES (?, ?)",
				seq, serializeFloat32(l.Embedding)); err != nil {
				return fmt.Errorf("inserting embedding for %s: %w", l.ID, err)
			}
		}

		for _, e := range g.Edges {
			if err := insertEdge(ctx, tx, e); err != nil {
				return err
			}
		}

		if a.Dialect != s.Dialect() {
			return fmt.Errorf("saving schema artifact: dialect %q, store speaks %q", a.Dialect, s.Dialect())
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_artifact (dialect, version, body) VALUES (?, ?, ?)",
			a.Dialect, a.Version, a.Body); err != nil {
			return fmt.Errorf("saving schema artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("store: graph written",
		"brokers", len(g.Brokers), "associates", len(g.Associates),
		"listings", len(g.Listings), "edges", len(g.Edges),
		"schema_version", a.Version, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, e Edge) error {
	var stmt string
	from, to := e.From, e.To
	switch e.Kind {
	case RelManages:
		stmt = "INSERT INTO manages (broker_id, listing_id) VALUES (?, ?)"
	case RelWorksWith:
		stmt = "INSERT INTO works_with (broker_id, associate_id) VALUES (?, ?)"
	case RelCoLocated:
		if from > to {
			from, to = to, from
		}
		stmt = "INSERT OR IGNORE INTO co_located (listing_a, listing_b) VALUES (?, ?)"
	default:
		return fmt.Errorf("unknown relationship kind %q", e.Kind)
	}
	if _, err := tx.ExecContext(ctx, stmt, from, to); err != nil {
		return fmt.Errorf("inserting %s %s->%s: %w", e.Kind, e.From, e.To, err)
	}
	return nil
}

// LoadSchema reads the schema artifact for dialect. It returns
// ErrNotBuilt when the graph has not been built for that dialect.
func (s *Store) LoadSchema(ctx context.Context, dialect string) (*SchemaArtifact, error) {
	a := &SchemaArtifact{Dialect: dialect}
	err := s.reader().QueryRowContext(ctx,
		"SELECT version, body FROM schema_artifact WHERE dialect = ?", dialect).Scan(&a.Version, &a.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotBuilt
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading schema artifact: %v", ErrUnavailable, err)
	}
	return a, nil
}

// Stats returns node and relationship counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	for _, q := range []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM brokers", &st.Brokers},
		{"SELECT COUNT(*) FROM associates", &st.Associates},
		{"SELECT COUNT(*) FROM listings", &st.Listings},
		{"SELECT COUNT(*) FROM vec_listings", &st.Embeddings},
		{"SELECT COUNT(*) FROM manages", &st.Manages},
		{"SELECT COUNT(*) FROM works_with", &st.WorksWith},
		{"SELECT COUNT(*) FROM co_located", &st.CoLocated},
	} {
		if err := s.reader().QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return st, nil
}

// Ping checks that the read-only pool is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.reader().PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
