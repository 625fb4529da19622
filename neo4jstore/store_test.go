package neo4jstore

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/brunobiangulo/hybridqa/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"syntax", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.SyntaxError", Msg: "Invalid input"}, store.ErrQuerySyntax},
		{"unknown property type", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.TypeError"}, store.ErrQuerySyntax},
		{"write in read tx", &neo4j.Neo4jError{Code: "Neo.ClientError.Statement.AccessMode"}, store.ErrQuerySyntax},
		{"forbidden", &neo4j.Neo4jError{Code: "Neo.ClientError.Security.Forbidden"}, store.ErrQuerySyntax},
		{"unknown procedure", &neo4j.Neo4jError{Code: "Neo.ClientError.Procedure.ProcedureNotFound"}, store.ErrQuerySyntax},
		{"server timeout", &neo4j.Neo4jError{Code: "Neo.ClientError.Transaction.TransactionTimedOut"}, store.ErrQueryTimeout},
		{"client timeout", &neo4j.Neo4jError{Code: "Neo.ClientError.Transaction.TransactionTimedOutClientConfiguration"}, store.ErrQueryTimeout},
		{"transient", &neo4j.Neo4jError{Code: "Neo.TransientError.General.DatabaseUnavailable"}, store.ErrUnavailable},
		{"deadline", context.DeadlineExceeded, store.ErrQueryTimeout},
		{"other", errors.New("connection reset"), store.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(context.Background(), tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := classify(ctx, errors.New("read failed"))
	if !errors.Is(got, store.ErrQueryTimeout) {
		t.Errorf("got %v, want ErrQueryTimeout", got)
	}
}

func TestRecordRowDropsEmbeddings(t *testing.T) {
	node := neo4j.Node{
		ElementId: "4:x:1",
		Labels:    []string{"Listing"},
		Props: map[string]any{
			"id":         "L1",
			"rent_clean": 12000.0,
			"embedding":  []any{0.1, 0.2},
		},
	}
	rec := &neo4j.Record{
		Keys:   []string{"l", "l.embedding", "n"},
		Values: []any{node, []any{0.1, 0.2}, int64(3)},
	}

	row := recordRow(rec)
	props, ok := row["l"].(map[string]any)
	if !ok {
		t.Fatalf("node column = %T, want map", row["l"])
	}
	if _, has := props["embedding"]; has {
		t.Error("node embedding property should be dropped")
	}
	if props["id"] != "L1" || props["rent_clean"] != 12000.0 {
		t.Errorf("props = %v", props)
	}
	if row["l.embedding"] != nil {
		t.Errorf("embedding column = %v, want nil", row["l.embedding"])
	}
	if row["n"] != int64(3) {
		t.Errorf("n = %v", row["n"])
	}
}

func TestNormalizeRelationship(t *testing.T) {
	rel := neo4j.Relationship{Type: "MANAGES", Props: map[string]any{}}
	m, ok := normalizeValue(rel).(map[string]any)
	if !ok || m["type"] != "MANAGES" {
		t.Errorf("normalizeValue(rel) = %v", normalizeValue(rel))
	}
}

func TestNormalizeNestedList(t *testing.T) {
	v := normalizeValue([]any{
		neo4j.Node{Props: map[string]any{"id": "L1", "embedding": []any{1.0}}},
		"x",
	})
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("got %v", v)
	}
	if m := list[0].(map[string]any); m["id"] != "L1" || m["embedding"] != nil {
		t.Errorf("first = %v", m)
	}
}

func TestEdgeStatement(t *testing.T) {
	tests := []struct {
		kind     string
		contains []string
	}{
		{store.RelManages, []string{"(a:Broker {id: r.from})", "(b:Listing {id: r.to})", "[:MANAGES]"}},
		{store.RelWorksWith, []string{"(a:Broker", "(b:Associate", "[:WORKS_WITH]"}},
		{store.RelCoLocated, []string{"(a:Listing", "(b:Listing", "[:CO_LOCATED]"}},
	}
	for _, tt := range tests {
		stmt, err := edgeStatement(tt.kind)
		if err != nil {
			t.Fatalf("edgeStatement(%s): %v", tt.kind, err)
		}
		for _, c := range tt.contains {
			if !strings.Contains(stmt, c) {
				t.Errorf("%s statement missing %q:\n%s", tt.kind, c, stmt)
			}
		}
	}
	if _, err := edgeStatement("OWNS"); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestListingRowsOmitNullFields(t *testing.T) {
	rent := 9500.0
	rows := listingRows([]store.Listing{{
		ID:               "L1",
		AddressRaw:       " 36 W 36th St ",
		AddressCanonical: "36 W 36th St",
		RentRaw:          "$9,500",
		RentClean:        &rent,
		SizeSFRaw:        "n/a",
		Embedding:        []float32{1, 0, 0, 0},
	}})
	m := rows[0]
	if m["rent_clean"] != 9500.0 {
		t.Errorf("rent_clean = %v", m["rent_clean"])
	}
	if _, ok := m["size_sf_clean"]; ok {
		t.Error("size_sf_clean should be absent when unparseable")
	}
	if m["size_sf_raw"] != "n/a" {
		t.Errorf("size_sf_raw = %v", m["size_sf_raw"])
	}
	if emb, ok := m["embedding"].([]float64); !ok || len(emb) != 4 || emb[0] != 1 {
		t.Errorf("embedding = %v", m["embedding"])
	}
}

func TestConstraintStatementsCarryDimension(t *testing.T) {
	stmts := constraintStatements(1536)
	last := stmts[len(stmts)-1]
	if !strings.Contains(last, "`vector.dimensions`: 1536") || !strings.Contains(last, "'cosine'") {
		t.Errorf("vector index statement = %s", last)
	}
}

func TestCosineFromIndexScore(t *testing.T) {
	for _, tt := range []struct{ score, want float64 }{{1, 1}, {0.5, 0}, {0.9, 0.8}} {
		if got := cosineFromIndexScore(tt.score); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("cosineFromIndexScore(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestTxTimeout(t *testing.T) {
	if got := txTimeout(context.Background()); got != defaultTxTimeout {
		t.Errorf("no deadline: %v", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if got := txTimeout(ctx); got <= 0 || got > 2*time.Second {
		t.Errorf("with deadline: %v", got)
	}
}

func TestNewWithoutURI(t *testing.T) {
	if _, err := New(context.Background(), Config{}, 4); !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

// TestLiveRoundTrip runs against a real server when HYBRIDQA_TEST_NEO4J_URI
// is set. The target database is expected to be empty.
func TestLiveRoundTrip(t *testing.T) {
	uri := os.Getenv("HYBRIDQA_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("HYBRIDQA_TEST_NEO4J_URI not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{
		URI:      uri,
		Username: os.Getenv("HYBRIDQA_TEST_NEO4J_USERNAME"),
		Password: os.Getenv("HYBRIDQA_TEST_NEO4J_PASSWORD"),
	}, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	rent := 9500.0
	g := &store.Graph{
		Brokers: []store.Broker{{ID: "jane@acme.com", Email: "jane@acme.com", Name: "Jane"}},
		Listings: []store.Listing{
			{ID: "L1", AddressRaw: "36 W 36th St", AddressCanonical: "36 W 36th St", RentClean: &rent, Embedding: []float32{1, 0, 0, 0}},
			{ID: "L2", AddressRaw: "121 Madison Ave", AddressCanonical: "121 Madison Ave", Embedding: []float32{0, 1, 0, 0}},
		},
		Edges: []store.Edge{{Kind: store.RelManages, From: "jane@acme.com", To: "L1"}},
	}
	artifact := store.SchemaArtifact{Dialect: "cypher", Version: "cypher-test", Body: "{}"}
	if err := s.WriteGraph(ctx, g, store.SchemaArtifact{Dialect: "sql"}); err == nil {
		t.Error("artifact in the wrong dialect accepted")
	}
	if err := s.WriteGraph(ctx, g, artifact); err != nil {
		t.Fatalf("WriteGraph: %v", err)
	}
	if err := s.WriteGraph(ctx, g, artifact); !errors.Is(err, store.ErrAlreadyBuilt) {
		t.Errorf("second write = %v, want ErrAlreadyBuilt", err)
	}
	if got, err := s.LoadSchema(ctx, "cypher"); err != nil || got.Version != artifact.Version {
		t.Errorf("LoadSchema = %+v, %v", got, err)
	}

	res, err := s.Execute(ctx, "MATCH (b:Broker)-[:MANAGES]->(l:Listing) RETURN l.id AS id, l.rent_clean AS rent")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["id"] != "L1" {
		t.Errorf("rows = %v", res.Rows)
	}

	if _, err := s.Execute(ctx, "CREATE (:Listing {id: 'evil'})"); !errors.Is(err, store.ErrQuerySyntax) {
		t.Errorf("write query = %v, want ErrQuerySyntax", err)
	}
}
