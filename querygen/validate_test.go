package querygen

import (
	"errors"
	"math/rand/v2"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brunobiangulo/hybridqa/graph"
)

func TestValidateSQL(t *testing.T) {
	tests := []struct {
		name string
		q    string
		ok   bool
	}{
		{"select", "SELECT count(*) AS n FROM listings WHERE address_canonical = '123 Main St'", true},
		{"with", "WITH x AS (SELECT id FROM listings) SELECT count(*) FROM x", true},
		{"lowercase", "select id from listings", true},
		{"keyword in literal", "SELECT id FROM listings WHERE address_raw = 'DROP TABLE listings'", true},
		{"escaped quote literal", "SELECT id FROM listings WHERE address_raw = 'O''Neil; DELETE FROM x'", true},
		{"quoted identifier", `SELECT "delete" FROM listings`, true},
		{"replace function", "SELECT replace(rent_raw, '$', '') FROM listings", true},
		{"column named like keyword", "SELECT l.update FROM listings l", true},
		{"insert", "INSERT INTO listings(id) VALUES ('x')", false},
		{"replace into", "REPLACE INTO listings(id) VALUES ('x')", false},
		{"with delete", "WITH x AS (SELECT 1) DELETE FROM listings", false},
		{"select then drop", "SELECT 1; DROP TABLE listings", false},
		{"line comment", "SELECT 1 -- harmless", false},
		{"block comment", "SELECT /* hi */ 1", false},
		{"pragma", "PRAGMA table_info(listings)", false},
		{"attach", "SELECT 1 FROM listings WHERE 1 = 1 AND ATTACH", false},
		{"load_extension", "SELECT load_extension('x')", false},
		{"writefile", "SELECT writefile('/tmp/x', address_raw) FROM listings", false},
		{"readfile", "SELECT readfile('/etc/passwd')", false},
		{"column named edit", "SELECT l.edit FROM listings l", true},
		{"update", "UPDATE listings SET rent_clean = 0", false},
		{"starts with explain", "EXPLAIN SELECT 1", false},
		{"empty", "", false},
		{"unterminated", "SELECT 'abc", false},
		{"cypher in sql", "MATCH (l:Listing) RETURN l", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(graph.DialectSQL, tt.q)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrRejected), "got %v", err)
			}
		})
	}
}

func TestValidateCypher(t *testing.T) {
	tests := []struct {
		name string
		q    string
		ok   bool
	}{
		{"match", "MATCH (l:Listing) WHERE l.address_canonical = '123 Main St' RETURN count(l) AS count", true},
		{"optional", "OPTIONAL MATCH (b:Broker)-[:MANAGES]->(l:Listing) RETURN b.email", true},
		{"undirected", "MATCH (a:Listing)-[:CO_LOCATED]-(b:Listing) RETURN a.id, b.id", true},
		{"keyword in literal", "MATCH (l:Listing) WHERE l.suite = 'SET ME' RETURN l.id", true},
		{"escaped literal", `MATCH (l:Listing) WHERE l.suite = 'it\'s; DELETE' RETURN l.id`, true},
		{"property named set", "MATCH (l:Listing) RETURN l.set", true},
		{"unwind", "UNWIND ['L1', 'L2'] AS id MATCH (l:Listing {id: id}) RETURN l.id", true},
		{"return", "RETURN 1 AS one", true},
		{"create", "CREATE (n:Listing {id: 'x'})", false},
		{"match set", "MATCH (l:Listing) SET l.rent_clean = 0", false},
		{"detach delete", "MATCH (l:Listing) DETACH DELETE l", false},
		{"merge", "MATCH (a:Broker) MERGE (a)-[:MANAGES]->(:Listing)", false},
		{"call", "CALL db.labels()", false},
		{"match call", "MATCH (n) CALL { WITH n RETURN n } RETURN n", false},
		{"remove", "MATCH (l:Listing) REMOVE l.suite", false},
		{"foreach", "MATCH (l:Listing) FOREACH (x IN [1] | SET l.a = x)", false},
		{"load csv", "LOAD CSV FROM 'file:///x' AS row RETURN row", false},
		{"comment", "MATCH (l) // all\nRETURN l", false},
		{"two statements", "MATCH (l) RETURN l; MATCH (b) DELETE b", false},
		{"use", "USE system MATCH (n) RETURN n", false},
		{"sql in cypher", "SELECT 1", false},
		{"built-in namespaced function", "MATCH (a:Listing), (b:Listing) RETURN point.distance(a.location, b.location) AS d", true},
		{"apoc string execution", "RETURN apoc.cypher.runFirstColumnSingle('CREATE (n) RETURN n', {})", false},
		{"apoc with spaces", "MATCH (l:Listing) RETURN apoc . cypher . run ('MATCH (n) DETACH DELETE n', {})", false},
		{"apoc do when", "MATCH (l:Listing) RETURN apoc.do.when(true, 'CREATE (x)', '', {})", false},
		{"quoted namespace", "RETURN `apoc`.cypher.runFirstColumnSingle('CREATE (n)', {})", false},
		{"unknown plugin function", "MATCH (l:Listing) RETURN custom.fn(l.id)", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(graph.DialectCypher, tt.q)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrRejected), "got %v", err)
			}
		})
	}
}

func TestValidateUnknownDialect(t *testing.T) {
	assert.ErrorIs(t, Validate("gremlin", "g.V()"), ErrRejected)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "SELECT 1", Clean("```sql\nSELECT 1;\n```"))
	assert.Equal(t, "MATCH (n) RETURN n", Clean("  MATCH (n) RETURN n ;; "))
}

// Independent mutation grammar used to check the validator. Literals are
// removed first so that keywords inside them do not count.
var (
	literalRe   = regexp.MustCompile(`'[^']*'`)
	sqlMutation = regexp.MustCompile(`(?i)(^|[^.\w])(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|ATTACH|DETACH|PRAGMA|VACUUM|REINDEX|TRUNCATE|GRANT|REVOKE|UPSERT|MERGE|LOAD)\b|(?i)\bREPLACE\s+INTO\b|^\s*(?i:REPLACE)\b`)
	cypherMutation = regexp.MustCompile(`(?i)(^|[^.\w])(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP|LOAD|FOREACH|CALL|USE)\b`)
	separators     = regexp.MustCompile(`;|--|/\*|//`)
)

var fragments = []string{
	"SELECT", "WITH", "MATCH", "OPTIONAL MATCH", "RETURN", "UNWIND",
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "REPLACE", "REPLACE INTO",
	"ATTACH", "DETACH", "PRAGMA", "VACUUM", "SET", "REMOVE", "MERGE", "LOAD", "FOREACH", "CALL", "USE",
	"FROM listings", "WHERE", "l.id", "count(*)", "(l:Listing)", "-[:MANAGES]->", "AS n",
	"'DROP TABLE x'", "'SET a = 1'", "replace(rent_raw, '$', '')", ";", "--", "/*", "//",
	"=", "1", "l.set", "ORDER BY", "LIMIT 5", ",", "(", ")",
}

func randomQuery(r *rand.Rand) string {
	n := 1 + r.IntN(8)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fragments[r.IntN(len(fragments))]
	}
	return strings.Join(parts, " ")
}

// Every query that passes validation must be free of mutation keywords
// and statement separators outside literals.
func TestValidatorNeverAcceptsMutation(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 1024))
	accepted := map[string]int{}
	for i := 0; i < 20000; i++ {
		q := randomQuery(r)
		for _, dialect := range []string{graph.DialectSQL, graph.DialectCypher} {
			if Validate(dialect, q) != nil {
				continue
			}
			accepted[dialect]++
			bare := literalRe.ReplaceAllString(q, "''")
			if separators.MatchString(bare) {
				t.Fatalf("%s accepted separator or comment: %q", dialect, q)
			}
			grammar := sqlMutation
			if dialect == graph.DialectCypher {
				grammar = cypherMutation
			}
			if grammar.MatchString(bare) {
				t.Fatalf("%s accepted mutation: %q", dialect, q)
			}
		}
	}
	// The generator must exercise the accepting path too.
	assert.Greater(t, accepted[graph.DialectSQL], 0)
	assert.Greater(t, accepted[graph.DialectCypher], 0)
}

func TestGeneratorOutputNeverMutates(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	for _, dialect := range []string{graph.DialectSQL, graph.DialectCypher} {
		schema, err := graph.NewSchema(dialect)
		if err != nil {
			t.Fatal(err)
		}
		chat := &scriptedChat{}
		g := New(chat, schema, 50)
		for i := 0; i < 2000; i++ {
			chat.replies = []string{randomQuery(r)}
			chat.calls = 0
			q, err := g.Generate(t.Context(), Request{Question: "q", Route: "structured"})
			if err != nil {
				assert.ErrorIs(t, err, ErrRejected)
				continue
			}
			grammar := sqlMutation
			if dialect == graph.DialectCypher {
				grammar = cypherMutation
			}
			bare := literalRe.ReplaceAllString(q, "''")
			if grammar.MatchString(bare) || separators.MatchString(bare) {
				t.Fatalf("%s generator emitted %q", dialect, q)
			}
		}
	}
}
