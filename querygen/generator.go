// Package querygen turns a question, its resolved entities and the graph
// schema into one validated read-only query.
package querygen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/hybridqa/graph"
	"github.com/brunobiangulo/hybridqa/llm"
	"github.com/brunobiangulo/hybridqa/retrieval"
	"github.com/brunobiangulo/hybridqa/routing"
	"github.com/brunobiangulo/hybridqa/session"
)

// Chatter is the subset of llm.Provider the generator needs.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Request is the input for one generation attempt.
type Request struct {
	Question string
	Route    routing.Route
	// Entities holds resolved mentions. Their node ids and canonical
	// addresses are injected as literal constraints.
	Entities []retrieval.Resolution
	History  []session.Turn

	// PriorQuery and PriorError are set on a retry after a rejected or
	// failed query.
	PriorQuery string
	PriorError string
}

// Generator produces queries for a single dialect and schema.
type Generator struct {
	chat     Chatter
	schema   graph.Schema
	describe string
	maxRows  int
}

// New creates a generator for schema. maxRows is the row limit suggested
// to the model for non-aggregate queries.
func New(chat Chatter, schema graph.Schema, maxRows int) *Generator {
	if maxRows <= 0 {
		maxRows = 200
	}
	return &Generator{chat: chat, schema: schema, describe: schema.Describe(), maxRows: maxRows}
}

// Dialect returns the query language the generator emits.
func (g *Generator) Dialect() string { return g.schema.Dialect }

// Generate returns a validated query for req. Entity-semantic questions
// whose entities all resolved get a deterministic detail lookup by node
// id; everything else is written by the reasoning service and validated.
// A query that fails validation is returned with an error wrapping
// ErrRejected so the caller can retry with it.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	ids := resolvedIDs(req.Entities)
	if req.Route == routing.RouteEntitySemantic && len(ids) > 0 && len(retrieval.Unresolved(req.Entities)) == 0 && req.PriorError == "" {
		q := Lookup(g.schema.Dialect, ids)
		slog.Debug("querygen: detail lookup", "dialect", g.schema.Dialect, "ids", len(ids))
		return q, nil
	}

	start := time.Now()
	resp, err := g.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: g.systemPrompt()},
			{Role: "user", Content: g.userPrompt(req)},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("querygen: %w", err)
	}

	q := Clean(resp.Content)
	if err := Validate(g.schema.Dialect, q); err != nil {
		slog.Warn("querygen: generated query rejected", "dialect", g.schema.Dialect, "error", err)
		return q, err
	}
	slog.Debug("querygen: query generated",
		"dialect", g.schema.Dialect, "retry", req.PriorError != "", "tokens", resp.TotalTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return q, nil
}

func resolvedIDs(rs []retrieval.Resolution) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, r := range rs {
		if r.Resolved && !seen[r.NodeID] {
			seen[r.NodeID] = true
			ids = append(ids, r.NodeID)
		}
	}
	return ids
}

// Quote renders s as a string literal for dialect.
func Quote(dialect, s string) string {
	if dialect == graph.DialectCypher {
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteList(dialect string, ids []string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = Quote(dialect, id)
	}
	return strings.Join(parts, ", ")
}

// Lookup returns the detail query for the listings with the given ids and
// every listing sharing their canonical address, with managing brokers.
func Lookup(dialect string, ids []string) string {
	list := quoteList(dialect, ids)
	if dialect == graph.DialectCypher {
		return `MATCH (r:Listing) WHERE r.id IN [` + list + `]
WITH collect(DISTINCT r.address_canonical) AS addresses
MATCH (l:Listing) WHERE l.address_canonical IN addresses
OPTIONAL MATCH (b:Broker)-[:MANAGES]->(l)
RETURN l.id AS id, l.address_canonical AS address_canonical, l.floor AS floor, l.suite AS suite,
  l.size_sf_raw AS size_sf_raw, l.size_sf_clean AS size_sf_clean,
  l.rent_raw AS rent_raw, l.rent_clean AS rent_clean,
  l.annual_rent_raw AS annual_rent_raw, l.annual_rent_clean AS annual_rent_clean,
  l.rent_sf_year_raw AS rent_sf_year_raw, l.rent_sf_year_clean AS rent_sf_year_clean,
  b.name AS broker_name, b.email AS broker_email
ORDER BY address_canonical, id`
	}
	return `SELECT l.id, l.address_canonical, l.floor, l.suite,
  l.size_sf_raw, l.size_sf_clean, l.rent_raw, l.rent_clean,
  l.annual_rent_raw, l.annual_rent_clean, l.rent_sf_year_raw, l.rent_sf_year_clean,
  b.name AS broker_name, b.email AS broker_email
FROM listings l
LEFT JOIN manages m ON m.listing_id = l.id
LEFT JOIN brokers b ON b.id = m.broker_id
WHERE l.address_canonical IN (SELECT address_canonical FROM listings WHERE id IN (` + list + `))
ORDER BY l.address_canonical, l.id`
}

func (g *Generator) systemPrompt() string {
	var rules string
	switch g.schema.Dialect {
	case graph.DialectCypher:
		rules = `Write exactly one read-only Cypher query. It must start with MATCH, OPTIONAL MATCH, WITH, UNWIND or RETURN.
Never use CREATE, MERGE, DELETE, DETACH, SET, REMOVE, DROP, LOAD, FOREACH, CALL or USE.`
	default:
		rules = `Write exactly one read-only SQLite query. It must start with SELECT or WITH.
Never use INSERT, UPDATE, DELETE, REPLACE, CREATE, DROP, ALTER, ATTACH, PRAGMA or any other statement that changes data.`
	}
	return fmt.Sprintf(`You translate questions about a commercial real-estate graph into database queries.

%s

%s
Rules:
- Reply with the query only: no explanation, no comments, no trailing semicolon.
- When resolved entities are listed, filter on their listing ids or canonical addresses exactly as given. Never filter on the user's wording of an address.
- Give every returned column a short, descriptive alias.
- Unless the question asks for a count or other aggregate, return at most %d rows.`, g.describe, rules, g.maxRows)
}

func (g *Generator) userPrompt(req Request) string {
	var b strings.Builder

	if len(req.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}

	if ids := resolvedIDs(req.Entities); len(ids) > 0 {
		b.WriteString("Resolved entities (use these literal values):\n")
		for _, r := range req.Entities {
			if !r.Resolved {
				continue
			}
			fmt.Fprintf(&b, "- listing id %s, canonical address %s\n",
				Quote(g.schema.Dialect, r.NodeID), Quote(g.schema.Dialect, r.Canonical))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\n", req.Question)

	if req.PriorError != "" {
		fmt.Fprintf(&b, "\nThe previous query failed.\nQuery:\n%s\nError: %s\nWrite a corrected query.\n",
			req.PriorQuery, req.PriorError)
	}
	return b.String()
}
