// Package routing classifies a question into the retrieval path that
// answers it.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/brunobiangulo/hybridqa/llm"
)

// Route is the closed set of retrieval paths.
type Route string

const (
	// RouteStructured answers by counting, aggregating or traversing with
	// no ambiguous entity mention.
	RouteStructured Route = "structured"
	// RouteEntitySemantic answers by resolving an imprecise entity mention.
	RouteEntitySemantic Route = "entity-semantic"
	// RouteHybrid resolves mentions and then runs a structured query. It is
	// the default whenever the classification cannot be decoded.
	RouteHybrid Route = "hybrid"
)

// NeedsResolution reports whether mentions must be resolved before query
// generation.
func (r Route) NeedsResolution() bool {
	return r == RouteEntitySemantic || r == RouteHybrid
}

// Decision is the router's output for one question.
type Decision struct {
	Route    Route    `json:"route"`
	Mentions []string `json:"mentions,omitempty"`
	// Ambiguous is set when the classification could not be decoded and
	// the hybrid default was applied.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

const decisionSchema = `{
  "type": "object",
  "required": ["route"],
  "properties": {
    "route": {"type": "string", "enum": ["structured", "entity-semantic", "hybrid"]},
    "mentions": {"type": "array", "items": {"type": "string"}, "maxItems": 8}
  }
}`

var compiledSchema = mustCompile(decisionSchema)

func mustCompile(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("routing: invalid decision schema: %v", err))
	}
	return schema
}

// Chatter is the subset of llm.Provider the router needs.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Router asks the reasoning service to classify a question.
type Router struct {
	chat Chatter
}

// New creates a router.
func New(chat Chatter) *Router {
	return &Router{chat: chat}
}

// Route classifies question. Output that cannot be decoded into a
// Decision yields the hybrid default; only a failed reasoning call is
// returned as an error.
func (r *Router) Route(ctx context.Context, question, schemaSummary string) (Decision, error) {
	start := time.Now()
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(question, schemaSummary)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Decision{}, fmt.Errorf("routing: %w", err)
	}

	d := Decode(resp.Content, question)
	slog.Debug("routing: classified",
		"route", d.Route, "mentions", len(d.Mentions), "ambiguous", d.Ambiguous,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return d, nil
}

// Decode strictly decodes a classification. Anything that is not a JSON
// object with a route from the closed enumeration becomes the hybrid
// default with no mentions, so the turn goes straight to query generation.
func Decode(raw, question string) Decision {
	fallback := Decision{Route: RouteHybrid, Ambiguous: true}

	body := llm.StripFences(raw)
	result, err := compiledSchema.Validate(gojsonschema.NewStringLoader(body))
	if err != nil {
		slog.Debug("routing: undecodable classification", "error", err)
		return fallback
	}
	if !result.Valid() {
		slog.Debug("routing: classification failed schema validation", "errors", len(result.Errors()))
		return fallback
	}

	var out struct {
		Route    Route    `json:"route"`
		Mentions []string `json:"mentions"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return fallback
	}

	d := Decision{Route: out.Route}
	switch d.Route {
	case RouteEntitySemantic:
		d.Mentions = cleanMentions(out.Mentions)
		if len(d.Mentions) == 0 {
			// The question itself names the listing.
			if q := strings.TrimSpace(question); q != "" {
				d.Mentions = []string{q}
			}
		}
	case RouteHybrid:
		d.Mentions = cleanMentions(out.Mentions)
	}
	return d
}

// cleanMentions trims and de-duplicates mentions.
func cleanMentions(mentions []string) []string {
	seen := make(map[string]bool, len(mentions))
	var out []string
	for _, m := range mentions {
		m = strings.Join(strings.Fields(m), " ")
		if m == "" || seen[strings.ToLower(m)] {
			continue
		}
		seen[strings.ToLower(m)] = true
		out = append(out, m)
	}
	return out
}

const systemPrompt = `You classify questions about a commercial real-estate graph of brokers, listings and associates.
Reply with a single JSON object and nothing else:
{"route": "structured" | "entity-semantic" | "hybrid", "mentions": ["..."]}

Routes:
- "structured": the question needs counting, aggregation, ranking or relationship traversal, and names no imprecise entity such as a street address.
- "entity-semantic": the question is about one or more specific listings named by an address that may be misspelled or abbreviated, with no computation over the results.
- "hybrid": anything else, including questions that name an address and also need computation.

"mentions" lists every address or place mention exactly as written in the question. Use an empty list when there is none.`

func buildPrompt(question, schemaSummary string) string {
	return fmt.Sprintf(`Graph: %s

Question: %s`, schemaSummary, question)
}
