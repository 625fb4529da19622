package routing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/hybridqa/llm"
)

type fakeChat struct {
	content string
	err     error
	last    llm.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content}, nil
}

func TestDecode(t *testing.T) {
	const q = "How many listings are at 123 Main St?"
	tests := []struct {
		name string
		raw  string
		want Decision
	}{
		{
			name: "structured drops mentions",
			raw:  `{"route": "structured", "mentions": ["123 Main St"]}`,
			want: Decision{Route: RouteStructured},
		},
		{
			name: "entity-semantic keeps mentions",
			raw:  `{"route": "entity-semantic", "mentions": ["15 west 38 street"]}`,
			want: Decision{Route: RouteEntitySemantic, Mentions: []string{"15 west 38 street"}},
		},
		{
			name: "hybrid without mentions resolves nothing",
			raw:  `{"route": "hybrid", "mentions": []}`,
			want: Decision{Route: RouteHybrid},
		},
		{
			name: "entity-semantic without mentions uses question",
			raw:  `{"route": "entity-semantic", "mentions": [" "]}`,
			want: Decision{Route: RouteEntitySemantic, Mentions: []string{q}},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"route\": \"hybrid\", \"mentions\": [\"123 Main St\", \" 123  main st \"]}\n```",
			want: Decision{Route: RouteHybrid, Mentions: []string{"123 Main St"}},
		},
		{
			name: "label outside enum",
			raw:  `{"route": "graph"}`,
			want: Decision{Route: RouteHybrid, Ambiguous: true},
		},
		{
			name: "missing route",
			raw:  `{"mentions": ["x"]}`,
			want: Decision{Route: RouteHybrid, Ambiguous: true},
		},
		{
			name: "free text",
			raw:  "I think this is structured.",
			want: Decision{Route: RouteHybrid, Ambiguous: true},
		},
		{
			name: "bare string",
			raw:  `"structured"`,
			want: Decision{Route: RouteHybrid, Ambiguous: true},
		},
		{
			name: "mentions wrong type",
			raw:  `{"route": "hybrid", "mentions": "123 Main St"}`,
			want: Decision{Route: RouteHybrid, Ambiguous: true},
		},
		{
			name: "empty",
			raw:  "",
			want: Decision{Route: RouteHybrid, Ambiguous: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.raw, q))
		})
	}
}

func TestDecodeNeverFails(t *testing.T) {
	inputs := []string{"{", "[]", "null", "{\"route\": 1}", "```", "{\"route\":\"STRUCTURED\"}"}
	for _, in := range inputs {
		d := Decode(in, "q")
		assert.Equal(t, RouteHybrid, d.Route, "input %q", in)
		assert.True(t, d.Ambiguous, "input %q", in)
		assert.Empty(t, d.Mentions, "input %q", in)
	}
}

func TestRouteRequestsJSON(t *testing.T) {
	chat := &fakeChat{content: `{"route": "structured"}`}
	r := New(chat)

	d, err := r.Route(context.Background(), "How many brokers are there?", "Nodes: Broker")
	require.NoError(t, err)
	assert.Equal(t, RouteStructured, d.Route)
	assert.Equal(t, "json_object", chat.last.ResponseFormat)
	require.Len(t, chat.last.Messages, 2)
	assert.Contains(t, chat.last.Messages[1].Content, "Nodes: Broker")
	assert.Contains(t, chat.last.Messages[1].Content, "How many brokers are there?")
}

func TestRouteUnavailable(t *testing.T) {
	chat := &fakeChat{err: fmt.Errorf("%w: connection refused", llm.ErrUnavailable)}
	_, err := New(chat).Route(context.Background(), "q", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrUnavailable))
}

func TestNeedsResolution(t *testing.T) {
	assert.False(t, RouteStructured.NeedsResolution())
	assert.True(t, RouteEntitySemantic.NeedsResolution())
	assert.True(t, RouteHybrid.NeedsResolution())
}
