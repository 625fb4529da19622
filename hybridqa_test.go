package hybridqa

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/hybridqa/graph"
	"github.com/brunobiangulo/hybridqa/llm"
	"github.com/brunobiangulo/hybridqa/pipeline"
	"github.com/brunobiangulo/hybridqa/routing"
	"github.com/brunobiangulo/hybridqa/session"
	"github.com/brunobiangulo/hybridqa/store"
)

// withBackend replaces the configured graph store.
func withBackend(b backend) Option {
	return func(o *options) { o.backend = b }
}

// fakeBackend serves a fixed result and fixed neighbours from memory.
type fakeBackend struct {
	mu        sync.Mutex
	result    *store.Result
	execErr   error
	neighbors []store.Neighbor
	schemaErr error
	queries   []string
	maxRows   int
	closed    int
}

func (b *fakeBackend) Execute(ctx context.Context, query string) (*store.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, query)
	if b.execErr != nil {
		return nil, b.execErr
	}
	return b.result, nil
}

func (b *fakeBackend) NearestNeighbors(ctx context.Context, vec []float32, k int) ([]store.Neighbor, error) {
	return b.neighbors, nil
}

func (b *fakeBackend) LoadSchema(ctx context.Context, dialect string) (*store.SchemaArtifact, error) {
	if b.schemaErr != nil {
		return nil, b.schemaErr
	}
	s, err := graph.NewSchema(dialect)
	if err != nil {
		return nil, err
	}
	a, err := s.Artifact()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (b *fakeBackend) Dialect() string { return graph.DialectSQL }
func (b *fakeBackend) SetMaxRows(n int) { b.maxRows = n }
func (b *fakeBackend) Close() error     { b.closed++; return nil }

func (b *fakeBackend) executed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queries...)
}

// fakeProvider answers each component by recognising its system prompt.
type fakeProvider struct {
	route    string
	query    string
	answer   string
	routeErr error

	// When gate is set, synthesis signals entered and waits on gate.
	entered chan struct{}
	gate    chan struct{}
}

func (p *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	system := req.Messages[0].Content
	switch {
	case strings.HasPrefix(system, "You classify"):
		if p.routeErr != nil {
			return nil, p.routeErr
		}
		return &llm.ChatResponse{Content: p.route}, nil
	case strings.Contains(system, "read-only SQLite query"):
		return &llm.ChatResponse{Content: p.query}, nil
	default:
		if p.gate != nil {
			p.entered <- struct{}{}
			<-p.gate
		}
		return &llm.ChatResponse{Content: p.answer}, nil
	}
}

func (p *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 4
	cfg.SessionSweepInterval = 0
	return cfg
}

func newTestEngine(t *testing.T, b *fakeBackend, p *fakeProvider, opts ...Option) Engine {
	t.Helper()
	opts = append([]Option{withBackend(b), WithChatProvider(p), WithEmbeddingProvider(p)}, opts...)
	eng, err := New(context.Background(), testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func countBackend() *fakeBackend {
	return &fakeBackend{result: &store.Result{
		Columns: []string{"count"},
		Rows:    []store.Row{{"count": int64(10)}},
	}}
}

func countProvider() *fakeProvider {
	return &fakeProvider{
		route:  `{"route": "structured", "mentions": []}`,
		query:  "SELECT count(*) AS count FROM listings",
		answer: "There are 10 listings.",
	}
}

func TestHandleTurnStructured(t *testing.T) {
	b := countBackend()
	eng := newTestEngine(t, b, countProvider())

	answer, err := eng.HandleTurn(context.Background(), "s1", "How many listings are there?")
	require.NoError(t, err)
	assert.Equal(t, "There are 10 listings.", answer)
	assert.Equal(t, []string{"SELECT count(*) AS count FROM listings"}, b.executed())
	assert.Equal(t, DefaultConfig().MaxRows, b.maxRows)

	h := eng.History("s1")
	require.Len(t, h, 2)
	assert.Equal(t, session.RoleUser, h[0].Role)
	assert.Equal(t, "How many listings are there?", h[0].Content)
	assert.Equal(t, session.RoleAssistant, h[1].Role)
	assert.Equal(t, answer, h[1].Content)
}

func TestAskReportsTurnDetail(t *testing.T) {
	eng := newTestEngine(t, countBackend(), countProvider())

	r, err := eng.Ask(context.Background(), "s1", "  How many listings are there?  ")
	require.NoError(t, err)
	assert.Equal(t, "s1", r.SessionID)
	assert.Equal(t, routing.RouteStructured, r.Route)
	assert.Equal(t, pipeline.OutcomeRows, r.Outcome)
	assert.Equal(t, 1, r.Attempts)
	assert.False(t, r.Discarded)
	assert.NotEmpty(t, r.Steps)
	assert.Equal(t, "How many listings are there?", eng.History("s1")[0].Content)
}

func TestHybridWithoutMentionsGeneratesQuery(t *testing.T) {
	for _, route := range []string{"not json at all", `{"route": "hybrid", "mentions": []}`} {
		t.Run(route, func(t *testing.T) {
			p := countProvider()
			p.route = route
			b := countBackend()
			eng := newTestEngine(t, b, p)

			r, err := eng.Ask(context.Background(), "s1", "How many listings are there?")
			require.NoError(t, err)
			assert.Equal(t, routing.RouteHybrid, r.Route)
			assert.Equal(t, pipeline.OutcomeRows, r.Outcome)
			assert.Empty(t, r.Entities)
			assert.Equal(t, []string{"SELECT count(*) AS count FROM listings"}, b.executed())
			assert.Equal(t, "There are 10 listings.", r.Answer)
		})
	}
}

func TestUnresolvedMentionNeverQueries(t *testing.T) {
	b := &fakeBackend{neighbors: []store.Neighbor{{NodeID: "L1", Label: "36 W 36th St", Score: 0.41}}}
	p := &fakeProvider{route: `{"route": "entity-semantic", "mentions": ["Zorblax Plaza"]}`}
	eng := newTestEngine(t, b, p)

	r, err := eng.Ask(context.Background(), "s1", "Who manages Zorblax Plaza?")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeUnresolved, r.Outcome)
	assert.Contains(t, r.Answer, `"Zorblax Plaza"`)
	assert.Empty(t, b.executed())
	assert.Zero(t, r.Attempts)
}

func TestUnavailableAppendsExplicitError(t *testing.T) {
	p := countProvider()
	p.routeErr = llm.ErrUnavailable
	b := countBackend()
	eng := newTestEngine(t, b, p)

	r, err := eng.Ask(context.Background(), "s1", "How many listings are there?")
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeUnavailable, r.Outcome)
	assert.NotEmpty(t, r.Answer)
	assert.Empty(t, b.executed())

	h := eng.History("s1")
	require.Len(t, h, 2)
	assert.Equal(t, r.Answer, h[1].Content)
}

func TestResetDuringTurnDiscardsIt(t *testing.T) {
	p := countProvider()
	p.entered = make(chan struct{})
	p.gate = make(chan struct{})
	eng := newTestEngine(t, countBackend(), p)
	ctx := context.Background()

	type outcome struct {
		r   *Reply
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := eng.Ask(ctx, "s1", "How many listings are there?")
		done <- outcome{r, err}
	}()

	select {
	case <-p.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("synthesis never started")
	}
	ack, err := eng.ResetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", ack.SessionID)
	close(p.gate)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never finished")
	}
	require.NoError(t, got.err)
	assert.True(t, got.r.Discarded)
	assert.Equal(t, "There are 10 listings.", got.r.Answer)
	assert.Empty(t, eng.History("s1"), "a turn that straddles a reset must not be recorded")
}

func TestResetClearsHistory(t *testing.T) {
	eng := newTestEngine(t, countBackend(), countProvider())
	ctx := context.Background()

	_, err := eng.HandleTurn(ctx, "s1", "How many listings are there?")
	require.NoError(t, err)
	require.Len(t, eng.History("s1"), 2)

	first, err := eng.ResetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, eng.History("s1"))

	second, err := eng.ResetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Greater(t, second.Version, first.Version)

	_, err = eng.HandleTurn(ctx, "s1", "How many listings are there?")
	require.NoError(t, err)
	assert.Len(t, eng.History("s1"), 2)
}

func TestSessionsAreIsolated(t *testing.T) {
	eng := newTestEngine(t, countBackend(), countProvider())
	ctx := context.Background()

	_, err := eng.HandleTurn(ctx, "a", "How many listings are there?")
	require.NoError(t, err)
	_, err = eng.ResetSession(ctx, "b")
	require.NoError(t, err)

	assert.Len(t, eng.History("a"), 2)
	assert.Empty(t, eng.History("b"))
}

func TestConcurrentTurns(t *testing.T) {
	eng := newTestEngine(t, countBackend(), countProvider())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.HandleTurn(ctx, "shared", "How many listings are there?")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h := eng.History("shared")
	require.Len(t, h, 16)
	for i := 0; i < len(h); i += 2 {
		assert.Equal(t, session.RoleUser, h[i].Role)
		assert.Equal(t, session.RoleAssistant, h[i+1].Role)
	}
}

func TestInputValidation(t *testing.T) {
	eng := newTestEngine(t, countBackend(), countProvider())
	ctx := context.Background()

	_, err := eng.HandleTurn(ctx, " ", "hello")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = eng.HandleTurn(ctx, "s1", "  \n ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = eng.ResetSession(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestClose(t *testing.T) {
	b := countBackend()
	eng, err := New(context.Background(), testConfig(),
		withBackend(b), WithChatProvider(countProvider()), WithEmbeddingProvider(countProvider()))
	require.NoError(t, err)

	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
	assert.Equal(t, 1, b.closed)

	_, err = eng.HandleTurn(context.Background(), "s1", "hi")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = eng.ResetSession(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRequiresBuiltSchema(t *testing.T) {
	b := &fakeBackend{schemaErr: store.ErrNotBuilt}
	_, err := New(context.Background(), testConfig(),
		withBackend(b), WithChatProvider(countProvider()), WithEmbeddingProvider(countProvider()))
	assert.ErrorIs(t, err, ErrNotBuilt)
	assert.Equal(t, 1, b.closed)
}

func TestNewMissingDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "missing.db")
	_, err := New(context.Background(), cfg, WithChatProvider(countProvider()), WithEmbeddingProvider(countProvider()))
	assert.ErrorIs(t, err, ErrNotBuilt)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SimilarityThreshold = 1.5
	_, err := New(context.Background(), cfg, withBackend(countBackend()))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSchemaIsExposed(t *testing.T) {
	eng := newTestEngine(t, countBackend(), countProvider())
	s := eng.Schema()
	assert.Equal(t, graph.DialectSQL, s.Dialect)
	assert.NotEmpty(t, s.Version)
}

func TestWithMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	eng := newTestEngine(t, countBackend(), countProvider(), WithMetrics(reg))

	_, err := eng.HandleTurn(context.Background(), "s1", "How many listings are there?")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "hybridqa_turns_total", "hybridqa_active_sessions")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBuildRejectsUnknownInput(t *testing.T) {
	_, err := Build(context.Background(), testConfig(), filepath.Join(t.TempDir(), "listings.pdf"),
		WithEmbeddingProvider(countProvider()))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidConfig))
}
