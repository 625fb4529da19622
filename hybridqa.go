// Package hybridqa answers natural-language questions about a graph of
// brokers, listings and associates. Fuzzy address mentions are resolved
// through vector similarity, the question is compiled into one read-only
// structured query, and the answer is grounded in the rows it returns.
package hybridqa

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brunobiangulo/hybridqa/graph"
	"github.com/brunobiangulo/hybridqa/llm"
	"github.com/brunobiangulo/hybridqa/metrics"
	"github.com/brunobiangulo/hybridqa/neo4jstore"
	"github.com/brunobiangulo/hybridqa/parser"
	"github.com/brunobiangulo/hybridqa/pipeline"
	"github.com/brunobiangulo/hybridqa/querygen"
	"github.com/brunobiangulo/hybridqa/reasoning"
	"github.com/brunobiangulo/hybridqa/retrieval"
	"github.com/brunobiangulo/hybridqa/routing"
	"github.com/brunobiangulo/hybridqa/session"
	"github.com/brunobiangulo/hybridqa/store"
)

// Engine is the main entry point for conversational question answering.
type Engine interface {
	// HandleTurn answers message in the given session and records the
	// exchange in its history.
	HandleTurn(ctx context.Context, sessionID, message string) (string, error)

	// Ask is HandleTurn with the full per-turn detail.
	Ask(ctx context.Context, sessionID, message string) (*Reply, error)

	// ResetSession clears the session history. Turns in flight for the
	// session are discarded when they finish.
	ResetSession(ctx context.Context, sessionID string) (ResetAck, error)

	// History returns a copy of the session's turns.
	History(sessionID string) []session.Turn

	// Schema returns the schema artifact the engine was started with.
	Schema() graph.Schema

	// Close cleanly shuts down the engine.
	Close() error
}

// Reply is the result of one turn.
type Reply struct {
	SessionID string                 `json:"session_id"`
	Answer    string                 `json:"answer"`
	Route     routing.Route          `json:"route"`
	Outcome   pipeline.Outcome       `json:"outcome"`
	Query     string                 `json:"query,omitempty"`
	Attempts  int                    `json:"attempts"`
	Entities  []retrieval.Resolution `json:"entities,omitempty"`
	Steps     []pipeline.Step        `json:"steps,omitempty"`
	// Discarded is set when the session was reset while the turn ran;
	// the exchange was not recorded.
	Discarded bool `json:"discarded,omitempty"`
}

// ResetAck confirms a session reset.
type ResetAck struct {
	SessionID string `json:"session_id"`
	Version   uint64 `json:"version"`
}

// backend is the graph store as the engine uses it at query time.
type backend interface {
	Execute(ctx context.Context, query string) (*store.Result, error)
	NearestNeighbors(ctx context.Context, vec []float32, k int) ([]store.Neighbor, error)
	LoadSchema(ctx context.Context, dialect string) (*store.SchemaArtifact, error)
	Dialect() string
	SetMaxRows(n int)
	Close() error
}

// Option configures engine construction.
type Option func(*options)

type options struct {
	chat       llm.Provider
	embed      llm.Provider
	registerer prometheus.Registerer
	backend    backend
}

// WithChatProvider overrides the chat provider built from Config.Chat.
func WithChatProvider(p llm.Provider) Option {
	return func(o *options) { o.chat = p }
}

// WithEmbeddingProvider overrides the provider built from Config.Embedding.
func WithEmbeddingProvider(p llm.Provider) Option {
	return func(o *options) { o.embed = p }
}

// WithMetrics registers engine metrics with reg. Without it the engine
// records no metrics.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg      Config
	backend  backend
	schema   graph.Schema
	pipeline *pipeline.Pipeline
	sessions *session.Store
	metrics  *metrics.Metrics

	closed    atomic.Bool
	stopSweep context.CancelFunc
	sweeper   sync.WaitGroup
}

// New opens the graph read-only, loads its schema artifact and wires the
// pipeline.
func New(ctx context.Context, cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	b := o.backend
	if b == nil {
		var err error
		if b, err = openReader(ctx, cfg); err != nil {
			return nil, err
		}
	}
	b.SetMaxRows(cfg.MaxRows)

	schema, err := graph.LoadSchema(ctx, b, b.Dialect())
	if err != nil {
		b.Close()
		if errors.Is(err, store.ErrNotBuilt) {
			return nil, fmt.Errorf("%w: %v", ErrNotBuilt, err)
		}
		return nil, fmt.Errorf("loading schema: %w", err)
	}

	chat, embed, err := providers(cfg, o)
	if err != nil {
		b.Close()
		return nil, err
	}

	var m *metrics.Metrics
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	p := pipeline.New(pipeline.Deps{
		Router: routing.New(chat),
		Resolver: retrieval.New(embed, b, retrieval.Config{
			Threshold: cfg.SimilarityThreshold,
			K:         cfg.NeighborsK,
		}),
		Generator:   querygen.New(chat, schema, cfg.MaxRows),
		Executor:    b,
		Synthesizer: reasoning.New(chat, reasoning.Config{HistoryTurns: cfg.HistoryTurns}),
		Metrics:     m,
	}, pipeline.Config{
		MaxQueryRetries: cfg.MaxQueryRetries,
		SchemaSummary:   schema.Summary(),
		Timeouts: pipeline.Timeouts{
			Route:      cfg.RouteTimeout,
			Resolve:    cfg.EmbedTimeout,
			Generate:   cfg.GenerateTimeout,
			Execute:    cfg.ExecuteTimeout,
			Synthesize: cfg.SynthesizeTimeout,
		},
	})

	e := &engine{
		cfg:      cfg,
		backend:  b,
		schema:   schema,
		pipeline: p,
		sessions: session.New(cfg.SessionIdleTTL),
		metrics:  m,
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	e.stopSweep = cancel
	e.sweeper.Add(1)
	go func() {
		defer e.sweeper.Done()
		e.sessions.Run(sweepCtx, cfg.SessionSweepInterval)
	}()

	slog.Info("hybridqa: engine ready",
		"backend", cfg.Backend, "dialect", schema.Dialect, "schema_version", schema.Version)
	return e, nil
}

func openReader(ctx context.Context, cfg Config) (backend, error) {
	switch cfg.Backend {
	case "sqlite", "":
		path := cfg.resolveDBPath()
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNotBuilt, path)
		}
		s, err := store.OpenReadOnly(path, cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		return s, nil
	case "neo4j":
		s, err := neo4jstore.OpenReadOnly(ctx, cfg.Neo4j, cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("opening neo4j: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
}

func providers(cfg Config, o *options) (chat, embed llm.Provider, err error) {
	chat, embed = o.chat, o.embed
	if chat == nil {
		if chat, err = llm.NewProvider(cfg.Chat.provider()); err != nil {
			return nil, nil, fmt.Errorf("creating chat provider: %w", err)
		}
	}
	if embed == nil {
		if embed, err = llm.NewProvider(cfg.Embedding.provider()); err != nil {
			return nil, nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}
	return chat, embed, nil
}

// HandleTurn answers message and returns the answer text.
func (e *engine) HandleTurn(ctx context.Context, sessionID, message string) (string, error) {
	r, err := e.Ask(ctx, sessionID, message)
	if err != nil {
		return "", err
	}
	return r.Answer, nil
}

// Ask runs one turn. The session is snapshotted before the pipeline runs
// and no lock is held while it does; the user and assistant turns are
// appended together only if the session was not reset in the meantime.
func (e *engine) Ask(ctx context.Context, sessionID, message string) (*Reply, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	start := time.Now()
	version, history := e.sessions.Snapshot(sessionID)
	if n := e.cfg.HistoryTurns; len(history) > n {
		history = history[len(history)-n:]
	}

	res := e.pipeline.Run(ctx, message, history)

	reply := &Reply{
		SessionID: sessionID,
		Answer:    res.Answer,
		Route:     res.Route,
		Outcome:   res.Outcome,
		Query:     res.Query,
		Attempts:  res.Attempts,
		Entities:  res.Entities,
		Steps:     res.Steps,
	}

	appended := e.sessions.Append(sessionID, version,
		session.Turn{Role: session.RoleUser, Content: message},
		session.Turn{Role: session.RoleAssistant, Content: res.Answer},
	)
	if !appended {
		reply.Discarded = true
		e.metrics.TurnDiscarded()
		slog.Info("hybridqa: turn discarded after session reset", "session_id", sessionID, "version", version)
	}
	e.metrics.SetActiveSessions(e.sessions.Len())

	slog.Info("hybridqa: turn handled",
		"session_id", sessionID, "route", res.Route, "outcome", res.Outcome,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return reply, nil
}

// ResetSession clears the session's history and bumps its version.
func (e *engine) ResetSession(_ context.Context, sessionID string) (ResetAck, error) {
	if e.closed.Load() {
		return ResetAck{}, ErrClosed
	}
	if strings.TrimSpace(sessionID) == "" {
		return ResetAck{}, ErrInvalidSession
	}
	v := e.sessions.Reset(sessionID)
	e.metrics.SetActiveSessions(e.sessions.Len())
	slog.Info("hybridqa: session reset", "session_id", sessionID, "version", v)
	return ResetAck{SessionID: sessionID, Version: v}, nil
}

func (e *engine) History(sessionID string) []session.Turn {
	return e.sessions.History(sessionID)
}

func (e *engine) Schema() graph.Schema {
	return e.schema
}

// Close stops the session sweeper and closes the graph store.
func (e *engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stopSweep()
	e.sweeper.Wait()
	return e.backend.Close()
}

// Build parses the tabular file at inputPath and writes the graph and its
// schema artifact to the configured backend. The graph is write-once: a
// store that already holds listings is rejected.
func Build(ctx context.Context, cfg Config, inputPath string, opts ...Option) (*graph.Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	table, err := parser.NewRegistry().ParseFile(ctx, inputPath)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", inputPath, err)
	}

	embed := o.embed
	if embed == nil {
		if embed, err = llm.NewProvider(cfg.Embedding.provider()); err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}

	var w interface {
		graph.Writer
		Close() error
	}
	switch cfg.Backend {
	case "sqlite", "":
		s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		w = s
	case "neo4j":
		s, err := neo4jstore.New(ctx, cfg.Neo4j, cfg.EmbeddingDim)
		if err != nil {
			return nil, fmt.Errorf("opening neo4j: %w", err)
		}
		w = s
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
	defer w.Close()

	slog.Info("hybridqa: building graph", "input", inputPath, "records", len(table.Records), "backend", cfg.Backend)
	return graph.NewBuilder(w, embed, cfg.BuildConcurrency).Build(ctx, table.Records)
}
