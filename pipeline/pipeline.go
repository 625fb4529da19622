package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brunobiangulo/hybridqa/metrics"
	"github.com/brunobiangulo/hybridqa/querygen"
	"github.com/brunobiangulo/hybridqa/reasoning"
	"github.com/brunobiangulo/hybridqa/retrieval"
	"github.com/brunobiangulo/hybridqa/routing"
	"github.com/brunobiangulo/hybridqa/session"
	"github.com/brunobiangulo/hybridqa/store"
)

var tracer = otel.Tracer("github.com/brunobiangulo/hybridqa/pipeline")

// failedAnswer ends a turn the machine could not complete.
const failedAnswer = "Sorry, I could not process that request."

// Router classifies a question.
type Router interface {
	Route(ctx context.Context, question, schemaSummary string) (routing.Decision, error)
}

// Resolver maps mentions to canonical listings.
type Resolver interface {
	ResolveAll(ctx context.Context, mentions []string) ([]retrieval.Resolution, error)
}

// Generator writes a validated read-only query.
type Generator interface {
	Generate(ctx context.Context, req querygen.Request) (string, error)
}

// Executor runs a read-only query against the graph store.
type Executor interface {
	Execute(ctx context.Context, query string) (*store.Result, error)
}

// Synthesizer produces the final answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, in reasoning.Input) (*reasoning.Answer, error)
}

// Timeouts bounds each external call. Zero means no per-call limit.
type Timeouts struct {
	Route      time.Duration
	Resolve    time.Duration
	Generate   time.Duration
	Execute    time.Duration
	Synthesize time.Duration
}

// Config holds runner configuration.
type Config struct {
	MaxQueryRetries int
	SchemaSummary   string
	Timeouts        Timeouts
}

// Deps are the components a pipeline drives.
type Deps struct {
	Router      Router
	Resolver    Resolver
	Generator   Generator
	Executor    Executor
	Synthesizer Synthesizer
	Metrics     *metrics.Metrics
}

// Step records one performed effect.
type Step struct {
	State   State         `json:"state"`
	Effect  string        `json:"effect"`
	Event   string        `json:"event"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Result is the outcome of one turn.
type Result struct {
	Answer    string                 `json:"answer"`
	Route     routing.Route          `json:"route"`
	Ambiguous bool                   `json:"ambiguous,omitempty"`
	Outcome   Outcome                `json:"outcome"`
	Entities  []retrieval.Resolution `json:"entities,omitempty"`
	Query     string                 `json:"query,omitempty"`
	Attempts  int                    `json:"attempts"`
	Grounded  bool                   `json:"grounded"`
	Steps     []Step                 `json:"steps"`
}

// Pipeline performs the effects requested by Transition.
type Pipeline struct {
	deps Deps
	cfg  Config
}

// New creates a pipeline. cfg.MaxQueryRetries is taken as given; zero
// disables regeneration.
func New(deps Deps, cfg Config) *Pipeline {
	return &Pipeline{deps: deps, cfg: cfg}
}

// Run answers question. It never fails: every failure is carried through
// the state machine into an explicit answer.
func (p *Pipeline) Run(ctx context.Context, question string, history []session.Turn) *Result {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(attribute.Int("question_len", len(question))))
	defer span.End()

	m := NewMachine(question, p.cfg.MaxQueryRetries)
	m, eff, err := Transition(m, Event{Kind: EventBegin})

	var steps []Step
	for err == nil && eff.Kind != EffectAppend {
		state := m.State
		stepStart := time.Now()
		ev := p.perform(ctx, m, eff, history)
		elapsed := time.Since(stepStart)
		p.deps.Metrics.ObserveStage(string(state), elapsed)

		steps = append(steps, Step{
			State:   state,
			Effect:  eff.Kind.String(),
			Event:   ev.Kind.String(),
			Elapsed: elapsed.Round(time.Millisecond),
			Error:   errString(ev.Err),
		})
		if ev.Err != nil {
			slog.Warn("pipeline: stage failed", "state", state, "error", ev.Err)
		}
		m, eff, err = Transition(m, ev)
	}

	if err != nil {
		// The machine is stuck; end the turn with an explicit failure.
		slog.Error("pipeline: aborting turn", "state", m.State, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.Outcome = OutcomeUnavailable
		m.Answer = nil
	}
	if m.Answer == nil || m.Answer.Text == "" {
		m.Answer = &reasoning.Answer{Text: failedAnswer, Grounded: true}
	}

	res := &Result{
		Answer:    m.Answer.Text,
		Route:     m.Route,
		Ambiguous: m.Ambiguous,
		Outcome:   m.Outcome,
		Entities:  m.Entities,
		Query:     m.Query,
		Attempts:  m.Attempts,
		Grounded:  m.Answer.Grounded,
		Steps:     steps,
	}

	span.SetAttributes(
		attribute.String("route", string(res.Route)),
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("attempts", res.Attempts),
	)
	p.deps.Metrics.ObserveTurn(string(res.Route), string(res.Outcome))
	p.deps.Metrics.ObserveAttempts(res.Attempts)
	slog.Info("pipeline: turn complete",
		"route", res.Route, "outcome", res.Outcome, "attempts", res.Attempts,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res
}

// perform executes eff and reports the result as an event.
func (p *Pipeline) perform(ctx context.Context, m Machine, eff Effect, history []session.Turn) Event {
	switch eff.Kind {
	case EffectRoute:
		ctx, span, cancel := p.stage(ctx, "route", p.cfg.Timeouts.Route)
		defer cancel()
		d, err := p.deps.Router.Route(ctx, m.Question, p.cfg.SchemaSummary)
		endSpan(span, err, attribute.String("route", string(d.Route)), attribute.Bool("ambiguous", d.Ambiguous))
		if err != nil {
			return Event{Kind: EventRouteFailed, Err: err}
		}
		return Event{Kind: EventRouted, Decision: d}

	case EffectResolve:
		ctx, span, cancel := p.stage(ctx, "resolve", p.cfg.Timeouts.Resolve)
		defer cancel()
		rs, err := p.deps.Resolver.ResolveAll(ctx, eff.Mentions)
		endSpan(span, err, attribute.Int("mentions", len(eff.Mentions)),
			attribute.Int("unresolved", len(retrieval.Unresolved(rs))))
		if err != nil {
			return Event{Kind: EventResolveFailed, Err: err}
		}
		for _, r := range rs {
			p.deps.Metrics.ObserveSimilarity(r.Similarity)
		}
		return Event{Kind: EventResolved, Entities: rs}

	case EffectGenerate:
		ctx, span, cancel := p.stage(ctx, "generate", p.cfg.Timeouts.Generate)
		defer cancel()
		q, err := p.deps.Generator.Generate(ctx, querygen.Request{
			Question:   m.Question,
			Route:      m.Route,
			Entities:   m.Entities,
			History:    history,
			PriorQuery: eff.PriorQuery,
			PriorError: eff.PriorError,
		})
		endSpan(span, err, attribute.Bool("retry", eff.PriorError != ""))
		if err != nil {
			return Event{Kind: EventGenerateFailed, Query: q, Err: err}
		}
		return Event{Kind: EventGenerated, Query: q}

	case EffectExecute:
		ctx, span, cancel := p.stage(ctx, "execute", p.cfg.Timeouts.Execute)
		defer cancel()
		res, err := p.deps.Executor.Execute(ctx, eff.Query)
		rows := 0
		if res != nil {
			rows = len(res.Rows)
		}
		endSpan(span, err, attribute.Int("rows", rows))
		if err != nil {
			return Event{Kind: EventExecuteFailed, Err: err}
		}
		return Event{Kind: EventExecuted, Result: res}

	case EffectSynthesize:
		ctx, span, cancel := p.stage(ctx, "synthesize", p.cfg.Timeouts.Synthesize)
		defer cancel()
		ans, err := p.deps.Synthesizer.Synthesize(ctx, reasoning.Input{
			Question: m.Question,
			Outcome:  eff.Outcome,
			Result:   m.Result,
			Entities: m.Entities,
			History:  history,
		})
		// A synthesis error is informational: the answer is still complete.
		endSpan(span, err, attribute.String("outcome", string(eff.Outcome)))
		return Event{Kind: EventSynthesized, Answer: ans}
	}
	return Event{Kind: EventKind(-1)}
}

func (p *Pipeline) stage(ctx context.Context, name string, timeout time.Duration) (context.Context, trace.Span, context.CancelFunc) {
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	if timeout <= 0 {
		return ctx, span, func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, span, cancel
}

func endSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
