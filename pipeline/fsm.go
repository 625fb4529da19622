// Package pipeline answers a single conversational turn. The control flow
// is an explicit finite-state machine: Transition is a pure function from
// (state, event) to the next state and the side effect the runner must
// perform, and Pipeline is the runner that performs those effects.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/brunobiangulo/hybridqa/querygen"
	"github.com/brunobiangulo/hybridqa/reasoning"
	"github.com/brunobiangulo/hybridqa/retrieval"
	"github.com/brunobiangulo/hybridqa/routing"
	"github.com/brunobiangulo/hybridqa/store"
)

// ErrInvalidTransition is returned for an event the current state cannot
// accept.
var ErrInvalidTransition = errors.New("pipeline: invalid transition")

// DefaultMaxQueryRetries bounds regeneration after a syntax failure.
const DefaultMaxQueryRetries = 1

// State is a pipeline stage.
type State string

const (
	StateStart      State = "start"
	StateRoute      State = "route"
	StateResolve    State = "resolve"
	StateGenerate   State = "generate"
	StateExecute    State = "execute"
	StateSynthesize State = "synthesize"
	StateEnd        State = "end"
)

// Outcome is the typed result a turn carries into synthesis.
type Outcome = reasoning.Outcome

const (
	OutcomeRows         = reasoning.OutcomeRows
	OutcomeEmpty        = reasoning.OutcomeEmpty
	OutcomeUnresolved   = reasoning.OutcomeUnresolved
	OutcomeQuerySyntax  = reasoning.OutcomeQuerySyntax
	OutcomeQueryTimeout = reasoning.OutcomeQueryTimeout
	OutcomeUnavailable  = reasoning.OutcomeUnavailable
)

// EventKind identifies what happened in the current state.
type EventKind int

const (
	EventBegin EventKind = iota
	EventRouted
	EventRouteFailed
	EventResolved
	EventResolveFailed
	EventGenerated
	EventGenerateFailed
	EventExecuted
	EventExecuteFailed
	EventSynthesized
)

var eventNames = [...]string{
	"begin", "routed", "route_failed", "resolved", "resolve_failed",
	"generated", "generate_failed", "executed", "execute_failed", "synthesized",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is the result of performing an effect.
type Event struct {
	Kind     EventKind
	Decision routing.Decision
	Entities []retrieval.Resolution
	Query    string
	Result   *store.Result
	Answer   *reasoning.Answer
	Err      error
}

// EffectKind identifies the side effect the runner must perform next.
type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectRoute
	EffectResolve
	EffectGenerate
	EffectExecute
	EffectSynthesize
	EffectAppend
)

var effectNames = [...]string{"none", "route", "resolve", "generate", "execute", "synthesize", "append"}

func (k EffectKind) String() string {
	if k >= 0 && int(k) < len(effectNames) {
		return effectNames[k]
	}
	return fmt.Sprintf("effect(%d)", int(k))
}

// Effect is a side-effect request. Only the fields relevant to Kind are
// set.
type Effect struct {
	Kind       EffectKind
	Mentions   []string
	PriorQuery string
	PriorError string
	Query      string
	Outcome    Outcome
}

// Machine is the complete state of one turn. It is a value; Transition
// never mutates its argument.
type Machine struct {
	State      State
	Question   string
	MaxRetries int

	Route     routing.Route
	Ambiguous bool
	Entities  []retrieval.Resolution
	Query     string
	LastError string
	// Attempts counts generation attempts, including rejected ones.
	Attempts int
	Result   *store.Result
	Outcome  Outcome
	Answer   *reasoning.Answer
}

// NewMachine returns a machine in StateStart.
func NewMachine(question string, maxRetries int) Machine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Machine{State: StateStart, Question: question, MaxRetries: maxRetries}
}

// Transition applies ev to m.
func Transition(m Machine, ev Event) (Machine, Effect, error) {
	switch {
	case m.State == StateStart && ev.Kind == EventBegin:
		m.State = StateRoute
		return m, Effect{Kind: EffectRoute}, nil

	case m.State == StateRoute && ev.Kind == EventRouted:
		m.Route = ev.Decision.Route
		m.Ambiguous = ev.Decision.Ambiguous
		if m.Route.NeedsResolution() && len(ev.Decision.Mentions) > 0 {
			m.State = StateResolve
			return m, Effect{Kind: EffectResolve, Mentions: ev.Decision.Mentions}, nil
		}
		m.State = StateGenerate
		return m, Effect{Kind: EffectGenerate}, nil

	case m.State == StateRoute && ev.Kind == EventRouteFailed:
		m.LastError = errString(ev.Err)
		return synthesize(m, OutcomeUnavailable)

	case m.State == StateResolve && ev.Kind == EventResolved:
		m.Entities = ev.Entities
		if len(retrieval.Unresolved(m.Entities)) > 0 {
			return synthesize(m, OutcomeUnresolved)
		}
		m.State = StateGenerate
		return m, Effect{Kind: EffectGenerate}, nil

	case m.State == StateResolve && ev.Kind == EventResolveFailed:
		m.LastError = errString(ev.Err)
		return synthesize(m, OutcomeUnavailable)

	case m.State == StateGenerate && ev.Kind == EventGenerated:
		m.Attempts++
		m.Query = ev.Query
		m.State = StateExecute
		return m, Effect{Kind: EffectExecute, Query: ev.Query}, nil

	case m.State == StateGenerate && ev.Kind == EventGenerateFailed:
		m.Attempts++
		m.Query = ev.Query
		m.LastError = errString(ev.Err)
		if classify(ev.Err) == OutcomeQuerySyntax {
			return retryOrFail(m)
		}
		return synthesize(m, OutcomeUnavailable)

	case m.State == StateExecute && ev.Kind == EventExecuted:
		m.Result = ev.Result
		if ev.Result.Empty() {
			return synthesize(m, OutcomeEmpty)
		}
		return synthesize(m, OutcomeRows)

	case m.State == StateExecute && ev.Kind == EventExecuteFailed:
		m.LastError = errString(ev.Err)
		switch classify(ev.Err) {
		case OutcomeQuerySyntax:
			return retryOrFail(m)
		case OutcomeQueryTimeout:
			return synthesize(m, OutcomeQueryTimeout)
		default:
			return synthesize(m, OutcomeUnavailable)
		}

	case m.State == StateSynthesize && ev.Kind == EventSynthesized:
		m.Answer = ev.Answer
		m.State = StateEnd
		return m, Effect{Kind: EffectAppend}, nil
	}

	return m, Effect{}, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Kind, m.State)
}

func synthesize(m Machine, o Outcome) (Machine, Effect, error) {
	m.Outcome = o
	m.State = StateSynthesize
	return m, Effect{Kind: EffectSynthesize, Outcome: o}, nil
}

// retryOrFail regenerates with the failing query and error while attempts
// remain, otherwise ends the turn with a query-syntax outcome.
func retryOrFail(m Machine) (Machine, Effect, error) {
	if m.Attempts > m.MaxRetries {
		return synthesize(m, OutcomeQuerySyntax)
	}
	m.State = StateGenerate
	return m, Effect{Kind: EffectGenerate, PriorQuery: m.Query, PriorError: m.LastError}, nil
}

// classify maps a component error onto the outcome it produces. Errors
// wrapping llm.ErrUnavailable or store.ErrUnavailable, and anything
// unrecognised, are outages.
func classify(err error) Outcome {
	switch {
	case errors.Is(err, querygen.ErrRejected), errors.Is(err, store.ErrQuerySyntax):
		return OutcomeQuerySyntax
	case errors.Is(err, store.ErrQueryTimeout):
		return OutcomeQueryTimeout
	default:
		return OutcomeUnavailable
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
