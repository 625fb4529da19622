// Package reasoning turns query results into grounded natural-language
// answers.
package reasoning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/hybridqa/llm"
	"github.com/brunobiangulo/hybridqa/retrieval"
	"github.com/brunobiangulo/hybridqa/session"
	"github.com/brunobiangulo/hybridqa/store"
)

// Outcome is the result kind a turn carries into synthesis.
type Outcome string

const (
	OutcomeRows         Outcome = "rows"
	OutcomeEmpty        Outcome = "empty"
	OutcomeUnresolved   Outcome = "unresolved"
	OutcomeQuerySyntax  Outcome = "query-syntax"
	OutcomeQueryTimeout Outcome = "query-timeout"
	OutcomeUnavailable  Outcome = "unavailable"
)

// Failed reports whether o communicates an inability to answer.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeQuerySyntax, OutcomeQueryTimeout, OutcomeUnavailable:
		return true
	}
	return false
}

// Fixed answers for outcomes that never reach the reasoning service.
const (
	emptyAnswer       = "I found no matching records for that question."
	failedAnswer      = "Sorry, I could not process that request."
	timeoutAnswer     = "Sorry, I could not process that request because the query took too long."
	unavailableAnswer = "Sorry, I could not process that request because a required service is unavailable right now."
)

// Chatter is the subset of llm.Provider the synthesizer needs.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Config holds synthesizer configuration.
type Config struct {
	// HistoryTurns is how many recent turns are shown to the model.
	HistoryTurns int
	// MaxTableRows caps the rows rendered into prompts and fallbacks.
	MaxTableRows int
}

// Input is everything synthesis may draw on.
type Input struct {
	Question string
	Outcome  Outcome
	Result   *store.Result
	Entities []retrieval.Resolution
	History  []session.Turn
}

// Answer is the final output of synthesis.
type Answer struct {
	Text string `json:"text"`
	// Grounded is false only when the model's reply was replaced.
	Grounded bool `json:"grounded"`
	// Fallback is set when Text is a deterministic rendering of the rows.
	Fallback    bool     `json:"fallback,omitempty"`
	Issues      []string `json:"issues,omitempty"`
	ModelUsed   string   `json:"model_used,omitempty"`
	TotalTokens int      `json:"total_tokens,omitempty"`
}

// Synthesizer produces grounded answers.
type Synthesizer struct {
	chat Chatter
	cfg  Config
}

// New creates a new synthesizer.
func New(chat Chatter, cfg Config) *Synthesizer {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 6
	}
	if cfg.MaxTableRows <= 0 {
		cfg.MaxTableRows = 50
	}
	return &Synthesizer{chat: chat, cfg: cfg}
}

// Synthesize always returns an answer. Outcomes without rows are answered
// deterministically. For rows the reasoning service writes the answer and
// every number in it is checked against the rows; a failed check or a
// reasoning failure falls back to rendering the rows directly. The
// returned error reports such a reasoning failure and is informational:
// the answer is still complete.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (*Answer, error) {
	outcome := in.Outcome
	if outcome == OutcomeRows && in.Result.Empty() {
		outcome = OutcomeEmpty
	}

	switch outcome {
	case OutcomeRows:
	case OutcomeEmpty:
		return &Answer{Text: emptyAnswer, Grounded: true}, nil
	case OutcomeUnresolved:
		return &Answer{Text: notFound(retrieval.Unresolved(in.Entities)), Grounded: true}, nil
	case OutcomeQueryTimeout:
		return &Answer{Text: timeoutAnswer, Grounded: true}, nil
	case OutcomeUnavailable:
		return &Answer{Text: unavailableAnswer, Grounded: true}, nil
	default:
		return &Answer{Text: failedAnswer, Grounded: true}, nil
	}

	start := time.Now()
	prompt := s.buildPrompt(in)
	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		slog.Warn("reasoning: synthesis failed, rendering rows", "error", err)
		return s.fallback(in, nil), fmt.Errorf("reasoning: %w", err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return s.fallback(in, []string{"empty answer"}), nil
	}

	v := checkNumbers(text, in)
	if !v.grounded() {
		slog.Warn("reasoning: answer not grounded in rows", "issues", len(v.issues))
		ans := s.fallback(in, v.issues)
		ans.ModelUsed = resp.Model
		ans.TotalTokens = resp.TotalTokens
		return ans, nil
	}

	slog.Info("reasoning: answer synthesized",
		"rows", len(in.Result.Rows), "tokens", resp.TotalTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &Answer{
		Text:        text,
		Grounded:    true,
		ModelUsed:   resp.Model,
		TotalTokens: resp.TotalTokens,
	}, nil
}

// notFound names every unresolved mention.
func notFound(mentions []string) string {
	if len(mentions) == 0 {
		return "I could not find that in the listings data."
	}
	quoted := make([]string, len(mentions))
	for i, m := range mentions {
		quoted[i] = fmt.Sprintf("%q", m)
	}
	list := quoted[0]
	if len(quoted) > 1 {
		list = strings.Join(quoted[:len(quoted)-1], ", ") + " or " + quoted[len(quoted)-1]
	}
	return fmt.Sprintf("I could not find any listing matching %s, so I cannot answer that.", list)
}

// fallback renders the rows without the reasoning service.
func (s *Synthesizer) fallback(in Input, issues []string) *Answer {
	res := in.Result
	var text string
	if len(res.Rows) == 1 && len(res.Columns) == 1 {
		col := res.Columns[0]
		text = fmt.Sprintf("%s: %s", col, formatValue(res.Rows[0][col]))
	} else {
		noun := "records"
		if len(res.Rows) == 1 {
			noun = "record"
		}
		text = fmt.Sprintf("I found %d matching %s:\n\n%s", len(res.Rows), noun, s.table(res))
	}
	return &Answer{Text: text, Grounded: len(issues) == 0, Fallback: true, Issues: issues}
}

const systemPrompt = `You answer questions about commercial real-estate listings, their brokers and associates.
Rules:
1. Use ONLY the query results provided. Do not use outside knowledge.
2. Never state a number, address, name or relationship that is not in the results.
3. Copy numbers exactly as they appear in the results; do not compute new ones.
4. If the results do not answer the question, say so plainly.
5. Be concise.`

func (s *Synthesizer) buildPrompt(in Input) string {
	var b strings.Builder

	history := in.History
	if len(history) > s.cfg.HistoryTurns {
		history = history[len(history)-s.cfg.HistoryTurns:]
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}

	if d := retrieval.Describe(in.Entities); d != "" {
		b.WriteString("Resolved entities:\n")
		b.WriteString(d)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\n\nQuery results (%d rows):\n%s", in.Question, len(in.Result.Rows), s.table(in.Result))
	if in.Result.Truncated {
		b.WriteString("\nThe results were truncated; more rows exist.\n")
	}
	return b.String()
}

// table renders res as a markdown table of at most MaxTableRows rows.
func (s *Synthesizer) table(res *store.Result) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(res.Columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(res.Columns)) + "\n")

	rows := res.Rows
	if len(rows) > s.cfg.MaxTableRows {
		rows = rows[:s.cfg.MaxTableRows]
	}
	for _, r := range rows {
		cells := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			cells[i] = strings.ReplaceAll(formatValue(r[c]), "|", `\|`)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	if more := len(res.Rows) - len(rows); more > 0 {
		fmt.Fprintf(&b, "(%d more rows not shown)\n", more)
	}
	return b.String()
}
