package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/gambitbot/gambit/internal/ledger"
	"github.com/gambitbot/gambit/internal/prompts"
)

// TextModel is the slice of the model client the summarizer needs.
type TextModel interface {
	Decide(ctx context.Context, prompt string) (string, error)
}

// Model delegates condensation to the decision service. Use only when
// the service budget allows the extra calls; Heuristic is the default.
type Model struct {
	Client TextModel
	// Fallback handles condensation when the model call fails, so a
	// model outage never stalls the compaction cadence. Nil disables
	// the fallback and surfaces the error instead.
	Fallback Summarizer
}

// SummarizeTurns asks the model to condense the block, falling back to
// Fallback on error.
func (m *Model) SummarizeTurns(ctx context.Context, turns []ledger.Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("summarize empty turn block")
	}

	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "turn %d [%s] decided %s (validation: %s, execution: %s)\n",
			t.Seq, t.Tag, t.Decision, t.Validation, t.Execution)
	}

	body, err := m.Client.Decide(ctx, prompts.SummarizeTurns(turns[0].Seq, turns[len(turns)-1].Seq, b.String()))
	if err != nil {
		if m.Fallback != nil {
			return m.Fallback.SummarizeTurns(ctx, turns)
		}
		return "", fmt.Errorf("model summarize turns: %w", err)
	}
	return strings.TrimSpace(body), nil
}

// SummarizeSummaries asks the model to condense a run of summaries,
// falling back to Fallback on error.
func (m *Model) SummarizeSummaries(ctx context.Context, sums []ledger.Summary) (string, error) {
	if len(sums) == 0 {
		return "", fmt.Errorf("summarize empty summary run")
	}

	var b strings.Builder
	for _, s := range sums {
		fmt.Fprintf(&b, "[turns %d-%d] %s\n", s.FromSeq, s.ToSeq, s.Body)
	}

	body, err := m.Client.Decide(ctx, prompts.SummarizeSummaries(sums[0].FromSeq, sums[len(sums)-1].ToSeq, b.String()))
	if err != nil {
		if m.Fallback != nil {
			return m.Fallback.SummarizeSummaries(ctx, sums)
		}
		return "", fmt.Errorf("model summarize summaries: %w", err)
	}
	return strings.TrimSpace(body), nil
}
