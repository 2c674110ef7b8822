package summarize

import (
	"context"
	"strings"
	"testing"

	"github.com/gambitbot/gambit/internal/ledger"
)

func block(from, to int64, tag string) []ledger.Turn {
	var turns []ledger.Turn
	for seq := from; seq <= to; seq++ {
		turns = append(turns, ledger.Turn{
			Seq: seq, RunID: "run1", Tag: tag,
			Decision: "action:up", Validation: "ok", Execution: "ok",
		})
	}
	return turns
}

func TestHeuristicDeterministic(t *testing.T) {
	h := &Heuristic{}
	turns := block(1, 50, "Overworld")
	turns[10].Tag = "Battle"
	turns[11].Tag = "Battle"
	turns[20].Execution = "inject failed: timeout"

	first, err := h.SummarizeTurns(context.Background(), turns)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := h.SummarizeTurns(context.Background(), turns)
		if err != nil {
			t.Fatalf("summarize: %v", err)
		}
		if again != first {
			t.Fatalf("summary not deterministic:\n%s\nvs\n%s", first, again)
		}
	}
}

func TestHeuristicContent(t *testing.T) {
	h := &Heuristic{}
	turns := block(101, 200, "Overworld")
	turns[30].Tag = "Battle"
	turns[31].Tag = "Battle"
	turns[50].Validation = `unknown action "jump"`
	turns[60].Critique = true
	turns[60].Decision = "confirmed: location matches belief"

	out, err := h.SummarizeTurns(context.Background(), turns)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if !strings.Contains(out, "Turns 101-200") {
		t.Errorf("missing covered range:\n%s", out)
	}
	if !strings.Contains(out, "Overworld→Battle") {
		t.Errorf("missing state transition:\n%s", out)
	}
	if !strings.Contains(out, "unknown action") {
		t.Errorf("missing unresolved failure:\n%s", out)
	}
	if !strings.Contains(out, "Self-review") {
		t.Errorf("missing critique outcome:\n%s", out)
	}
}

func TestHeuristicBoundsFailures(t *testing.T) {
	h := &Heuristic{MaxFailures: 3}
	turns := block(1, 100, "Overworld")
	for i := 0; i < 20; i++ {
		turns[i].Execution = "inject failed"
	}

	out, err := h.SummarizeTurns(context.Background(), turns)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if n := strings.Count(out, "inject failed"); n > 3 {
		t.Errorf("failure lines = %d, want at most 3:\n%s", n, out)
	}
}

func TestHeuristicEmptyBlock(t *testing.T) {
	h := &Heuristic{}
	if _, err := h.SummarizeTurns(context.Background(), nil); err == nil {
		t.Error("expected error for empty block")
	}
	if _, err := h.SummarizeSummaries(context.Background(), nil); err == nil {
		t.Error("expected error for empty summary run")
	}
}

func TestHeuristicSummarizeSummaries(t *testing.T) {
	h := &Heuristic{}
	sums := []ledger.Summary{
		{FromSeq: 1, ToSeq: 100, Body: "Turns 1-100: states Overworld×100. Decisions: action:up×100."},
		{FromSeq: 101, ToSeq: 200, Body: "Turns 101-200: states Battle×60, Overworld×40. Decisions: tool:strategy×50."},
	}
	out, err := h.SummarizeSummaries(context.Background(), sums)
	if err != nil {
		t.Fatalf("summarize summaries: %v", err)
	}
	if !strings.Contains(out, "Turns 1-200") {
		t.Errorf("missing merged range:\n%s", out)
	}
	// Higher tiers keep only the leading sentence of each body.
	if strings.Contains(out, "tool:strategy") {
		t.Errorf("higher tier kept full body:\n%s", out)
	}
}

type fakeTextModel struct {
	response string
	err      error
	calls    int
}

func (f *fakeTextModel) Decide(_ context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestModelSummarizerUsesClient(t *testing.T) {
	client := &fakeTextModel{response: "  condensed text \n"}
	m := &Model{Client: client}

	out, err := m.SummarizeTurns(context.Background(), block(1, 10, "Overworld"))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if out != "condensed text" {
		t.Errorf("summary = %q, want trimmed model output", out)
	}
	if client.calls != 1 {
		t.Errorf("model calls = %d, want 1", client.calls)
	}
}

func TestModelSummarizerFallsBack(t *testing.T) {
	client := &fakeTextModel{err: context.DeadlineExceeded}
	m := &Model{Client: client, Fallback: &Heuristic{}}

	out, err := m.SummarizeTurns(context.Background(), block(1, 10, "Overworld"))
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if !strings.Contains(out, "Turns 1-10") {
		t.Errorf("fallback output missing range:\n%s", out)
	}
}

func TestModelSummarizerNoFallbackSurfacesError(t *testing.T) {
	m := &Model{Client: &fakeTextModel{err: context.DeadlineExceeded}}
	if _, err := m.SummarizeTurns(context.Background(), block(1, 10, "Overworld")); err == nil {
		t.Error("expected error without fallback")
	}
}
