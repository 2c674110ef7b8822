// Package summarize condenses ledger history into summaries and
// maintains the tier cascade that keeps the active summary chain
// logarithmic in total run length.
//
// The condensation algorithm is a pluggable capability behind the
// Summarizer interface. The default Heuristic implementation is
// deterministic and extractive; Model delegates condensation to the
// decision service. Exact Heuristic behavior is pinned by the tests in
// this package.
package summarize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gambitbot/gambit/internal/ledger"
)

// Summarizer condenses a block of turns, or a run of lower-tier
// summaries, into one body of text.
type Summarizer interface {
	// SummarizeTurns condenses a contiguous block of raw turns.
	SummarizeTurns(ctx context.Context, turns []ledger.Turn) (string, error)
	// SummarizeSummaries condenses a run of same-tier summaries into
	// one higher-tier body.
	SummarizeSummaries(ctx context.Context, sums []ledger.Summary) (string, error)
}

// Heuristic is the default deterministic summarizer. It extracts what
// the decision process needs from older history: state transitions,
// the decision mix, and unresolved failures, without any model call.
type Heuristic struct {
	// MaxFailures bounds how many failure lines one summary carries
	// (default 5). Oldest failures drop first; a recurring failure
	// keeps reappearing in later blocks until resolved.
	MaxFailures int
}

func (h *Heuristic) maxFailures() int {
	if h.MaxFailures <= 0 {
		return 5
	}
	return h.MaxFailures
}

// SummarizeTurns renders one block of turns as: covered range, state
// census, transitions, dominant decisions, failures, and critique
// outcomes. Deterministic: same turns, same text.
func (h *Heuristic) SummarizeTurns(_ context.Context, turns []ledger.Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("summarize empty turn block")
	}

	tagCounts := make(map[string]int)
	decisionCounts := make(map[string]int)
	var transitions []string
	var failures []string
	var critiques []string

	prevTag := ""
	for _, t := range turns {
		tagCounts[t.Tag]++
		decisionCounts[t.Decision]++
		if prevTag != "" && t.Tag != prevTag {
			transitions = append(transitions, fmt.Sprintf("%s→%s@%d", prevTag, t.Tag, t.Seq))
		}
		prevTag = t.Tag
		if t.Validation != "ok" && t.Validation != "" {
			failures = append(failures, fmt.Sprintf("turn %d: invalid response (%s)", t.Seq, t.Validation))
		}
		if t.Execution != "ok" && t.Execution != "" {
			failures = append(failures, fmt.Sprintf("turn %d: %s", t.Seq, t.Execution))
		}
		if t.Critique {
			critiques = append(critiques, fmt.Sprintf("turn %d: %s", t.Seq, t.Decision))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Turns %d-%d: ", turns[0].Seq, turns[len(turns)-1].Seq)
	b.WriteString("states ")
	b.WriteString(renderCounts(tagCounts, 0))
	b.WriteString(".")

	if len(transitions) > 0 {
		// Transitions carry the narrative; keep the first few of each block.
		if len(transitions) > 8 {
			transitions = transitions[:8]
		}
		b.WriteString(" Transitions: " + strings.Join(transitions, ", ") + ".")
	}

	b.WriteString(" Decisions: " + renderCounts(decisionCounts, 3) + ".")

	if len(failures) > 0 {
		if len(failures) > h.maxFailures() {
			failures = failures[len(failures)-h.maxFailures():]
		}
		b.WriteString(" Unresolved failures: " + strings.Join(failures, "; ") + ".")
	}
	if len(critiques) > 0 {
		b.WriteString(" Self-review: " + strings.Join(critiques, "; ") + ".")
	}
	return b.String(), nil
}

// SummarizeSummaries joins lower-tier bodies, keeping each body's
// leading sentence so higher tiers stay proportionally smaller.
func (h *Heuristic) SummarizeSummaries(_ context.Context, sums []ledger.Summary) (string, error) {
	if len(sums) == 0 {
		return "", fmt.Errorf("summarize empty summary run")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Turns %d-%d (condensed): ", sums[0].FromSeq, sums[len(sums)-1].ToSeq)
	var parts []string
	for _, s := range sums {
		parts = append(parts, firstSentence(s.Body))
	}
	b.WriteString(strings.Join(parts, " "))
	return b.String(), nil
}

// renderCounts renders a count map as "k×n" pairs, most frequent
// first, ties broken alphabetically for determinism. topN of 0 keeps
// everything.
func renderCounts(counts map[string]int, topN int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if topN > 0 && len(keys) > topN {
		keys = keys[:topN]
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s×%d", k, counts[k])
	}
	return strings.Join(parts, ", ")
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}
