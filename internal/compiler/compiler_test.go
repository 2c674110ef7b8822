package compiler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/gambitbot/gambit/internal/classify"
	"github.com/gambitbot/gambit/internal/config"
	"github.com/gambitbot/gambit/internal/events"
	"github.com/gambitbot/gambit/internal/goals"
	"github.com/gambitbot/gambit/internal/ledger"
	"github.com/gambitbot/gambit/internal/prompts"
)

// fakeHistory serves canned turns and summaries.
type fakeHistory struct {
	turns     []ledger.Turn
	summaries []ledger.Summary
}

func (f *fakeHistory) Recent(runID string, k int) ([]ledger.Turn, error) {
	if k >= len(f.turns) {
		return f.turns, nil
	}
	return f.turns[len(f.turns)-k:], nil
}

func (f *fakeHistory) ActiveSummaries(runID string) ([]ledger.Summary, error) {
	return f.summaries, nil
}

func defaultCfg() config.ContextConfig {
	return config.ContextConfig{
		TokenCeiling:     8000,
		CharsPerToken:    4,
		RecentTurns:      10,
		SummarizeEvery:   100,
		CascadeWidth:     10,
		CritiqueInterval: 25,
	}
}

func syntheticHistory(turns, summaries int) *fakeHistory {
	h := &fakeHistory{}
	for i := range turns {
		h.turns = append(h.turns, ledger.Turn{
			Seq:      int64(i + 1),
			Tag:      "Overworld",
			Decision: fmt.Sprintf("action:up (step %d through tall grass heading north)", i+1),
		})
	}
	for i := range summaries {
		h.summaries = append(h.summaries, ledger.Summary{
			Tier:    1,
			FromSeq: int64(i*100 + 1),
			ToSeq:   int64((i + 1) * 100),
			Body:    strings.Repeat("explored routes, fought wild encounters, healed at center. ", 8),
		})
	}
	return h
}

func testFacts() (classify.Tag, classify.Facts) {
	return classify.TagOverworld, classify.Facts{
		Location: "Route1", MapID: 12, PlayerX: 4, PlayerY: 9,
		Heading: "up", WorldLoaded: true,
		Party: []classify.Combatant{{Name: "SPROUT", Level: 12, HP: 30, MaxHP: 41}},
	}
}

func newTestCompiler(h HistorySource, cfg config.ContextConfig, bus *events.Bus) *Compiler {
	framing := prompts.Framing([]string{"up", "down", "a", "wait"}, []string{"navigate(x,y): walk to coordinates"})
	return New("run-1", cfg, h, framing, nil, bus)
}

func TestCompileContainsAllSections(t *testing.T) {
	h := syntheticHistory(5, 1)
	c := newTestCompiler(h, defaultCfg(), nil)
	stack := goals.NewStack()
	stack.Push("defeat the first gym", 1)

	tag, facts := testFacts()
	out, err := c.Compile(6, tag, facts, stack, "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	for _, want := range []string{
		"Respond with exactly one JSON object",
		"state: Overworld",
		"location: Route1",
		"defeat the first gym",
		"Earlier history (condensed):",
		"Recent turns:",
		"#5 [Overworld]",
		"Your decision:",
	} {
		if !strings.Contains(out.Text, want) {
			t.Errorf("compiled context missing %q", want)
		}
	}
	if out.Degraded {
		t.Error("small history should not degrade")
	}
}

func TestCompileNeverExceedsCeiling(t *testing.T) {
	// Histories from tiny to 100k turns; the compiler sees at most
	// RecentTurns raw turns plus the active summary chain, and must
	// stay under the ceiling by dropping history when needed.
	for _, turns := range []int{0, 10, 1_000, 10_000, 100_000} {
		h := syntheticHistory(min(turns, 200), turns/100)
		cfg := defaultCfg()
		cfg.TokenCeiling = 2000
		c := newTestCompiler(h, cfg, nil)

		tag, facts := testFacts()
		out, err := c.Compile(int64(turns+1), tag, facts, goals.NewStack(), "")
		if err != nil {
			t.Fatalf("compile with %d turns: %v", turns, err)
		}
		if out.Tokens > cfg.TokenCeiling {
			t.Errorf("%d turns: tokens = %d, exceeds ceiling %d", turns, out.Tokens, cfg.TokenCeiling)
		}
	}
}

func TestDegradationDropsOldestTurnsFirst(t *testing.T) {
	h := syntheticHistory(10, 2)
	cfg := defaultCfg()
	// Force degradation with a ceiling that fits the fixed sections and
	// only part of the history.
	cfg.TokenCeiling = 700
	bus := events.New()
	sub := bus.Subscribe(4)
	c := newTestCompiler(h, cfg, bus)

	tag, facts := testFacts()
	out, err := c.Compile(11, tag, facts, goals.NewStack(), "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !out.Degraded {
		t.Fatal("expected degradation under a tight ceiling")
	}
	if out.DroppedTurns == 0 {
		t.Error("expected raw turns dropped before summaries")
	}
	// The newest turn always survives.
	if !strings.Contains(out.Text, "#10 [Overworld]") {
		t.Error("newest turn was dropped")
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindContextDegraded {
			t.Errorf("event kind = %s, want %s", e.Kind, events.KindContextDegraded)
		}
	default:
		t.Error("no degradation event published")
	}
}

func TestCeilingBelowFixedSectionsMarksDegraded(t *testing.T) {
	// A ceiling smaller than the fixed sections cannot be met; the
	// context is still emitted but must be reported as degraded.
	h := syntheticHistory(2, 0)
	cfg := defaultCfg()
	cfg.TokenCeiling = 1
	bus := events.New()
	sub := bus.Subscribe(4)
	c := newTestCompiler(h, cfg, bus)

	tag, facts := testFacts()
	out, err := c.Compile(3, tag, facts, goals.NewStack(), "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if out.Text == "" {
		t.Fatal("compiled context is empty")
	}
	if !out.Degraded {
		t.Error("over-ceiling context not marked degraded")
	}
	select {
	case e := <-sub:
		if e.Kind != events.KindContextDegraded {
			t.Errorf("event kind = %s, want %s", e.Kind, events.KindContextDegraded)
		}
	default:
		t.Error("no degradation event published")
	}
}

func TestDegradationNeverDropsGoals(t *testing.T) {
	h := syntheticHistory(50, 5)
	cfg := defaultCfg()
	cfg.TokenCeiling = 600
	c := newTestCompiler(h, cfg, nil)
	stack := goals.NewStack()
	stack.Push("reach Pewter City", 1)

	tag, facts := testFacts()
	out, err := c.Compile(51, tag, facts, stack, "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out.Text, "reach Pewter City") {
		t.Error("goal stack dropped during degradation")
	}
}

func TestCritiqueCadence(t *testing.T) {
	h := syntheticHistory(30, 0)
	c := newTestCompiler(h, defaultCfg(), nil)
	tag, facts := testFacts()

	out, err := c.Compile(25, tag, facts, goals.NewStack(), "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !out.Critique || !strings.Contains(out.Text, "Self-review:") {
		t.Error("turn 25 should carry the critique instruction")
	}

	out, err = c.Compile(26, tag, facts, goals.NewStack(), "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if out.Critique || strings.Contains(out.Text, "Self-review:") {
		t.Error("turn 26 should not carry the critique instruction")
	}
}

func TestCorrectiveAppended(t *testing.T) {
	h := syntheticHistory(3, 0)
	c := newTestCompiler(h, defaultCfg(), nil)
	tag, facts := testFacts()

	out, err := c.Compile(4, tag, facts, goals.NewStack(), prompts.Corrective("unknown action \"jump\""))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(out.Text, `unknown action "jump"`) {
		t.Error("corrective instruction missing from context")
	}
}
