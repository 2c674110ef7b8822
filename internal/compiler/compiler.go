// Package compiler assembles the decision context for each turn:
// framing, current facts, the goal stack, the active summary chain,
// and a rolling window of recent raw turns, all bounded by a token
// budget. History beyond the budget is degraded in a fixed order
// rather than silently truncated.
package compiler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gambitbot/gambit/internal/classify"
	"github.com/gambitbot/gambit/internal/config"
	"github.com/gambitbot/gambit/internal/events"
	"github.com/gambitbot/gambit/internal/goals"
	"github.com/gambitbot/gambit/internal/ledger"
	"github.com/gambitbot/gambit/internal/prompts"
)

// HistorySource is the slice of the ledger the compiler reads.
// *ledger.Store satisfies it.
type HistorySource interface {
	Recent(runID string, k int) ([]ledger.Turn, error)
	ActiveSummaries(runID string) ([]ledger.Summary, error)
}

// Compiled is one assembled decision context.
type Compiled struct {
	Text string
	// Tokens is the estimated cost of Text under the configured
	// chars-per-token divisor.
	Tokens int
	// Critique reports whether this context carries the periodic
	// self-review instruction.
	Critique bool
	// Degraded reports whether history had to be dropped beyond the
	// scheduled compaction to fit the ceiling, or the ceiling could not
	// be met at all.
	Degraded         bool
	DroppedTurns     int
	DroppedSummaries int
}

// Compiler builds decision contexts for one run.
type Compiler struct {
	runID   string
	cfg     config.ContextConfig
	history HistorySource
	framing string
	logger  *slog.Logger
	bus     *events.Bus
}

// New creates a Compiler. framing is the fixed context preamble (see
// prompts.Framing); bus may be nil.
func New(runID string, cfg config.ContextConfig, history HistorySource, framing string, logger *slog.Logger, bus *events.Bus) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		runID:   runID,
		cfg:     cfg,
		history: history,
		framing: framing,
		logger:  logger.With("component", "compiler"),
		bus:     bus,
	}
}

// Compile assembles the context for deciding turn seq. corrective is a
// correction instruction carried over from a failed validation, empty
// otherwise.
func (c *Compiler) Compile(seq int64, tag classify.Tag, facts classify.Facts, stack *goals.Stack, corrective string) (*Compiled, error) {
	summaries, err := c.history.ActiveSummaries(c.runID)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	turns, err := c.history.Recent(c.runID, c.cfg.RecentTurns)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}

	critique := c.cfg.CritiqueInterval > 0 && seq > 0 && seq%int64(c.cfg.CritiqueInterval) == 0

	// Fixed sections survive every degradation step: the contract, the
	// current state, the goal stack, and the single most recent turn.
	var fixed strings.Builder
	fixed.WriteString(c.framing)
	fixed.WriteString("\n\n")
	if critique {
		fixed.WriteString(prompts.Critique(RenderFacts(tag, facts)))
		fixed.WriteString("\n\n")
	}
	fixed.WriteString("Current state:\n")
	fixed.WriteString(RenderFacts(tag, facts))
	fixed.WriteString("\n")
	if g := stack.Render(); g != "" {
		fixed.WriteString("\n")
		fixed.WriteString(g)
	}

	var tail strings.Builder
	if corrective != "" {
		tail.WriteString("\n")
		tail.WriteString(corrective)
		tail.WriteString("\n")
	}

	summaryLines := make([]string, len(summaries))
	for i, s := range summaries {
		summaryLines[i] = fmt.Sprintf("[turns %d-%d] %s", s.FromSeq, s.ToSeq, s.Body)
	}
	turnLines := make([]string, len(turns))
	for i, t := range turns {
		turnLines[i] = renderTurn(t)
	}

	out := &Compiled{Critique: critique}

	// Degrade in a fixed order: oldest raw turns first (the newest turn
	// always survives), then oldest summaries. Goals and facts are
	// never dropped.
	overCeiling := false
	keepSummaries, keepTurns := len(summaryLines), len(turnLines)
	for {
		text := assemble(fixed.String(), summaryLines[len(summaryLines)-keepSummaries:],
			turnLines[len(turnLines)-keepTurns:], tail.String())
		tokens := c.estimate(text)
		if tokens <= c.cfg.TokenCeiling {
			out.Text = text
			out.Tokens = tokens
			break
		}
		switch {
		case keepTurns > 1:
			keepTurns--
			out.DroppedTurns++
		case keepSummaries > 0:
			keepSummaries--
			out.DroppedSummaries++
		default:
			// Nothing left to shed. Emit the over-budget context rather
			// than an empty one; the ceiling is advisory at this point.
			overCeiling = true
			out.Text = text
			out.Tokens = tokens
		}
		if out.Text != "" {
			break
		}
	}

	if overCeiling || out.DroppedTurns > 0 || out.DroppedSummaries > 0 {
		out.Degraded = true
		c.logger.Warn("context degraded to fit token ceiling",
			"seq", seq,
			"dropped_turns", out.DroppedTurns,
			"dropped_summaries", out.DroppedSummaries,
			"tokens", out.Tokens,
			"ceiling", c.cfg.TokenCeiling,
		)
		c.bus.Emit(events.SourceLoop, events.KindContextDegraded, map[string]any{
			"seq":               seq,
			"dropped_turns":     out.DroppedTurns,
			"dropped_summaries": out.DroppedSummaries,
			"tokens":            out.Tokens,
		})
	}

	return out, nil
}

func assemble(fixed string, summaries, turns []string, tail string) string {
	var b strings.Builder
	b.WriteString(fixed)
	if len(summaries) > 0 {
		b.WriteString("\nEarlier history (condensed):\n")
		for _, s := range summaries {
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	if len(turns) > 0 {
		b.WriteString("\nRecent turns:\n")
		for _, t := range turns {
			b.WriteString(t)
			b.WriteString("\n")
		}
	}
	b.WriteString(tail)
	b.WriteString("\nYour decision:")
	return b.String()
}

// estimate approximates token cost by character count.
func (c *Compiler) estimate(text string) int {
	per := c.cfg.CharsPerToken
	if per <= 0 {
		per = 4
	}
	return (len(text) + per - 1) / per
}

func renderTurn(t ledger.Turn) string {
	line := fmt.Sprintf("#%d [%s] %s", t.Seq, t.Tag, t.Decision)
	if t.Validation != "ok" && t.Validation != "" {
		line += " (invalid: " + t.Validation + ")"
	}
	if t.Execution != "ok" && t.Execution != "" {
		line += " (failed: " + t.Execution + ")"
	}
	return line
}

// RenderFacts formats the current tag and facts for the model.
func RenderFacts(tag classify.Tag, f classify.Facts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", tag)
	if f.Location != "" {
		fmt.Fprintf(&b, "location: %s (map %d), position (%d,%d) facing %s\n",
			f.Location, f.MapID, f.PlayerX, f.PlayerY, f.Heading)
	}
	if f.InBattle {
		fmt.Fprintf(&b, "battle: %s\n", f.BattleKind)
		if f.Enemy != nil {
			fmt.Fprintf(&b, "enemy: %s L%d %d/%d HP, types %s\n",
				f.Enemy.Name, f.Enemy.Level, f.Enemy.HP, f.Enemy.MaxHP,
				strings.Join(f.Enemy.Types, "/"))
		}
	}
	for _, m := range f.Party {
		fmt.Fprintf(&b, "party: %s L%d %d/%d HP\n", m.Name, m.Level, m.HP, m.MaxHP)
	}
	if len(f.Items) > 0 {
		items := make([]string, len(f.Items))
		for i, it := range f.Items {
			items[i] = fmt.Sprintf("%s x%d", it.Name, it.Count)
		}
		fmt.Fprintf(&b, "items: %s\n", strings.Join(items, ", "))
	}
	return b.String()
}
