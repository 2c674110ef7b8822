package summarize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gambitbot/gambit/internal/ledger"
)

// Store is the slice of the ledger the cascade needs.
type Store interface {
	Range(runID string, from, to int64) ([]ledger.Turn, error)
	ActiveAtTier(runID string, tier int) ([]ledger.Summary, error)
	AppendSummary(sum *ledger.Summary) error
	SummarizedThrough(runID string) (int64, error)
}

// Cascade maintains hierarchical compaction over one run's ledger.
// Every BlockSize turns, the oldest unsummarized block collapses into
// a tier-1 summary; whenever Width active summaries accumulate at a
// tier, they collapse into one summary a tier up. The active chain is
// therefore O(log total turns).
//
// Maintain is called synchronously from the decision loop's own turn
// counter, never from a timer, which preserves the single-writer model.
type Cascade struct {
	RunID      string
	BlockSize  int // turns per tier-1 summary (S1)
	Width      int // same-tier summaries per collapse
	Store      Store
	Summarizer Summarizer
	Logger     *slog.Logger
}

// Maintain runs all due compaction for the run given the highest
// appended sequence number. Multiple blocks can be due at once (e.g.,
// after recovery); each is processed oldest first.
func (c *Cascade) Maintain(ctx context.Context, maxSeq int64) error {
	for {
		due, err := c.maintainOnce(ctx, maxSeq)
		if err != nil {
			return err
		}
		if !due {
			return nil
		}
	}
}

func (c *Cascade) maintainOnce(ctx context.Context, maxSeq int64) (bool, error) {
	through, err := c.Store.SummarizedThrough(c.RunID)
	if err != nil {
		return false, err
	}
	if maxSeq-through < int64(c.BlockSize) {
		return false, c.collapseTiers(ctx)
	}

	from, to := through+1, through+int64(c.BlockSize)
	turns, err := c.Store.Range(c.RunID, from, to)
	if err != nil {
		return false, err
	}
	if len(turns) == 0 {
		// Sequence gap (pre-checkpoint turns from a pruned run). A marker
		// summary advances the watermark so later blocks still compact;
		// otherwise the same empty block would be retried every turn.
		c.logger().Warn("compaction block has no turns, recording gap",
			"from", from, "to", to)
		err := c.Store.AppendSummary(&ledger.Summary{
			RunID:   c.RunID,
			Tier:    1,
			FromSeq: from,
			ToSeq:   to,
			Body:    fmt.Sprintf("(no recorded turns for %d-%d)", from, to),
		})
		if err != nil {
			return false, fmt.Errorf("append gap summary: %w", err)
		}
		return true, nil
	}

	body, err := c.Summarizer.SummarizeTurns(ctx, turns)
	if err != nil {
		return false, fmt.Errorf("summarize turns %d-%d: %w", from, to, err)
	}
	err = c.Store.AppendSummary(&ledger.Summary{
		RunID:   c.RunID,
		Tier:    1,
		FromSeq: from,
		ToSeq:   to,
		Body:    body,
	})
	if err != nil {
		return false, fmt.Errorf("append tier-1 summary: %w", err)
	}
	c.logger().Debug("compacted turn block", "from", from, "to", to)

	if err := c.collapseTiers(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// collapseTiers walks up the tiers, collapsing any tier with Width or
// more active summaries into one summary a tier above. A collapse at
// tier t can make tier t+1 due, so the walk continues until a tier is
// under width.
func (c *Cascade) collapseTiers(ctx context.Context) error {
	for tier := 1; ; tier++ {
		active, err := c.Store.ActiveAtTier(c.RunID, tier)
		if err != nil {
			return err
		}
		if len(active) < c.Width {
			return nil
		}

		batch := active[:c.Width]
		body, err := c.Summarizer.SummarizeSummaries(ctx, batch)
		if err != nil {
			return fmt.Errorf("collapse tier %d: %w", tier, err)
		}
		err = c.Store.AppendSummary(&ledger.Summary{
			RunID:   c.RunID,
			Tier:    tier + 1,
			FromSeq: batch[0].FromSeq,
			ToSeq:   batch[c.Width-1].ToSeq,
			Body:    body,
		})
		if err != nil {
			return fmt.Errorf("append tier-%d summary: %w", tier+1, err)
		}
		c.logger().Debug("collapsed summary tier",
			"tier", tier,
			"from", batch[0].FromSeq,
			"to", batch[c.Width-1].ToSeq,
		)
	}
}

func (c *Cascade) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
