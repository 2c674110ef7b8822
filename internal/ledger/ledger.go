// Package ledger provides the append-only history store. Every
// decision loop iteration appends exactly one Turn; summaries condense
// contiguous turn ranges for the context view without ever deleting
// the underlying rows. The loop is the only writer.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Turn is one decision-loop iteration's audit record. Turns are
// appended and never edited or deleted.
type Turn struct {
	// Seq is the loop-assigned sequence number, unique per run.
	Seq   int64
	RunID string
	// Fingerprint identifies the snapshot this turn decided on.
	Fingerprint string
	// Tag is the confirmed game state at decision time.
	Tag string
	// ContextExcerpt is a short head of the compiled context, kept for
	// audits; the full context is reproducible from the ledger.
	ContextExcerpt string
	// Decision is the decided action or tool call, rendered compactly
	// (e.g., "action:a" or "tool:navigate{x:3,y:9}").
	Decision string
	// Validation records the response validation outcome: "ok" or the
	// validation error.
	Validation string
	// Execution records the dispatch outcome: "ok" or the failure.
	Execution string
	// Critique marks self-review turns inserted by the guidance
	// critique cadence.
	Critique  bool
	Timestamp time.Time
}

// Summary condenses a contiguous turn range. Tier 1 summaries cover
// raw turns; each higher tier covers a run of summaries one tier
// below. Superseded summaries stay in the table for audits but drop
// out of the active context view.
type Summary struct {
	ID        string
	RunID     string
	Tier      int
	FromSeq   int64
	ToSeq     int64
	Body      string
	CreatedAt time.Time
}

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			tag TEXT NOT NULL,
			context_excerpt TEXT NOT NULL,
			decision TEXT NOT NULL,
			validation TEXT NOT NULL,
			execution TEXT NOT NULL,
			critique INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);

		CREATE TABLE IF NOT EXISTS summaries (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tier INTEGER NOT NULL,
			from_seq INTEGER NOT NULL,
			to_seq INTEGER NOT NULL,
			body TEXT NOT NULL,
			superseded INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_summaries_active
			ON summaries(run_id, superseded, tier, from_seq);
	`)
	return err
}

// AppendTurn stores one turn. The (run, seq) pair must be unique; a
// duplicate append is an error, which catches loop sequencing bugs
// early instead of silently rewriting history.
func (s *Store) AppendTurn(t *Turn) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO turns (run_id, seq, fingerprint, tag, context_excerpt,
			decision, validation, execution, critique, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.RunID, t.Seq, t.Fingerprint, t.Tag, t.ContextExcerpt,
		t.Decision, t.Validation, t.Execution, boolToInt(t.Critique),
		t.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append turn %d: %w", t.Seq, err)
	}
	return nil
}

// Recent returns the k most recent turns for a run, oldest first.
func (s *Store) Recent(runID string, k int) ([]Turn, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT run_id, seq, fingerprint, tag, context_excerpt,
			decision, validation, execution, critique, created_at
		FROM turns WHERE run_id = ?
		ORDER BY seq DESC LIMIT ?
	`, runID, k)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Range returns turns with from ≤ seq ≤ to, oldest first.
func (s *Store) Range(runID string, from, to int64) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT run_id, seq, fingerprint, tag, context_excerpt,
			decision, validation, execution, critique, created_at
		FROM turns WHERE run_id = ? AND seq >= ? AND seq <= ?
		ORDER BY seq ASC
	`, runID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query turn range: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Count returns the number of turns recorded for a run.
func (s *Store) Count(runID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM turns WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// MaxSeq returns the highest sequence number for a run, or 0 when the
// run has no turns.
func (s *Store) MaxSeq(runID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(seq) FROM turns WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

// AppendSummary stores a summary. For tiers above 1 the covered
// lower-tier summaries are marked superseded in the same transaction,
// keeping the active view consistent after a crash. Turn rows are
// never touched.
func (s *Store) AppendSummary(sum *Summary) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	sum.ID = id.String()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO summaries (id, run_id, tier, from_seq, to_seq, body, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, sum.ID, sum.RunID, sum.Tier, sum.FromSeq, sum.ToSeq, sum.Body,
		sum.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	if sum.Tier > 1 {
		_, err = tx.Exec(`
			UPDATE summaries SET superseded = 1
			WHERE run_id = ? AND tier = ? AND from_seq >= ? AND to_seq <= ? AND id != ?
		`, sum.RunID, sum.Tier-1, sum.FromSeq, sum.ToSeq, sum.ID)
		if err != nil {
			return fmt.Errorf("supersede covered summaries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ActiveSummaries returns non-superseded summaries for a run, ordered
// by covered range (oldest first). This is the summary chain the
// context compiler assembles.
func (s *Store) ActiveSummaries(runID string) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, tier, from_seq, to_seq, body, created_at
		FROM summaries
		WHERE run_id = ? AND superseded = 0
		ORDER BY from_seq ASC, tier DESC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query active summaries: %w", err)
	}
	defer rows.Close()

	var sums []Summary
	for rows.Next() {
		var sum Summary
		var createdStr string
		if err := rows.Scan(&sum.ID, &sum.RunID, &sum.Tier, &sum.FromSeq,
			&sum.ToSeq, &sum.Body, &createdStr); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// ActiveAtTier returns non-superseded summaries at one tier, oldest
// covered range first. The cascade uses this to decide when a tier is
// due for collapse.
func (s *Store) ActiveAtTier(runID string, tier int) ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, tier, from_seq, to_seq, body, created_at
		FROM summaries
		WHERE run_id = ? AND superseded = 0 AND tier = ?
		ORDER BY from_seq ASC
	`, runID, tier)
	if err != nil {
		return nil, fmt.Errorf("query tier %d summaries: %w", tier, err)
	}
	defer rows.Close()

	var sums []Summary
	for rows.Next() {
		var sum Summary
		var createdStr string
		if err := rows.Scan(&sum.ID, &sum.RunID, &sum.Tier, &sum.FromSeq,
			&sum.ToSeq, &sum.Body, &createdStr); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

// SummarizedThrough returns the highest turn sequence covered by any
// tier-1 summary, or 0 when nothing has been summarized yet.
func (s *Store) SummarizedThrough(runID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(to_seq) FROM summaries WHERE run_id = ? AND tier = 1
	`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("summarized through: %w", err)
	}
	return seq.Int64, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		var t Turn
		var critique int
		var createdStr string
		if err := rows.Scan(&t.RunID, &t.Seq, &t.Fingerprint, &t.Tag,
			&t.ContextExcerpt, &t.Decision, &t.Validation, &t.Execution,
			&critique, &createdStr); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Critique = critique != 0
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, createdStr)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
