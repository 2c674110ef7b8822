package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Store handles checkpoint persistence. The state blob is gzip-
// compressed JSON; a successful write replaces the previous checkpoint
// for the run in the same transaction, so a crash leaves either the
// old or the new checkpoint, never neither.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a checkpoint store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, nowFunc: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			trigger TEXT NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_run
			ON checkpoints(run_id, seq DESC);
	`)
	return err
}

// Write stores a checkpoint and deletes older checkpoints for the same
// run in one transaction. Writing twice at the same sequence is
// idempotent in effect: the surviving row describes the same resumable
// state either way.
func (s *Store) Write(runID string, trigger Trigger, state *State) (*Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	compressed := buf.Bytes()
	now := s.nowFunc().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO checkpoints (id, run_id, seq, trigger, state_gz, byte_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), runID, state.Seq, string(trigger), compressed, len(compressed),
		now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM checkpoints WHERE run_id = ? AND id != ?`, runID, id.String())
	if err != nil {
		return nil, fmt.Errorf("replace previous: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Checkpoint{
		ID:        id.String(),
		RunID:     runID,
		Trigger:   trigger,
		State:     state,
		ByteSize:  int64(len(compressed)),
		CreatedAt: now,
	}, nil
}

// Latest returns the newest checkpoint for a run, or (nil, nil) when
// the run has none.
func (s *Store) Latest(runID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, trigger, state_gz, byte_size, created_at
		FROM checkpoints WHERE run_id = ?
		ORDER BY seq DESC LIMIT 1
	`, runID)

	cp, err := s.scanFull(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cp, err
}

// List returns checkpoint metadata across all runs, newest first. The
// state blob is not loaded.
func (s *Store) List(limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, seq, trigger, byte_size, created_at
		FROM checkpoints
		ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var seq int64
		var createdStr, triggerStr string
		if err := rows.Scan(&cp.ID, &cp.RunID, &seq, &triggerStr, &cp.ByteSize, &createdStr); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		cp.Trigger = Trigger(triggerStr)
		cp.State = &State{Seq: seq}
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		cps = append(cps, &cp)
	}
	return cps, rows.Err()
}

// Prune deletes checkpoints older than the cutoff, keeping at least
// minKeep of the newest regardless of age. Returns how many were
// deleted.
func (s *Store) Prune(olderThan time.Duration, minKeep int) (int, error) {
	cutoff := s.nowFunc().UTC().Add(-olderThan)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.Exec(`
		DELETE FROM checkpoints
		WHERE id IN (
			SELECT id FROM checkpoints
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff.Format(time.RFC3339Nano), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func (s *Store) scanFull(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var createdStr, triggerStr string
	var stateGz []byte

	err := row.Scan(&cp.ID, &cp.RunID, &triggerStr, &stateGz, &cp.ByteSize, &createdStr)
	if err != nil {
		return nil, err
	}
	cp.Trigger = Trigger(triggerStr)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &cp, nil
}
