// Package checkpoint persists resumable loop state. A checkpoint at
// sequence N carries everything needed to continue deciding at N+1
// without replaying dispatched actions: the goal stack, the ledger
// pointer, and the last confirmed state tag.
package checkpoint

import (
	"time"

	"github.com/gambitbot/gambit/internal/goals"
)

// Trigger records why a checkpoint was taken.
type Trigger string

const (
	// TriggerPeriodic marks the regular checkpoint-interval cadence.
	TriggerPeriodic Trigger = "periodic"
	// TriggerShutdown marks the final checkpoint of a graceful stop.
	TriggerShutdown Trigger = "shutdown"
	// TriggerFault marks the last-ditch checkpoint before halting on a
	// fatal error.
	TriggerFault Trigger = "fault"
	// TriggerManual marks an operator-requested checkpoint (MQTT
	// command or CLI).
	TriggerManual Trigger = "manual"
)

// State is the resumable loop snapshot serialized into the blob.
type State struct {
	// Seq is the last turn sequence appended to the ledger.
	Seq int64 `json:"seq"`
	// Goals is the full goal stack, including finished goals.
	Goals []goals.Goal `json:"goals"`
	// ConfirmedTag is the debounced game state at checkpoint time.
	ConfirmedTag string `json:"confirmed_tag"`
}

// Checkpoint is one stored checkpoint with metadata.
type Checkpoint struct {
	ID        string
	RunID     string
	Trigger   Trigger
	State     *State
	ByteSize  int64
	CreatedAt time.Time
}
