// Package goals tracks the agent's goal stack. Goals are created,
// completed, and abandoned only by the decision loop, so the stack
// needs no locking; it is a plain value serialized into checkpoints.
package goals

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a goal's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Goal is one objective on the stack.
type Goal struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Stack is an ordered goal stack. The most recently pushed active goal
// is the current objective; completed and abandoned goals stay on the
// stack for the audit trail but drop out of the active view.
type Stack struct {
	Goals []Goal `json:"goals"`

	nowFunc func() time.Time
	idFunc  func() string
}

// NewStack returns an empty goal stack.
func NewStack() *Stack {
	return &Stack{}
}

// Restore rebuilds a stack from checkpointed goals.
func Restore(goals []Goal) *Stack {
	s := &Stack{}
	s.Goals = append(s.Goals, goals...)
	return s
}

func (s *Stack) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now().UTC()
}

func (s *Stack) newID() string {
	if s.idFunc != nil {
		return s.idFunc()
	}
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4 semantics.
		return uuid.NewString()
	}
	return id.String()
}

// Push adds a new active goal on top of the stack and returns it. Any
// previously active goal is demoted to pending; it becomes active
// again when the new goal leaves the active view.
func (s *Stack) Push(description string, priority int) Goal {
	now := s.now()
	for i := range s.Goals {
		if s.Goals[i].Status == StatusActive {
			s.Goals[i].Status = StatusPending
			s.Goals[i].UpdatedAt = now
		}
	}
	g := Goal{
		ID:          s.newID(),
		Description: description,
		Status:      StatusActive,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.Goals = append(s.Goals, g)
	return g
}

// Active returns the current objective: the newest active goal, or the
// newest pending goal when nothing is active, or nil for an empty
// stack.
func (s *Stack) Active() *Goal {
	for i := len(s.Goals) - 1; i >= 0; i-- {
		if s.Goals[i].Status == StatusActive {
			return &s.Goals[i]
		}
	}
	for i := len(s.Goals) - 1; i >= 0; i-- {
		if s.Goals[i].Status == StatusPending {
			return &s.Goals[i]
		}
	}
	return nil
}

// Complete marks the current objective completed. Returns the
// completed goal, or an error when nothing is in the active view.
func (s *Stack) Complete() (Goal, error) {
	return s.finish(StatusCompleted)
}

// Abandon marks the current objective abandoned.
func (s *Stack) Abandon() (Goal, error) {
	return s.finish(StatusAbandoned)
}

func (s *Stack) finish(status Status) (Goal, error) {
	g := s.Active()
	if g == nil {
		return Goal{}, fmt.Errorf("no active goal to mark %s", status)
	}
	now := s.now()
	g.Status = status
	g.UpdatedAt = now
	finished := *g

	// Promote the next pending goal so the stack always has a current
	// objective while pending work remains.
	if next := s.Active(); next != nil && next.Status == StatusPending {
		next.Status = StatusActive
		next.UpdatedAt = now
	}
	return finished, nil
}

// Open returns all pending and active goals, oldest first.
func (s *Stack) Open() []Goal {
	var open []Goal
	for _, g := range s.Goals {
		if g.Status == StatusActive || g.Status == StatusPending {
			open = append(open, g)
		}
	}
	return open
}

// Render formats the open goals for context compilation. The current
// objective is marked; the rest are listed in stack order. Returns an
// empty string for a stack with no open goals.
func (s *Stack) Render() string {
	open := s.Open()
	if len(open) == 0 {
		return ""
	}
	active := s.Active()

	var b strings.Builder
	b.WriteString("Goals (current first):\n")
	for i := len(open) - 1; i >= 0; i-- {
		g := open[i]
		marker := "-"
		if active != nil && g.ID == active.ID {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s [p%d] %s\n", marker, g.Priority, g.Description)
	}
	return b.String()
}
