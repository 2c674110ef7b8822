package goals

import (
	"strings"
	"testing"
)

func TestPushMakesActive(t *testing.T) {
	s := NewStack()
	g := s.Push("leave Pallet Town", 1)

	if g.Status != StatusActive {
		t.Errorf("pushed goal status = %v, want active", g.Status)
	}
	if g.ID == "" {
		t.Error("expected ID to be set")
	}

	active := s.Active()
	if active == nil || active.ID != g.ID {
		t.Fatalf("Active() = %+v, want pushed goal", active)
	}
}

func TestPushDemotesPreviousActive(t *testing.T) {
	s := NewStack()
	first := s.Push("beat Brock", 1)
	second := s.Push("heal party first", 2)

	if got := s.Active(); got.ID != second.ID {
		t.Errorf("Active() = %q, want newest goal", got.Description)
	}
	for _, g := range s.Goals {
		if g.ID == first.ID && g.Status != StatusPending {
			t.Errorf("previous goal status = %v, want pending", g.Status)
		}
	}
}

func TestCompletePromotesNextPending(t *testing.T) {
	s := NewStack()
	s.Push("beat Brock", 1)
	s.Push("heal party first", 2)

	done, err := s.Complete()
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Description != "heal party first" || done.Status != StatusCompleted {
		t.Errorf("completed = %+v", done)
	}

	active := s.Active()
	if active == nil || active.Description != "beat Brock" {
		t.Fatalf("Active() after complete = %+v, want promoted pending goal", active)
	}
	if active.Status != StatusActive {
		t.Errorf("promoted goal status = %v, want active", active.Status)
	}
}

func TestCompleteEmptyStack(t *testing.T) {
	s := NewStack()
	if _, err := s.Complete(); err == nil {
		t.Error("expected error completing with no active goal")
	}
}

func TestAbandon(t *testing.T) {
	s := NewStack()
	s.Push("catch Abra", 1)
	g, err := s.Abandon()
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if g.Status != StatusAbandoned {
		t.Errorf("status = %v, want abandoned", g.Status)
	}
	if s.Active() != nil {
		t.Error("expected no active goal after abandoning the only goal")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	s := NewStack()
	s.Push("beat Brock", 1)
	s.Push("heal party first", 2)

	restored := Restore(s.Goals)
	if got, want := len(restored.Goals), 2; got != want {
		t.Fatalf("restored %d goals, want %d", got, want)
	}
	if restored.Active().Description != "heal party first" {
		t.Errorf("restored active = %q, want heal party first", restored.Active().Description)
	}
}

func TestRenderMarksCurrent(t *testing.T) {
	s := NewStack()
	s.Push("beat Brock", 1)
	s.Push("heal party first", 2)
	s.Push("buy potions", 3)
	if _, err := s.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out := s.Render()
	if !strings.Contains(out, "* [p2] heal party first") {
		t.Errorf("Render() missing current marker:\n%s", out)
	}
	if strings.Contains(out, "buy potions") {
		t.Errorf("Render() includes completed goal:\n%s", out)
	}
}

func TestRenderEmpty(t *testing.T) {
	if out := NewStack().Render(); out != "" {
		t.Errorf("Render() on empty stack = %q, want empty", out)
	}
}
