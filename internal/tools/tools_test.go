package tools

import (
	"errors"
	"strings"
	"testing"

	"github.com/gambitbot/gambit/internal/classify"
)

// gridFromRows builds a passability grid from strings where '.' is
// walkable and '#' is blocked.
func gridFromRows(rows ...string) [][]bool {
	grid := make([][]bool, len(rows))
	for y, row := range rows {
		grid[y] = make([]bool, len(row))
		for x, c := range row {
			grid[y][x] = c == '.'
		}
	}
	return grid
}

func TestInvokeUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Invoke("teleport", nil, classify.Facts{})
	var ierr *InvocationError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if ierr.Tool != "teleport" {
		t.Errorf("tool = %q", ierr.Tool)
	}
}

func TestInvokeMissingRequiredArg(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Invoke("navigate", map[string]any{"x": 3}, classify.Facts{})
	var ierr *InvocationError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
	if !strings.Contains(ierr.Reason, `"y"`) {
		t.Errorf("reason = %q, want missing y named", ierr.Reason)
	}
}

func TestInvokeUnknownArgKey(t *testing.T) {
	r := NewRegistry(nil)
	facts := classify.Facts{Grid: gridFromRows("..", "..")}
	_, err := r.Invoke("navigate", map[string]any{"x": 1, "y": 1, "speed": "fast"}, facts)
	var ierr *InvocationError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *InvocationError for unknown key", err)
	}
}

func TestDescribeListsAllTools(t *testing.T) {
	r := NewRegistry(nil)
	lines := r.Describe()
	if len(lines) != 4 {
		t.Fatalf("len(lines) = %d, want 4", len(lines))
	}
	for i, prefix := range []string{"navigate(", "solve_puzzle(", "battle_strategy(", "manage_items("} {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("lines[%d] = %q, want prefix %q", i, lines[i], prefix)
		}
	}
}

func TestNavigateWallDetour(t *testing.T) {
	// The wall forces the unique shortest path around its south end.
	//   S#G
	//   .#.
	//   ...
	facts := classify.Facts{
		PlayerX: 0, PlayerY: 0, Heading: "down",
		Grid: gridFromRows(
			".#.",
			".#.",
			"...",
		),
	}
	r := NewRegistry(nil)
	plan, err := r.Invoke("navigate", map[string]any{"x": 2, "y": 0}, facts)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := []string{"down", "down", "right", "right", "up", "up"}
	if len(plan.Steps) != len(want) {
		t.Fatalf("steps = %v, want %v", plan.Steps, want)
	}
	for i := range want {
		if plan.Steps[i] != want[i] {
			t.Fatalf("steps = %v, want %v", plan.Steps, want)
		}
	}
}

func TestNavigateTieBreakContinuesHeading(t *testing.T) {
	// Open 3x3 grid, diagonal target: both right-then-down and
	// down-then-right are shortest; the heading decides.
	facts := classify.Facts{
		PlayerX: 0, PlayerY: 0, Heading: "right",
		Grid: gridFromRows("...", "...", "..."),
	}
	r := NewRegistry(nil)
	plan, err := r.Invoke("navigate", map[string]any{"x": 1, "y": 1}, facts)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(plan.Steps) != 2 || plan.Steps[0] != "right" {
		t.Errorf("steps = %v, want the first move to continue heading right", plan.Steps)
	}
}

func TestNavigateNotReachable(t *testing.T) {
	facts := classify.Facts{
		PlayerX: 0, PlayerY: 0,
		Grid: gridFromRows(
			".#.",
			".#.",
			".#.",
		),
	}
	r := NewRegistry(nil)
	_, err := r.Invoke("navigate", map[string]any{"x": 2, "y": 1}, facts)
	var nerr *NotReachableError
	if !errors.As(err, &nerr) {
		t.Fatalf("error = %v, want *NotReachableError", err)
	}
}

func TestNavigateAlreadyThere(t *testing.T) {
	facts := classify.Facts{PlayerX: 1, PlayerY: 1, Grid: gridFromRows("...", "...", "...")}
	r := NewRegistry(nil)
	plan, err := r.Invoke("navigate", map[string]any{"x": 1, "y": 1}, facts)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(plan.Steps) != 0 {
		t.Errorf("steps = %v, want none", plan.Steps)
	}
}

func TestPuzzlePushStraightLine(t *testing.T) {
	// Player left of the boulder, free cells to the right: push twice.
	facts := classify.Facts{
		PlayerX: 0, PlayerY: 0,
		Grid: gridFromRows("....."),
	}
	r := NewRegistry(nil)
	plan, err := r.Invoke("solve_puzzle", map[string]any{
		"boulder_x": 1, "boulder_y": 0, "target_x": 3, "target_y": 0,
	}, facts)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := []string{"right", "right"}
	if len(plan.Steps) != len(want) || plan.Steps[0] != "right" || plan.Steps[1] != "right" {
		t.Errorf("steps = %v, want %v", plan.Steps, want)
	}
}

func TestPuzzleRepositionThenPush(t *testing.T) {
	// The boulder must go up, so the player has to walk around it
	// before pushing.
	facts := classify.Facts{
		PlayerX: 1, PlayerY: 0,
		Grid: gridFromRows(
			"...",
			"...",
			"...",
		),
	}
	r := NewRegistry(nil)
	plan, err := r.Invoke("solve_puzzle", map[string]any{
		"boulder_x": 1, "boulder_y": 1, "target_x": 1, "target_y": 0,
	}, facts)
	// Pushing up requires standing below the boulder; the player
	// starts above it, and the target cell is where the player stands,
	// so the solver must route the player to (1,2) first.
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(plan.Steps) == 0 || plan.Steps[len(plan.Steps)-1] != "up" {
		t.Errorf("steps = %v, want final push up", plan.Steps)
	}
}

func TestPuzzleUnsolvable(t *testing.T) {
	// The boulder is in a corner pocket; no push can move it out.
	facts := classify.Facts{
		PlayerX: 2, PlayerY: 2,
		Grid: gridFromRows(
			".##",
			"..#",
			"...",
		),
	}
	r := NewRegistry(nil)
	_, err := r.Invoke("solve_puzzle", map[string]any{
		"boulder_x": 0, "boulder_y": 0, "target_x": 2, "target_y": 2,
	}, facts)
	var uerr *UnsolvableError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want *UnsolvableError", err)
	}
}

func battleFacts() classify.Facts {
	return classify.Facts{
		InBattle: true, BattleKind: "wild",
		Party: []classify.Combatant{{
			Name: "SQUIRT", Level: 14, HP: 30, MaxHP: 44,
			Types: []string{"Water"},
			Moves: []classify.Move{
				{Slot: 1, Name: "Tackle", Type: "Normal", PP: 30},
				{Slot: 2, Name: "Water Gun", Type: "Water", PP: 20},
				{Slot: 3, Name: "Tail Whip", Type: "Normal", PP: 25},
			},
		}},
		Enemy: &classify.Combatant{
			Name: "GEODUDE", Level: 10, HP: 29, MaxHP: 29,
			Types: []string{"Rock", "Ground"},
		},
	}
}

func TestStrategyPicksSuperEffective(t *testing.T) {
	r := NewRegistry(nil)
	plan, err := r.Invoke("battle_strategy", map[string]any{}, battleFacts())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	// Water vs Rock/Ground is 2x2 = 4x; slot 2 means a, down, a.
	want := []string{"a", "down", "a"}
	if len(plan.Steps) != len(want) {
		t.Fatalf("steps = %v, want %v", plan.Steps, want)
	}
	for i := range want {
		if plan.Steps[i] != want[i] {
			t.Fatalf("steps = %v, want %v", plan.Steps, want)
		}
	}
	if !strings.Contains(plan.Note, "Water Gun") || !strings.Contains(plan.Note, "super effective") {
		t.Errorf("note = %q", plan.Note)
	}
}

func TestStrategySkipsExhaustedMoves(t *testing.T) {
	facts := battleFacts()
	facts.Party[0].Moves[1].PP = 0
	r := NewRegistry(nil)
	plan, err := r.Invoke("battle_strategy", map[string]any{}, facts)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if strings.Contains(plan.Note, "Water Gun") {
		t.Errorf("picked a move with no PP: %q", plan.Note)
	}
}

func TestStrategyOutsideBattle(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Invoke("battle_strategy", map[string]any{}, classify.Facts{})
	var ierr *InvocationError
	if !errors.As(err, &ierr) {
		t.Fatalf("error = %v, want *InvocationError", err)
	}
}

func TestDualEffectiveness(t *testing.T) {
	tests := []struct {
		attack string
		defend []string
		want   float64
	}{
		{"Water", []string{"Rock", "Ground"}, 4.0},
		{"Electric", []string{"Ground"}, 0.0},
		{"Fire", []string{"Grass"}, 2.0},
		{"Fire", []string{"Water"}, 0.5},
		{"Normal", []string{"Ghost"}, 0.0},
		{"Tackle", []string{"Unknown"}, 1.0},
		{"Grass", []string{"Water", "Ground"}, 4.0},
		{"Ice", []string{"Grass", "Flying"}, 4.0},
	}
	for _, tt := range tests {
		if got := DualEffectiveness(tt.attack, tt.defend); got != tt.want {
			t.Errorf("DualEffectiveness(%s, %v) = %v, want %v", tt.attack, tt.defend, got, tt.want)
		}
	}
}

func TestHealPicksSmallestSufficientItem(t *testing.T) {
	facts := classify.Facts{
		Party: []classify.Combatant{
			{Name: "SQUIRT", HP: 30, MaxHP: 44},
			{Name: "SPARKY", HP: 5, MaxHP: 35},
		},
		Items: []classify.Item{
			{Name: "Potion", Count: 3},
			{Name: "Super Potion", Count: 1},
		},
	}
	r := NewRegistry(nil)
	plan, err := r.Invoke("manage_items", map[string]any{"op": "heal"}, facts)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	// SPARKY is the most injured (30 HP missing); a Potion's 20 is not
	// enough, so the Super Potion wins.
	if !strings.Contains(plan.Note, "Super Potion") || !strings.Contains(plan.Note, "SPARKY") {
		t.Errorf("note = %q", plan.Note)
	}
}

func TestHealNothingUsable(t *testing.T) {
	facts := classify.Facts{
		Party: []classify.Combatant{{Name: "SQUIRT", HP: 10, MaxHP: 44}},
		Items: []classify.Item{{Name: "Poke Ball", Count: 5}},
	}
	r := NewRegistry(nil)
	_, err := r.Invoke("manage_items", map[string]any{"op": "heal"}, facts)
	var nerr *NoUsableItemError
	if !errors.As(err, &nerr) {
		t.Fatalf("error = %v, want *NoUsableItemError", err)
	}
}

func TestCheckReportsStock(t *testing.T) {
	facts := classify.Facts{
		Items: []classify.Item{{Name: "Potion", Count: 2}, {Name: "Antidote", Count: 1}},
	}
	r := NewRegistry(nil)
	plan, err := r.Invoke("manage_items", map[string]any{"op": "check"}, facts)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(plan.Note, "Potion x2") || !strings.Contains(plan.Note, "Antidote x1") {
		t.Errorf("note = %q", plan.Note)
	}
}
