package tools

import (
	"fmt"

	"github.com/gambitbot/gambit/internal/classify"
)

type puzzleArgs struct {
	BoulderX int `mapstructure:"boulder_x"`
	BoulderY int `mapstructure:"boulder_y"`
	TargetX  int `mapstructure:"target_x"`
	TargetY  int `mapstructure:"target_y"`
}

func puzzleTool() *Tool {
	return &Tool{
		Name:        "solve_puzzle",
		Description: "Plan the push sequence moving a strength boulder onto a target cell.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"boulder_x": map[string]any{"type": "integer", "description": "Boulder column"},
				"boulder_y": map[string]any{"type": "integer", "description": "Boulder row"},
				"target_x":  map[string]any{"type": "integer", "description": "Target column"},
				"target_y":  map[string]any{"type": "integer", "description": "Target row"},
			},
			"required": []string{"boulder_x", "boulder_y", "target_x", "target_y"},
		},
		plan: planPuzzle,
	}
}

// puzzleState is one node in the push search: where the boulder is and
// where the player stands.
type puzzleState struct {
	bx, by int
	px, py int
}

func planPuzzle(args map[string]any, facts classify.Facts) (*Plan, error) {
	var a puzzleArgs
	if err := decodeArgs("solve_puzzle", args, &a); err != nil {
		return nil, err
	}

	grid := facts.Grid
	if len(grid) == 0 {
		return nil, &InvocationError{Tool: "solve_puzzle", Reason: "no passability grid in current state"}
	}
	for _, p := range [][2]int{{a.BoulderX, a.BoulderY}, {a.TargetX, a.TargetY}} {
		if !inBounds(grid, p[0], p[1]) {
			return nil, &InvocationError{Tool: "solve_puzzle",
				Reason: fmt.Sprintf("(%d,%d) outside the grid", p[0], p[1])}
		}
	}
	if !grid[a.TargetY][a.TargetX] {
		return nil, &UnsolvableError{Reason: "target cell is blocked"}
	}

	start := puzzleState{bx: a.BoulderX, by: a.BoulderY, px: facts.PlayerX, py: facts.PlayerY}
	if start.bx == a.TargetX && start.by == a.TargetY {
		return &Plan{Note: "boulder already on target"}, nil
	}

	moves := pushSearch(grid, start, a.TargetX, a.TargetY)
	if moves == nil {
		return nil, &UnsolvableError{Reason: fmt.Sprintf("no push sequence moves the boulder to (%d,%d)", a.TargetX, a.TargetY)}
	}

	return &Plan{
		Steps: moves,
		Note:  fmt.Sprintf("%d moves to push the boulder to (%d,%d)", len(moves), a.TargetX, a.TargetY),
	}, nil
}

// pushSearch is a BFS over (boulder, player) states. The player walks
// on passable cells excluding the boulder; stepping into the boulder
// pushes it one cell in the same direction when the cell beyond is
// free. State count is bounded by cells squared, so the search always
// terminates.
func pushSearch(grid [][]bool, start puzzleState, tx, ty int) []string {
	type node struct {
		s    puzzleState
		path []string
	}

	visited := map[puzzleState]bool{start: true}
	queue := []node{{s: start}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, d := range headingSteps {
			nx, ny := cur.s.px+d.dx, cur.s.py+d.dy
			if !inBounds(grid, nx, ny) || !grid[ny][nx] {
				continue
			}

			next := cur.s
			if nx == cur.s.bx && ny == cur.s.by {
				// Stepping into the boulder pushes it.
				bx2, by2 := cur.s.bx+d.dx, cur.s.by+d.dy
				if !inBounds(grid, bx2, by2) || !grid[by2][bx2] {
					continue
				}
				next.bx, next.by = bx2, by2
			}
			next.px, next.py = nx, ny

			if visited[next] {
				continue
			}
			visited[next] = true

			path := make([]string, len(cur.path), len(cur.path)+1)
			copy(path, cur.path)
			path = append(path, d.action)

			if next.bx == tx && next.by == ty {
				return path
			}
			queue = append(queue, node{s: next, path: path})
		}
	}
	return nil
}
