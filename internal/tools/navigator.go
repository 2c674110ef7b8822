package tools

import (
	"fmt"

	"github.com/gambitbot/gambit/internal/classify"
)

type navigateArgs struct {
	X int `mapstructure:"x"`
	Y int `mapstructure:"y"`
}

func navigatorTool() *Tool {
	return &Tool{
		Name:        "navigate",
		Description: "Walk the shortest path to map coordinates using the current passability grid.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"x": map[string]any{"type": "integer", "description": "Target column"},
				"y": map[string]any{"type": "integer", "description": "Target row"},
			},
			"required": []string{"x", "y"},
		},
		plan: planNavigate,
	}
}

// step pairs an action name with its coordinate delta. Order matters:
// when several shortest paths exist, expansion order decides the one
// returned, and the previous heading is tried first so the player does
// not zigzag.
type step struct {
	action string
	dx, dy int
}

var headingSteps = []step{
	{"up", 0, -1},
	{"down", 0, 1},
	{"left", -1, 0},
	{"right", 1, 0},
}

// directionOrder returns the expansion order with heading first.
func directionOrder(heading string) []step {
	ordered := make([]step, 0, len(headingSteps))
	for _, s := range headingSteps {
		if s.action == heading {
			ordered = append(ordered, s)
		}
	}
	for _, s := range headingSteps {
		if s.action != heading {
			ordered = append(ordered, s)
		}
	}
	return ordered
}

func planNavigate(args map[string]any, facts classify.Facts) (*Plan, error) {
	var a navigateArgs
	if err := decodeArgs("navigate", args, &a); err != nil {
		return nil, err
	}

	grid := facts.Grid
	if len(grid) == 0 {
		return nil, &InvocationError{Tool: "navigate", Reason: "no passability grid in current state"}
	}
	if !inBounds(grid, a.X, a.Y) {
		return nil, &InvocationError{Tool: "navigate",
			Reason: fmt.Sprintf("target (%d,%d) outside the %dx%d grid", a.X, a.Y, len(grid[0]), len(grid))}
	}

	start := [2]int{facts.PlayerX, facts.PlayerY}
	goal := [2]int{a.X, a.Y}
	if start == goal {
		return &Plan{Note: "already at target"}, nil
	}

	moves := bfs(grid, start, goal, facts.Heading)
	if moves == nil {
		return nil, &NotReachableError{X: a.X, Y: a.Y}
	}

	return &Plan{
		Steps: moves,
		Note:  fmt.Sprintf("%d steps to (%d,%d)", len(moves), a.X, a.Y),
	}, nil
}

// bfs finds a shortest move sequence on the grid. The search is
// bounded by the grid size; every cell is visited at most once.
func bfs(grid [][]bool, start, goal [2]int, heading string) []string {
	type node struct {
		pos  [2]int
		path []string
	}
	visited := map[[2]int]bool{start: true}
	queue := []node{{pos: start}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		// Ties between equal-length paths break toward continuing the
		// current heading, then up, down, left, right.
		last := heading
		if len(cur.path) > 0 {
			last = cur.path[len(cur.path)-1]
		}
		for _, d := range directionOrder(last) {
			next := [2]int{cur.pos[0] + d.dx, cur.pos[1] + d.dy}
			if visited[next] || !inBounds(grid, next[0], next[1]) || !grid[next[1]][next[0]] {
				continue
			}
			path := make([]string, len(cur.path), len(cur.path)+1)
			copy(path, cur.path)
			path = append(path, d.action)
			if next == goal {
				return path
			}
			visited[next] = true
			queue = append(queue, node{pos: next, path: path})
		}
	}
	return nil
}

func inBounds(grid [][]bool, x, y int) bool {
	return y >= 0 && y < len(grid) && x >= 0 && x < len(grid[y])
}
