// Package decision defines the contract every model response must
// satisfy: a fixed primitive-action vocabulary plus a tool-call
// envelope, with an optional goal operation. Responses are parsed and
// validated here before anything is dispatched.
package decision

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Actions is the fixed primitive-action vocabulary. These map directly
// onto emulator inputs; the model may not invent others.
var Actions = []string{"up", "down", "left", "right", "a", "b", "start", "select", "wait"}

// SafeDefault is the action dispatched when the consecutive-failure
// bound on invalid responses is reached. "wait" is the one action
// guaranteed to be harmless in every game state.
const SafeDefault = "wait"

// Goal operation verbs.
const (
	GoalPush     = "push"
	GoalComplete = "complete"
	GoalAbandon  = "abandon"
)

// ValidationError describes why a model response failed validation.
// It is non-fatal: the loop records it, appends a corrective
// instruction, and retries.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ToolCall names one registered tool and its raw arguments. Argument
// validation against the tool's schema happens in the tool router, not
// here.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// GoalOp is an optional goal-stack operation carried by a decision.
type GoalOp struct {
	Op          string `json:"op"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

// Decision is one validated model response: exactly one of Action or
// Tool, optionally a goal operation and a free-text reason.
type Decision struct {
	Action string
	Tool   *ToolCall
	Goal   *GoalOp
	Reason string
}

// String renders the decision compactly for ledger rows and logs.
func (d *Decision) String() string {
	if d.Tool != nil {
		keys := make([]string, 0, len(d.Tool.Args))
		for k := range d.Tool.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s:%v", k, d.Tool.Args[k])
		}
		return fmt.Sprintf("tool:%s{%s}", d.Tool.Name, strings.Join(parts, ","))
	}
	return "action:" + d.Action
}

// wire mirrors the JSON envelope the model is instructed to produce.
type wire struct {
	Action string    `json:"action"`
	Tool   *ToolCall `json:"tool"`
	Goal   *GoalOp   `json:"goal"`
	Reason string    `json:"reason"`
}

// Parse validates a raw model response against the contract. Markdown
// code fences are tolerated (models add them despite instructions);
// everything else that deviates is a *ValidationError.
func Parse(raw string) (*Decision, error) {
	content := stripFences(raw)
	if content == "" {
		return nil, &ValidationError{Reason: "empty response"}
	}

	var w wire
	if err := json.Unmarshal([]byte(content), &w); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}

	hasAction := w.Action != ""
	hasTool := w.Tool != nil
	switch {
	case hasAction && hasTool:
		return nil, &ValidationError{Reason: "response contains both an action and a tool call"}
	case !hasAction && !hasTool:
		return nil, &ValidationError{Reason: "response contains neither an action nor a tool call"}
	}

	if hasAction && !validAction(w.Action) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown action %q (valid: %s)",
			w.Action, strings.Join(Actions, ", "))}
	}
	if hasTool && w.Tool.Name == "" {
		return nil, &ValidationError{Reason: "tool call is missing a name"}
	}

	if w.Goal != nil {
		switch w.Goal.Op {
		case GoalPush:
			if strings.TrimSpace(w.Goal.Description) == "" {
				return nil, &ValidationError{Reason: "goal push is missing a description"}
			}
		case GoalComplete, GoalAbandon:
			// No description required.
		default:
			return nil, &ValidationError{Reason: fmt.Sprintf("unknown goal op %q", w.Goal.Op)}
		}
	}

	return &Decision{
		Action: w.Action,
		Tool:   w.Tool,
		Goal:   w.Goal,
		Reason: w.Reason,
	}, nil
}

func validAction(a string) bool {
	for _, v := range Actions {
		if a == v {
			return true
		}
	}
	return false
}

// stripFences removes a surrounding markdown code fence, if any, and
// trims whitespace.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
