// Package tools provides the capability registry the decision loop
// routes tool calls through. Each tool is a pure planner: given
// validated arguments and the current facts it returns an ordered
// action plan or a typed failure. Nothing here touches the emulator.
package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/gambitbot/gambit/internal/classify"
)

// Plan is a tool's output: primitive actions to inject in order, plus
// an advisory note folded into the next context.
type Plan struct {
	Steps []string
	Note  string
}

// Tool is one registered capability. Parameters is the model-facing
// JSON-schema-shaped description; plan validates and executes.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any

	plan func(args map[string]any, facts classify.Facts) (*Plan, error)
}

// Registry holds the available tools in registration order.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates a registry with the built-in capability set:
// navigate, solve_puzzle, battle_strategy, manage_items.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
	r.register(navigatorTool())
	r.register(puzzleTool())
	r.register(strategyTool())
	r.register(resourceTool())
	return r
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Describe returns one prompt line per tool, in registration order.
func (r *Registry) Describe() []string {
	lines := make([]string, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		lines = append(lines, fmt.Sprintf("%s(%s): %s", t.Name, paramNames(t.Parameters), t.Description))
	}
	return lines
}

// Invoke validates a model-issued tool call against the named tool's
// schema and runs its planner. Every failure is a typed error the loop
// records into the turn; none are fatal.
func (r *Registry) Invoke(name string, args map[string]any, facts classify.Facts) (*Plan, error) {
	t := r.tools[name]
	if t == nil {
		return nil, &InvocationError{Tool: name, Reason: "unknown tool"}
	}
	if err := checkRequired(t, args); err != nil {
		return nil, err
	}
	plan, err := t.plan(args, facts)
	if err != nil {
		r.logger.Debug("tool call failed", "tool", name, "error", err)
		return nil, err
	}
	r.logger.Debug("tool call planned", "tool", name, "steps", len(plan.Steps))
	return plan, nil
}

// decodeArgs decodes the raw argument map into a typed struct. Unknown
// keys and unconvertible values are invocation errors, not panics.
func decodeArgs(tool string, args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(args); err != nil {
		return &InvocationError{Tool: tool, Reason: err.Error()}
	}
	return nil
}

// checkRequired enforces the tool's declared required keys so a
// missing field fails distinctly instead of decoding to a zero value.
func checkRequired(t *Tool, args map[string]any) error {
	req, ok := t.Parameters["required"].([]string)
	if !ok {
		return nil
	}
	for _, key := range req {
		if _, present := args[key]; !present {
			return &InvocationError{Tool: t.Name, Reason: fmt.Sprintf("missing required argument %q", key)}
		}
	}
	return nil
}

func paramNames(params map[string]any) string {
	props, ok := params["properties"].(map[string]any)
	if !ok {
		return ""
	}
	// Preserve the declared required order first, then the rest.
	var names []string
	seen := make(map[string]bool)
	if req, ok := params["required"].([]string); ok {
		for _, k := range req {
			names = append(names, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range props {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return strings.Join(append(names, rest...), ",")
}
