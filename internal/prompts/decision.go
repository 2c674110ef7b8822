package prompts

import (
	"fmt"
	"strings"
)

// framingTemplate opens every compiled context. It establishes the
// agent's job, the response contract, and the available tools. The
// format verbs are the action vocabulary and the tool list.
const framingTemplate = `You are playing a monster-catching adventure game through an emulator.
Each turn you receive the current game state, your goals, and recent history.
Respond with exactly one JSON object and nothing else:

{"action": "<one of: %s>", "reason": "short justification"}

or a tool call:

{"tool": {"name": "<tool>", "args": {...}}, "reason": "short justification"}

Optionally include a goal operation:

{"action": "...", "goal": {"op": "push|complete|abandon", "description": "...", "priority": 1}}

Available tools:
%s`

// Framing returns the context preamble. actions is the primitive
// action vocabulary; toolLines describes each registered tool as
// "name(args): description".
func Framing(actions []string, toolLines []string) string {
	tools := "(none)"
	if len(toolLines) > 0 {
		tools = "- " + strings.Join(toolLines, "\n- ")
	}
	return fmt.Sprintf(framingTemplate, strings.Join(actions, ", "), tools)
}

// correctiveTemplate is appended to the context after an invalid model
// response. The format verb is the validation error.
const correctiveTemplate = `Your previous response was invalid: %s
Respond again with exactly one JSON object matching the contract above. No prose, no code fences.`

// Corrective returns the correction instruction appended after a
// response validation failure.
func Corrective(validationErr string) string {
	return fmt.Sprintf(correctiveTemplate, validationErr)
}

// critiqueTemplate is inserted on the guidance critique cadence. The
// format verb is the current facts rendering.
const critiqueTemplate = `Self-review: before deciding, reconcile your beliefs with the observed state below.
If a goal or assumption no longer matches what you observe, say so in your reason
and correct course (complete or abandon stale goals). Observed state:
%s`

// Critique returns the periodic self-review instruction.
func Critique(factsText string) string {
	return fmt.Sprintf(critiqueTemplate, factsText)
}
