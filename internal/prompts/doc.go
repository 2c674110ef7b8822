// Package prompts contains all prompt templates Gambit sends to the
// decision service.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, benefit from
// compile-time embedding, and can be validated by tests. Runtime tuning
// lives in gambit.yaml; this package holds the instructions we send to
// the model for decisions, summarization, corrections, and self-review.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
