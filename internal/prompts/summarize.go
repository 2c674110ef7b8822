package prompts

import "fmt"

// summarizeTurnsTemplate condenses a block of raw turns. The format
// verbs are the covered sequence range and the turn listing.
const summarizeTurnsTemplate = `Condense this game-play log (turns %d-%d) into one short paragraph.
Keep: key decisions, state transitions (e.g., entering/leaving battles), and any
unresolved failures. Drop: routine movement. Under 120 words. Plain text only.

Log:
%s

Summary:`

// SummarizeTurns returns the prompt for tier-1 summarization.
func SummarizeTurns(fromSeq, toSeq int64, log string) string {
	return fmt.Sprintf(summarizeTurnsTemplate, fromSeq, toSeq, log)
}

// summarizeSummariesTemplate collapses a run of summaries one tier up.
const summarizeSummariesTemplate = `Condense these period summaries (turns %d-%d) into one shorter paragraph.
Preserve major milestones, persistent problems, and overall progress. Under 120
words. Plain text only.

Summaries:
%s

Condensed:`

// SummarizeSummaries returns the prompt for higher-tier summarization.
func SummarizeSummaries(fromSeq, toSeq int64, summaries string) string {
	return fmt.Sprintf(summarizeSummariesTemplate, fromSeq, toSeq, summaries)
}
