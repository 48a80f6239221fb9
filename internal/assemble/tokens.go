package assemble

import (
	"slices"
	"unicode/utf8"

	"github.com/wrenchai/wrench/internal/conversation"
)

// EstimateTokens approximates the token count of text. Two runes per token
// is a conservative heuristic that works for both English prose and CJK
// text; the assembler only needs a stable upper-bound estimate, not
// provider-exact counts.
func EstimateTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	tokens := runes / 2
	if tokens == 0 {
		return 1
	}
	return tokens
}

// truncateHistory selects the most recent turns whose combined estimate
// fits the budget, preserving chronological order in the result. Whole
// turns only: a turn that does not fit entirely is skipped, and selection
// stops there so the kept window is always a contiguous suffix.
func truncateHistory(turns []conversation.Turn, budget int) []conversation.Turn {
	if budget <= 0 || len(turns) == 0 {
		return nil
	}

	var kept []conversation.Turn
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := EstimateTokens(turns[i].Text) + turnOverheadTokens
		if used+cost > budget {
			break
		}
		kept = append(kept, turns[i])
		used += cost
	}

	slices.Reverse(kept)
	return kept
}
