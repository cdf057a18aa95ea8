// Package tokenutil estimates token counts for text headed to or from a
// capability CLI. The estimates feed spend accounting, not billing, so a
// cheap heuristic is enough.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate: whitespace-separated
// words times 1.33 (average tokens per English word), floored at len/4 for
// code and non-English text.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}
