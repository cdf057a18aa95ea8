// Package pricing estimates the USD cost of capability invocations so the
// budget governor has numbers to enforce. CLI executors do not report token
// usage, so costs are derived from text-length token estimates.
package pricing

import "github.com/triagent/conductor/internal/tokenutil"

// Rate holds per-million-token costs in USD.
type Rate struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Capability rates as of mid-2026. Unknown capabilities cost nothing.
var capabilityRates = map[string]Rate{
	"claude": {3.00, 15.00},
	"codex":  {1.25, 10.00},
	"gemini": {0.075, 0.30},
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown capabilities.
func EstimateCost(capability string, promptTokens, completionTokens int) float64 {
	r, ok := capabilityRates[capability]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*r.PromptPer1M +
		(float64(completionTokens)/1_000_000)*r.CompletionPer1M
}

// EstimateText estimates cost directly from prompt and output text.
func EstimateText(capability, prompt, output string) float64 {
	return EstimateCost(capability, tokenutil.EstimateTokens(prompt), tokenutil.EstimateTokens(output))
}
