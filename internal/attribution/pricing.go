// Package attribution computes per-node and aggregate cost, token, and
// latency figures over the executed set under the LLM-only accrual policy.
package attribution

import (
	"math"
	"strings"
)

// Price is USD per 1k tokens for a model family.
type Price struct {
	Input  float64
	Output float64
}

// Pricing resolves a model string to its rate. The table is intentionally a
// table, not derived: the fallback rate equals the gpt-4o rate so unknown
// models still receive non-zero attribution.
func Pricing(model string) Price {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "3.5"):
		return Price{Input: 0.0005, Output: 0.0015}
	case strings.Contains(m, "4o-mini"):
		return Price{Input: 0.005, Output: 0.015}
	case strings.Contains(m, "4o"):
		return Price{Input: 0.005, Output: 0.015}
	case strings.Contains(m, "4-turbo"), m == "gpt-4", strings.Contains(m, "gpt-4"):
		return Price{Input: 0.005, Output: 0.015}
	default:
		return Price{Input: 0.005, Output: 0.015}
	}
}

// Cost computes the USD cost of a token pair at this rate.
func (p Price) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.Input + float64(outputTokens)/1000*p.Output
}

// Round6 rounds a cost to six decimal places for display.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
