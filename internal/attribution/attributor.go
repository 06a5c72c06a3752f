package attribution

import (
	"regexp"
	"strings"

	"github.com/axonlabs/axon/pkg/models"
)

// llmModelRe recognizes model strings that mark a node as LLM-accruing even
// when its recorded type is coarse or missing.
var llmModelRe = regexp.MustCompile(`(?i)gpt|claude|mistral|llama|gemini`)

// estimateCharsPerToken is the chars-per-token ratio used when a node
// recorded no token counts.
const estimateCharsPerToken = 4

// Accrues reports whether a node accrues cost. Only LLM nodes accrue:
// type llm, or a model string matching a known family. Tool-like nodes and
// calculator calls never accrue.
func Accrues(node *models.Node) bool {
	if node.Type.ToolLike() || node.IsCalculator() {
		return false
	}
	return node.Type == models.NodeLLM || llmModelRe.MatchString(node.Model)
}

// Summary is the attribution over an executed set.
type Summary struct {
	NodeCosts      map[string]models.NodeCost
	TotalCost      float64
	TotalLatencyMs int64
}

// Attribute computes per-node attribution for the executed nodes. Overrides
// win field-wise over computed values; a zero override field leaves the
// computed value in place, and an overridden total of zero defaults to
// input+output.
//
// Latency accrues for every node; cost and tokens only for LLM nodes.
func Attribute(executed []*models.Node, overrides map[string]models.CostOverride) Summary {
	summary := Summary{NodeCosts: make(map[string]models.NodeCost, len(executed))}

	for _, node := range executed {
		override, hasOverride := overrides[node.ID]
		cost := attributeNode(node, override, hasOverride)
		summary.NodeCosts[node.ID] = cost
		summary.TotalCost += cost.Cost
		summary.TotalLatencyMs += cost.LatencyMs
	}
	summary.TotalCost = Round6(summary.TotalCost)
	return summary
}

func attributeNode(node *models.Node, override models.CostOverride, hasOverride bool) models.NodeCost {
	latency := node.Latency()

	if !Accrues(node) {
		return models.NodeCost{LatencyMs: latency}
	}

	model := node.Model
	if hasOverride && override.Model != "" {
		model = override.Model
	}

	in := node.Tokens.InputTokens()
	out := node.Tokens.OutputTokens()
	if in+out == 0 {
		in, out = estimateTokens(node, override)
	}

	if hasOverride && override.Tokens != nil {
		if override.Tokens.Input > 0 {
			in = override.Tokens.Input
		}
		if override.Tokens.Output > 0 {
			out = override.Tokens.Output
		}
	}

	total := in + out
	if hasOverride && override.Tokens != nil && override.Tokens.Total > 0 {
		total = override.Tokens.Total
	}

	cost := Pricing(model).Cost(in, out)
	if hasOverride && override.Cost != nil {
		cost = *override.Cost
	}

	return models.NodeCost{
		Cost:      Round6(cost),
		Tokens:    models.TokenTriple{Input: in, Output: out, Total: total},
		LatencyMs: latency,
		Model:     model,
	}
}

// estimateTokens derives counts from recorded text at four characters per
// token: prompts plus tool input on the input side, response plus tool
// output on the output side.
func estimateTokens(node *models.Node, override models.CostOverride) (in, out int64) {
	prompt := strings.Join(node.Data.Prompts, "\n")
	if override.Prompt != "" {
		prompt = override.Prompt
	}
	in = ceilDiv(len(prompt)+len(node.Data.ToolInput), estimateCharsPerToken)
	out = ceilDiv(len(node.Data.Response)+len(node.Data.ToolOutput), estimateCharsPerToken)
	return in, out
}

// EstimateTokenCount estimates tokens for free text at the shared ratio.
// The coordinator uses it for streamed replays where the provider reports no
// usage.
func EstimateTokenCount(text string) int64 {
	return ceilDiv(len(text), estimateCharsPerToken)
}

func ceilDiv(n, d int) int64 {
	if n <= 0 {
		return 0
	}
	return int64((n + d - 1) / d)
}
