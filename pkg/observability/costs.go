package observability

import "strings"

// modelCost is USD per 1M tokens.
type modelCost struct {
	Input  float64
	Output float64
}

var modelCosts = map[string]modelCost{
	"gpt-4o":        {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":   {Input: 0.15, Output: 0.60},
	"gpt-4.1":       {Input: 2.00, Output: 8.00},
	"o1":            {Input: 15.00, Output: 60.00},
	"o3":            {Input: 10.00, Output: 40.00},
	"o3-mini":       {Input: 1.10, Output: 4.40},
	"o4-mini":       {Input: 1.10, Output: 4.40},
	"deepseek-chat": {Input: 0.14, Output: 0.28},
}

// EstimateCostCents estimates the cost of a call in cents. Copilot
// models are subscription-covered and cost 0; unknown models cost 0.
func EstimateCostCents(model string, promptTokens, completionTokens int) float64 {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" || strings.HasPrefix(name, "copilot:") {
		return 0
	}
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[idx+1:]
	}

	cost, ok := modelCosts[name]
	if !ok {
		// Longest key that prefixes or is contained in the name
		best := ""
		for key := range modelCosts {
			if (strings.HasPrefix(name, key) || strings.Contains(name, key)) && len(key) > len(best) {
				best = key
			}
		}
		if best == "" {
			return 0
		}
		cost = modelCosts[best]
	}

	usd := float64(promptTokens)/1e6*cost.Input + float64(completionTokens)/1e6*cost.Output
	return usd * 100
}
