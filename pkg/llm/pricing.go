package llm

// Price is USD per million tokens.
type Price struct {
	Input  float64
	Output float64
}

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-20250514"

var pricing = map[string]Price{
	"claude-sonnet-4-20250514": {Input: 3.00, Output: 15.00},
}

var defaultPrice = Price{Input: 3.00, Output: 15.00}

// PriceFor returns the price of model, falling back to Sonnet pricing for
// models missing from the table.
func PriceFor(model string) Price {
	if p, ok := pricing[model]; ok {
		return p
	}
	return defaultPrice
}

// Cost returns the input and output cost in USD.
func (p Price) Cost(inputTokens, outputTokens int) (input, output float64) {
	return float64(inputTokens) / 1_000_000 * p.Input, float64(outputTokens) / 1_000_000 * p.Output
}
