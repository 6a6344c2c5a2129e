package llm

import (
	"strings"

	"github.com/harun/switchboard/internal/config"
)

// Pricing maps model names to per-million-token prices
type Pricing map[string]config.PriceEntry

// Cost returns the USD cost of usage on model. Unknown models cost nothing.
// A model matches an entry exactly or by prefix, so "gpt-4o-mini-2024-07-18"
// uses the "gpt-4o-mini" price.
func (p Pricing) Cost(model string, usage Usage) float64 {
	entry, ok := p[model]
	if !ok {
		best := ""
		for name := range p {
			if strings.HasPrefix(model, name) && len(name) > len(best) {
				best = name
			}
		}
		if best == "" {
			return 0
		}
		entry = p[best]
	}
	return float64(usage.InputTokens)/1e6*entry.InputPerMillion +
		float64(usage.OutputTokens)/1e6*entry.OutputPerMillion
}
