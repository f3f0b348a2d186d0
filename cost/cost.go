// Package cost holds the pure parameter and pricing math for a call:
// clamping sampling parameters into an endpoint's declared bounds and
// pricing a call from its token counts. No side effects.
package cost

import (
	"github.com/modelmux/modelmux"
)

// Params are the sampling parameters of one generation request.
// Nil fields mean "unset" and are filled from the endpoint's defaults.
type Params struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int32   `json:"max_tokens,omitempty"`
}

// NormalizedParams are fully-resolved parameters, guaranteed in range:
// temperature in [0, 2], top-p in [0, 1], max tokens in [1, endpoint max].
type NormalizedParams struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	MaxTokens   int32   `json:"max_tokens"`
}

// Normalize resolves requested parameters against an endpoint's defaults
// and clamps them into the endpoint's declared bounds.
func Normalize(endpoint *modelmux.Endpoint, params Params) NormalizedParams {
	temperature := endpoint.Temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}

	topP := endpoint.TopP
	if params.TopP != nil {
		topP = *params.TopP
	}

	maxTokens := endpoint.MaxTokens
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}

	return NormalizedParams{
		Temperature: clamp(temperature, 0, 2),
		TopP:        clamp(topP, 0, 1),
		MaxTokens:   clamp(maxTokens, 1, endpoint.MaxTokens),
	}
}

// Compute prices a call from its token counts using the endpoint's
// per-1K-token prices.
func Compute(endpoint *modelmux.Endpoint, inputTokens int32, outputTokens int32) float64 {
	inputCost := float64(inputTokens) / 1000.0 * endpoint.InputPricePer1K
	outputCost := float64(outputTokens) / 1000.0 * endpoint.OutputPricePer1K
	return inputCost + outputCost
}

// PerCallPrice is the static price signal used by cost-optimized routing:
// the sum of the endpoint's input and output unit prices.
func PerCallPrice(endpoint *modelmux.Endpoint) float64 {
	return endpoint.InputPricePer1K + endpoint.OutputPricePer1K
}

func clamp[T float32 | int32](value T, min T, max T) T {
	if value < min {
		return min
	}
	if max > min && value > max {
		return max
	}
	return value
}

// Map converts normalized parameters into the generic parameter map
// recorded on call records.
func (p NormalizedParams) Map() map[string]any {
	return map[string]any{
		"temperature": p.Temperature,
		"top_p":       p.TopP,
		"max_tokens":  p.MaxTokens,
	}
}
