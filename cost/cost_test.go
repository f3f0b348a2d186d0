package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/utils"
)

func testEndpoint() *modelmux.Endpoint {
	return &modelmux.Endpoint{
		ID:               "ep-1",
		Kind:             modelmux.ProviderOpenAICompatible,
		Model:            "gpt-4o-mini",
		MaxTokens:        4096,
		Temperature:      0.7,
		TopP:             1.0,
		InputPricePer1K:  0.001,
		OutputPricePer1K: 0.002,
	}
}

func TestNormalize(t *testing.T) {
	endpoint := testEndpoint()

	t.Run("unset fields fall back to endpoint defaults", func(t *testing.T) {
		normalized := Normalize(endpoint, Params{})
		assert.Equal(t, float32(0.7), normalized.Temperature)
		assert.Equal(t, float32(1.0), normalized.TopP)
		assert.Equal(t, int32(4096), normalized.MaxTokens)
	})

	t.Run("requested values pass through when in range", func(t *testing.T) {
		normalized := Normalize(endpoint, Params{
			Temperature: utils.ToPtr[float32](1.2),
			TopP:        utils.ToPtr[float32](0.9),
			MaxTokens:   utils.ToPtr[int32](256),
		})
		assert.Equal(t, float32(1.2), normalized.Temperature)
		assert.Equal(t, float32(0.9), normalized.TopP)
		assert.Equal(t, int32(256), normalized.MaxTokens)
	})

	t.Run("out-of-range values are clamped", func(t *testing.T) {
		normalized := Normalize(endpoint, Params{
			Temperature: utils.ToPtr[float32](3.5),
			TopP:        utils.ToPtr[float32](-0.2),
			MaxTokens:   utils.ToPtr[int32](100000),
		})
		assert.Equal(t, float32(2.0), normalized.Temperature)
		assert.Equal(t, float32(0.0), normalized.TopP)
		assert.Equal(t, int32(4096), normalized.MaxTokens)

		normalized = Normalize(endpoint, Params{
			Temperature: utils.ToPtr[float32](-1),
			MaxTokens:   utils.ToPtr[int32](0),
		})
		assert.Equal(t, float32(0.0), normalized.Temperature)
		assert.Equal(t, int32(1), normalized.MaxTokens)
	})
}

func TestCompute(t *testing.T) {
	endpoint := testEndpoint()

	cost := Compute(endpoint, 2000, 1000)
	assert.InDelta(t, 0.004, cost, 1e-9)

	assert.Zero(t, Compute(endpoint, 0, 0))
}

func TestPerCallPrice(t *testing.T) {
	endpoint := testEndpoint()
	assert.InDelta(t, 0.003, PerCallPrice(endpoint), 1e-9)
}
