// Package custom implements the provider adapter for bespoke backends
// with an opaque input/parameters contract. The endpoint's additional
// config is merged into every request body verbatim, which is how
// deployment-specific knobs reach the backend without schema changes.
package custom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/cost"
	"github.com/modelmux/modelmux/provider"
)

const defaultRequestTimeout = 5 * time.Minute

type response struct {
	Output string `json:"output"`
	Usage  struct {
		InputTokens  int32 `json:"input_tokens"`
		OutputTokens int32 `json:"output_tokens"`
	} `json:"usage"`
	Error string `json:"error"`
}

type Adapter struct {
	endpoint *modelmux.Endpoint
	client   *http.Client
}

func New(endpoint *modelmux.Endpoint) (provider.Adapter, error) {
	if endpoint.BaseURL == "" {
		return nil, fmt.Errorf("custom endpoint %s has no base URL", endpoint.ID)
	}
	return &Adapter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

func (a *Adapter) Invoke(ctx context.Context, prompt string, params cost.NormalizedParams) (*provider.Result, error) {
	payload := map[string]any{
		"model":      a.endpoint.Model,
		"input":      prompt,
		"parameters": params.Map(),
	}
	for key, value := range a.endpoint.AdditionalConfig {
		payload[key] = value
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+a.endpoint.APIKey)

	httpResponse, err := a.client.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed response
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		if httpResponse.StatusCode != http.StatusOK {
			return nil, &provider.BackendError{StatusCode: httpResponse.StatusCode, Message: string(responseBody)}
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		message := parsed.Error
		if message == "" {
			message = string(responseBody)
		}
		return nil, &provider.BackendError{StatusCode: httpResponse.StatusCode, Message: message}
	}

	result := &provider.Result{
		OutputText:   parsed.Output,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	if result.InputTokens == 0 && result.OutputTokens == 0 && result.OutputText != "" {
		result.InputTokens = provider.ApproximateTokens(prompt)
		result.OutputTokens = provider.ApproximateTokens(result.OutputText)
	}

	return result, nil
}

func (a *Adapter) Kind() modelmux.ProviderKind {
	return modelmux.ProviderCustom
}

func (a *Adapter) Shutdown() error {
	a.client.CloseIdleConnections()
	return nil
}
