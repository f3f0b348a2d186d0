// Package rest implements the provider adapter for generic REST backends
// that accept a chat-shaped JSON request at their base address. It covers
// vendors that imitate the chat-completion wire format without being
// fully OpenAI-compatible (no path conventions, no api-version handling).
package rest

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

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float32   `json:"temperature"`
	TopP        float32   `json:"top_p"`
	MaxTokens   int32     `json:"max_tokens"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int32 `json:"prompt_tokens"`
		CompletionTokens int32 `json:"completion_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type Adapter struct {
	endpoint *modelmux.Endpoint
	client   *http.Client
}

func New(endpoint *modelmux.Endpoint) (provider.Adapter, error) {
	if endpoint.BaseURL == "" {
		return nil, fmt.Errorf("generic REST endpoint %s has no base URL", endpoint.ID)
	}
	return &Adapter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

func (a *Adapter) Invoke(ctx context.Context, prompt string, params cost.NormalizedParams) (*provider.Result, error) {
	body, err := json.Marshal(request{
		Model:       a.endpoint.Model,
		Messages:    []message{{Role: "user", Content: prompt}},
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	})
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
		message := parsed.Error.Message
		if message == "" {
			message = string(responseBody)
		}
		return nil, &provider.BackendError{StatusCode: httpResponse.StatusCode, Message: message}
	}

	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response contains no choices")
	}

	return &provider.Result{
		OutputText:   parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func (a *Adapter) Kind() modelmux.ProviderKind {
	return modelmux.ProviderGenericREST
}

func (a *Adapter) Shutdown() error {
	a.client.CloseIdleConnections()
	return nil
}
