// Package openai implements the provider adapter for OpenAI-compatible
// chat-completion backends, including Azure-style deployments that
// version the API through a query parameter.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/cost"
	"github.com/modelmux/modelmux/provider"
)

const defaultRequestTimeout = 5 * time.Minute

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	TopP        float32       `json:"top_p"`
	MaxTokens   int32         `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int32 `json:"prompt_tokens"`
		CompletionTokens int32 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type Adapter struct {
	endpoint *modelmux.Endpoint
	baseURL  *url.URL
	client   *http.Client
}

func New(endpoint *modelmux.Endpoint) (provider.Adapter, error) {
	baseURL, err := url.Parse(endpoint.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base URL must have a scheme and host: %q", endpoint.BaseURL)
	}

	return &Adapter{
		endpoint: endpoint,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

func (a *Adapter) Invoke(ctx context.Context, prompt string, params cost.NormalizedParams) (*provider.Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:       a.endpoint.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	requestURL, err := url.JoinPath(a.baseURL.String(), "chat/completions")
	if err != nil {
		return nil, fmt.Errorf("failed to build request URL: %w", err)
	}
	if a.endpoint.APIVersion != "" {
		requestURL += "?api-version=" + url.QueryEscape(a.endpoint.APIVersion)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
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

	var parsed chatResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		if httpResponse.StatusCode != http.StatusOK {
			return nil, &provider.BackendError{StatusCode: httpResponse.StatusCode, Message: string(responseBody)}
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		message := string(responseBody)
		if parsed.Error != nil {
			message = parsed.Error.Message
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
	return modelmux.ProviderOpenAICompatible
}

func (a *Adapter) Shutdown() error {
	a.client.CloseIdleConnections()
	return nil
}
