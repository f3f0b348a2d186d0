// Package anthropic implements the provider adapter for anthropic-style
// messages backends via the official SDK.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/cost"
	"github.com/modelmux/modelmux/provider"
)

// messagesClient is the slice of the SDK the adapter needs; tests swap in
// a fake.
type messagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Adapter struct {
	endpoint *modelmux.Endpoint
	client   messagesClient
}

func New(endpoint *modelmux.Endpoint) (provider.Adapter, error) {
	if endpoint.APIKey == "" {
		return nil, fmt.Errorf("anthropic endpoint %s has no API key", endpoint.ID)
	}

	options := []option.RequestOption{option.WithAPIKey(endpoint.APIKey)}
	if endpoint.BaseURL != "" {
		options = append(options, option.WithBaseURL(endpoint.BaseURL))
	}

	client := anthropic.NewClient(options...)
	return &Adapter{endpoint: endpoint, client: &client.Messages}, nil
}

func (a *Adapter) Invoke(ctx context.Context, prompt string, params cost.NormalizedParams) (*provider.Result, error) {
	message, err := a.client.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.endpoint.Model),
		MaxTokens:   int64(params.MaxTokens),
		Temperature: anthropic.Float(float64(params.Temperature)),
		TopP:        anthropic.Float(float64(params.TopP)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("messages request failed: %w", err)
	}

	text := strings.Builder{}
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result := &provider.Result{
		OutputText:   text.String(),
		InputTokens:  int32(message.Usage.InputTokens),
		OutputTokens: int32(message.Usage.OutputTokens),
	}

	// Older anthropic-style proxies omit usage; fall back to estimates so
	// quota and cost accounting never see zero tokens for non-empty text.
	if result.InputTokens == 0 && result.OutputTokens == 0 && result.OutputText != "" {
		result.InputTokens = provider.ApproximateTokens(prompt)
		result.OutputTokens = provider.ApproximateTokens(result.OutputText)
	}

	return result, nil
}

func (a *Adapter) Kind() modelmux.ProviderKind {
	return modelmux.ProviderAnthropic
}

func (a *Adapter) Shutdown() error {
	return nil
}
