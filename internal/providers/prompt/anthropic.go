package prompt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// AnthropicCompleter calls the Messages API.
type AnthropicCompleter struct {
	client anthropic.Client
	model  string
}

const defaultAnthropicModel = "claude-3-5-haiku-latest"

func NewAnthropicCompleter(opts AnthropicOptions) (*AnthropicCompleter, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// The enhancement deadline is short; one attempt is all it gets.
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &AnthropicCompleter{
		client: anthropic.NewClient(reqOpts...),
		model:  coalesce(opts.Model, defaultAnthropicModel),
	}, nil
}

func (a *AnthropicCompleter) Name() string { return anthropicProviderName }

func (a *AnthropicCompleter) Complete(ctx context.Context, system, input string, maxTokens int) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(input)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", failure(fmt.Sprintf("http_%d", apiErr.StatusCode), err)
		}
		return "", failure("http_request", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", failure("empty_response", errEmptyResponse)
	}
	return text, nil
}

var _ Completer = (*AnthropicCompleter)(nil)
