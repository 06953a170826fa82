package prompt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIOptions struct {
	APIKey       string
	Model        string
	BaseURL      string
	Organization string
	Temperature  float32
	HTTPClient   *http.Client
	OnWarning    func(reason, detail string)
}

// OpenAICompleter talks to the chat completions API or any compatible server.
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
}

const openAIDefaultTimeout = 30 * time.Second

const defaultOpenAIModel = "gpt-4o-mini"

var openAIModelAliases = map[string]string{
	"gpt4o-mini":             "gpt-4o-mini",
	"gpt4omini":              "gpt-4o-mini",
	"gpt-4o-mini-2024-07-18": "gpt-4o-mini",
	"gpt4o":                  "gpt-4o",
	"gpt-3.5":                "gpt-3.5-turbo",
	"gpt3.5":                 "gpt-3.5-turbo",
	"gpt-35-turbo":           "gpt-3.5-turbo",
}

func NewOpenAICompleter(opts OpenAIOptions) (*OpenAICompleter, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	modelInput := strings.TrimSpace(opts.Model)
	model, reason := normalizeOpenAIModel(modelInput)
	if reason != "" && opts.OnWarning != nil {
		opts.OnWarning("model_"+reason, fmt.Sprintf("requested=%s resolved=%s", coalesce(modelInput, defaultOpenAIModel), model))
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.OrgID = strings.TrimSpace(opts.Organization)
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	cfg.HTTPClient = client

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
	}, nil
}

func (o *OpenAICompleter) Name() string { return openAIProviderName }

func (o *OpenAICompleter) Complete(ctx context.Context, system, input string, maxTokens int) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               o.model,
		Temperature:         o.temperature,
		MaxCompletionTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
			return "", failure(fmt.Sprintf("http_%d", apiErr.HTTPStatusCode), err)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
			return "", failure(fmt.Sprintf("http_%d", reqErr.HTTPStatusCode), err)
		}
		return "", failure("http_request", err)
	}
	if len(resp.Choices) == 0 {
		return "", failure("empty_choices", errors.New("no choices"))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", failure("empty_response", errEmptyResponse)
	}
	return text, nil
}

var _ Completer = (*OpenAICompleter)(nil)

// normalizeOpenAIModel canonicalizes common spellings of model names. Unknown
// names pass through so compatible servers can expose their own models.
func normalizeOpenAIModel(name string) (string, string) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return defaultOpenAIModel, ""
	}
	normalized := strings.ToLower(trimmed)
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	if alias, ok := openAIModelAliases[normalized]; ok {
		return alias, "alias"
	}
	if normalized != trimmed {
		return normalized, "normalized"
	}
	return trimmed, ""
}
