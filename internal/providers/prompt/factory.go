package prompt

import (
	"fmt"
	"net/http"

	"imagegen/internal/infra"
)

// NewCompleter builds the completer selected by ENHANCE_PROVIDER. It returns
// nil, nil when enhancement is disabled.
func NewCompleter(cfg *infra.Config, client *http.Client, logger *infra.Logger) (Completer, error) {
	if cfg == nil || !cfg.EnhancementEnabled() {
		return nil, nil
	}
	if logger == nil {
		logger = infra.NopLogger()
	}
	switch cfg.EnhanceProvider {
	case openAIProviderName:
		c, err := NewOpenAICompleter(OpenAIOptions{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.OpenAIModel,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			HTTPClient:   client,
			OnWarning: func(reason, detail string) {
				logger.Warn().Str("reason", reason).Str("detail", detail).Msg("openai model adjusted")
			},
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case anthropicProviderName:
		c, err := NewAnthropicCompleter(AnthropicOptions{
			APIKey:     cfg.AnthropicAPIKey,
			Model:      cfg.AnthropicModel,
			BaseURL:    cfg.AnthropicBaseURL,
			HTTPClient: client,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported enhance provider %q", cfg.EnhanceProvider)
	}
}
