package openrouter

import (
	"context"
	"io"
	"net/http"

	"prompt-bridge/internal/config"
	"prompt-bridge/internal/provider"
	openaiProvider "prompt-bridge/internal/provider/openai"
)

// Provider streams completions from OpenRouter. Model ids are passed through
// untouched, including vendor namespaces and ":free" suffixes.
type Provider struct {
	client *openaiProvider.Client
}

// New builds the adapter. OpenRouter identifies the calling app through the
// HTTP-Referer and X-Title headers.
func New(cfg config.ProviderConfig, appURL string, client *http.Client) (*Provider, error) {
	headers := make(map[string]string, len(cfg.Headers)+2)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	headers["HTTP-Referer"] = appURL
	headers["X-Title"] = cfg.Title

	c, err := openaiProvider.New("openrouter", cfg.BaseURL, headers, client)
	if err != nil {
		return nil, err
	}
	return &Provider{client: c}, nil
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindOpenRouter
}

func (p *Provider) Stream(ctx context.Context, call provider.Call) (io.ReadCloser, error) {
	return p.client.Stream(ctx, call)
}
