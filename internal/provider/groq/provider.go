package groq

import (
	"context"
	"io"
	"net/http"

	"prompt-bridge/internal/config"
	"prompt-bridge/internal/provider"
	openaiProvider "prompt-bridge/internal/provider/openai"
)

// Provider streams completions from Groq's OpenAI-compatible endpoint. It
// expects the model id with the "groq/" routing prefix already removed.
type Provider struct {
	client *openaiProvider.Client
}

// New builds the adapter. Groq only needs the bearer credential.
func New(cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	c, err := openaiProvider.New("groq", cfg.BaseURL, cfg.Headers, client)
	if err != nil {
		return nil, err
	}
	return &Provider{client: c}, nil
}

func (p *Provider) Kind() provider.Kind {
	return provider.KindGroq
}

func (p *Provider) Stream(ctx context.Context, call provider.Call) (io.ReadCloser, error) {
	return p.client.Stream(ctx, call)
}
