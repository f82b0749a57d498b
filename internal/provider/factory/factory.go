package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"prompt-bridge/internal/config"
	"prompt-bridge/internal/models"
	"prompt-bridge/internal/provider"
	groqProvider "prompt-bridge/internal/provider/groq"
	openrouterProvider "prompt-bridge/internal/provider/openrouter"
	"prompt-bridge/internal/router"
)

const (
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// BuildUpstreams constructs one adapter per provider kind together with its
// credential lookup.
func BuildUpstreams(cfg config.Config) (map[provider.Kind]router.Upstream, error) {
	client := newHTTPClient(cfg.Upstream)

	openrouter, err := openrouterProvider.New(cfg.Providers.OpenRouter, cfg.Server.AppURL, client)
	if err != nil {
		return nil, fmt.Errorf("initialise openrouter provider: %w", err)
	}

	groq, err := groqProvider.New(cfg.Providers.Groq, client)
	if err != nil {
		return nil, fmt.Errorf("initialise groq provider: %w", err)
	}

	return map[provider.Kind]router.Upstream{
		provider.KindOpenRouter: {
			Adapter:    openrouter,
			Credential: credentialSource(cfg.Providers.OpenRouter, true),
		},
		provider.KindGroq: {
			Adapter:    groq,
			Credential: credentialSource(cfg.Providers.Groq, false),
		},
	}, nil
}

// NewRouter builds the registry and adapters described by cfg.
func NewRouter(cfg config.Config) (*router.Router, error) {
	descriptors := make([]models.ProviderDescriptor, 0, len(cfg.Providers.Registry))
	for _, entry := range cfg.Providers.Registry {
		descriptors = append(descriptors, models.ProviderDescriptor{Key: entry.Key, Label: entry.Label})
	}

	registry, err := provider.NewRegistry(descriptors, cfg.Providers.RetiredPrefixes)
	if err != nil {
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	upstreams, err := BuildUpstreams(cfg)
	if err != nil {
		return nil, err
	}
	if len(upstreams) == 0 {
		return nil, errors.New("no upstream providers configured")
	}
	return router.New(registry, upstreams), nil
}

// credentialSource resolves the API key at call time so keys written by the
// env editor take effect without a restart. Precedence: per-request override
// (when allowed), configured literal, environment variable.
func credentialSource(cfg config.ProviderConfig, allowOverride bool) func(override string) string {
	literal := strings.TrimSpace(cfg.APIKey)
	envName := cfg.APIKeyEnv
	return func(override string) string {
		if allowOverride {
			if v := strings.TrimSpace(override); v != "" {
				return v
			}
		}
		if literal != "" {
			return literal
		}
		if envName == "" {
			return ""
		}
		return strings.TrimSpace(os.Getenv(envName))
	}
}

// newHTTPClient has no overall timeout: http.Client.Timeout would also cut
// long-running streams. Only waiting for response headers is bounded.
func newHTTPClient(cfg config.UpstreamConfig) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	return &http.Client{
		Transport: transport,
	}
}
