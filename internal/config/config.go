package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAppURL        = "http://localhost:5173"
	DefaultRulesetDir    = "rulesets"
	DefaultRulesetID     = "enhancer-default"
	DefaultEnvFile       = ".env"
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"
	DefaultGroqURL       = "https://api.groq.com/openai/v1"
	DefaultOpenRouterEnv = "OPENROUTER_API_KEY"
	DefaultGroqEnv       = "GROQ_API_KEY"
	DefaultTitle         = "Prompt Enhancer"
	DefaultTokenDelay    = 12 * time.Millisecond
	DefaultDialTimeout   = 10 * time.Second
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Rulesets  RulesetConfig   `yaml:"rulesets"`
	EnvFile   string          `yaml:"env_file"`
	Providers ProvidersConfig `yaml:"providers"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Fallback  FallbackConfig  `yaml:"fallback"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	AppURL      string `yaml:"app_url"`
	PortRetries int    `yaml:"port_retries"`
}

// RulesetConfig locates the ruleset documents on disk.
type RulesetConfig struct {
	Dir       string `yaml:"dir"`
	DefaultID string `yaml:"default_id"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	OpenRouter      ProviderConfig    `yaml:"openrouter"`
	Groq            ProviderConfig    `yaml:"groq"`
	Registry        []DescriptorEntry `yaml:"registry"`
	RetiredPrefixes []string          `yaml:"retired_prefixes"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey    string  `yaml:"api_key"`
	APIKeyEnv string  `yaml:"api_key_env"`
	BaseURL   string  `yaml:"base_url"`
	Title     string  `yaml:"title"`
	Headers   Headers `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// DescriptorEntry is one selectable model in the provider registry.
type DescriptorEntry struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// UpstreamConfig tunes the outbound HTTP transport.
type UpstreamConfig struct {
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
}

// FallbackConfig tunes the simulated token stream.
type FallbackConfig struct {
	TokenDelay *time.Duration `yaml:"token_delay"`
}

// Load reads YAML configuration from disk, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills every optional field left empty in the file.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Server.AppURL) == "" {
		c.Server.AppURL = DefaultAppURL
	}
	if c.Rulesets.Dir == "" {
		c.Rulesets.Dir = DefaultRulesetDir
	}
	if c.Rulesets.DefaultID == "" {
		c.Rulesets.DefaultID = DefaultRulesetID
	}
	if c.EnvFile == "" {
		c.EnvFile = DefaultEnvFile
	}

	if c.Providers.OpenRouter.BaseURL == "" {
		c.Providers.OpenRouter.BaseURL = DefaultOpenRouterURL
	}
	if c.Providers.OpenRouter.APIKeyEnv == "" {
		c.Providers.OpenRouter.APIKeyEnv = DefaultOpenRouterEnv
	}
	if c.Providers.OpenRouter.Title == "" {
		c.Providers.OpenRouter.Title = DefaultTitle
	}
	if c.Providers.Groq.BaseURL == "" {
		c.Providers.Groq.BaseURL = DefaultGroqURL
	}
	if c.Providers.Groq.APIKeyEnv == "" {
		c.Providers.Groq.APIKeyEnv = DefaultGroqEnv
	}

	if len(c.Providers.Registry) == 0 {
		c.Providers.Registry = []DescriptorEntry{
			{Key: "deepseek/deepseek-chat-v3.1:free", Label: "DeepSeek v3.1 (free)"},
			{Key: "groq/llama-3.1-8b-instant", Label: "Groq Llama3.1 8B"},
		}
	}
	if c.Providers.RetiredPrefixes == nil {
		c.Providers.RetiredPrefixes = []string{"google/"}
	}

	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = DefaultDialTimeout
	}
	if c.Fallback.TokenDelay == nil {
		d := DefaultTokenDelay
		c.Fallback.TokenDelay = &d
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.PortRetries < 0 {
		return fmt.Errorf("server.port_retries must not be negative, got %d", c.Server.PortRetries)
	}

	providers := map[string]ProviderConfig{
		"openrouter": c.Providers.OpenRouter,
		"groq":       c.Providers.Groq,
	}
	for name, provider := range providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	if len(c.Providers.Registry) == 0 {
		return fmt.Errorf("providers.registry must list at least one model")
	}
	seen := make(map[string]struct{}, len(c.Providers.Registry))
	for _, entry := range c.Providers.Registry {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return fmt.Errorf("providers.registry: model key must not be empty")
		}
		if _, dup := seen[strings.ToLower(key)]; dup {
			return fmt.Errorf("providers.registry: duplicate model key %q", key)
		}
		seen[strings.ToLower(key)] = struct{}{}
	}

	for _, prefix := range c.Providers.RetiredPrefixes {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("providers.retired_prefixes: prefix must not be empty")
		}
	}

	if c.Upstream.ResponseHeaderTimeout < 0 || c.Upstream.DialTimeout < 0 {
		return fmt.Errorf("upstream timeouts must not be negative")
	}
	if c.Fallback.TokenDelay != nil && *c.Fallback.TokenDelay < 0 {
		return fmt.Errorf("fallback.token_delay must not be negative")
	}

	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if !strings.HasPrefix(provider.BaseURL, "http://") && !strings.HasPrefix(provider.BaseURL, "https://") {
		return fmt.Errorf("provider %s: base_url %q must be an http(s) URL", name, provider.BaseURL)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
