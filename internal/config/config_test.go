package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8787\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.AppURL != DefaultAppURL {
		t.Errorf("app url = %q", cfg.Server.AppURL)
	}
	if cfg.Rulesets.DefaultID != DefaultRulesetID {
		t.Errorf("default ruleset = %q", cfg.Rulesets.DefaultID)
	}
	if cfg.Providers.OpenRouter.BaseURL != DefaultOpenRouterURL {
		t.Errorf("openrouter base = %q", cfg.Providers.OpenRouter.BaseURL)
	}
	if cfg.Providers.Groq.APIKeyEnv != DefaultGroqEnv {
		t.Errorf("groq env = %q", cfg.Providers.Groq.APIKeyEnv)
	}
	if len(cfg.Providers.Registry) != 2 || cfg.Providers.Registry[0].Key != "deepseek/deepseek-chat-v3.1:free" {
		t.Errorf("registry = %+v", cfg.Providers.Registry)
	}
	if len(cfg.Providers.RetiredPrefixes) != 1 || cfg.Providers.RetiredPrefixes[0] != "google/" {
		t.Errorf("retired prefixes = %v", cfg.Providers.RetiredPrefixes)
	}
	if *cfg.Fallback.TokenDelay != DefaultTokenDelay {
		t.Errorf("token delay = %v", *cfg.Fallback.TokenDelay)
	}
}

func TestLoadParsesDurationsAndRegistry(t *testing.T) {
	body := `
server:
  port: 9000
upstream:
  response_header_timeout: 45s
fallback:
  token_delay: 0s
providers:
  registry:
    - key: groq/llama-3.1-8b-instant
      label: Groq
  openrouter:
    headers:
      X-Extra: "1"
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Upstream.ResponseHeaderTimeout != 45*time.Second {
		t.Errorf("header timeout = %v", cfg.Upstream.ResponseHeaderTimeout)
	}
	if *cfg.Fallback.TokenDelay != 0 {
		t.Errorf("explicit zero token delay was overwritten: %v", *cfg.Fallback.TokenDelay)
	}
	if len(cfg.Providers.Registry) != 1 {
		t.Errorf("registry = %+v", cfg.Providers.Registry)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing port", "server: {}\n", "server.port"},
		{"bad header", "server:\n  port: 1\nproviders:\n  groq:\n    headers:\n      \"Bad Header\": x\n", "canonical"},
		{"duplicate key", "server:\n  port: 1\nproviders:\n  registry:\n    - key: a/b\n    - key: A/B\n", "duplicate"},
		{"bad base url", "server:\n  port: 1\nproviders:\n  openrouter:\n    base_url: ftp://x\n", "http(s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
