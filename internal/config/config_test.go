package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		RateStore:         RateStoreMemory,
		UpstreamProvider:  ProviderGemini,
		UpstreamAPIKeys:   []string{"k1", "k2"},
		UpstreamMaxTokens: 512,
		LogFormat:         LogFormatJSON,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no keys", mutate: func(c *Config) { c.UpstreamAPIKeys = nil }, wantErr: true},
		{name: "blank keys only", mutate: func(c *Config) { c.UpstreamAPIKeys = []string{" ", ""} }, wantErr: true},
		{name: "unknown provider", mutate: func(c *Config) { c.UpstreamProvider = "cohere" }, wantErr: true},
		{name: "unknown store", mutate: func(c *Config) { c.RateStore = "redis" }, wantErr: true},
		{name: "nats store without url", mutate: func(c *Config) { c.RateStore = RateStoreNATS }, wantErr: true},
		{name: "nats store with url", mutate: func(c *Config) {
			c.RateStore = RateStoreNATS
			c.NATSURL = "nats://localhost:4222"
		}},
		{name: "console logs", mutate: func(c *Config) { c.LogFormat = LogFormatConsole }},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "zero max tokens", mutate: func(c *Config) { c.UpstreamMaxTokens = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTrimsKeys(t *testing.T) {
	c := validConfig()
	c.UpstreamAPIKeys = []string{" primary ", "", "fallback"}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(c.UpstreamAPIKeys) != 2 || c.UpstreamAPIKeys[0] != "primary" || c.UpstreamAPIKeys[1] != "fallback" {
		t.Errorf("keys = %q, want [primary fallback]", c.UpstreamAPIKeys)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("UPSTREAM_API_KEYS", "a,b")
	t.Setenv("UPSTREAM_PROVIDER", "openai")
	t.Setenv("STREAM_IDLE_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpstreamProvider != ProviderOpenAI {
		t.Errorf("provider = %q", cfg.UpstreamProvider)
	}
	if len(cfg.UpstreamAPIKeys) != 2 {
		t.Errorf("keys = %v", cfg.UpstreamAPIKeys)
	}
	if cfg.StreamIdleTimeout.Seconds() != 5 {
		t.Errorf("idle timeout = %v", cfg.StreamIdleTimeout)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("port default = %q", cfg.ServerPort)
	}
}

func TestSystemPrompt(t *testing.T) {
	c := validConfig()
	prompt, err := c.SystemPrompt()
	if err != nil || prompt != DefaultSystemPrompt {
		t.Fatalf("default prompt not returned: %v", err)
	}

	path := filepath.Join(t.TempDir(), "persona.txt")
	if err := os.WriteFile(path, []byte("  be brief  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c.SystemPromptFile = path
	prompt, err = c.SystemPrompt()
	if err != nil {
		t.Fatalf("SystemPrompt() error = %v", err)
	}
	if prompt != "be brief" {
		t.Errorf("prompt = %q", prompt)
	}

	empty := filepath.Join(t.TempDir(), "empty.txt")
	os.WriteFile(empty, nil, 0o600)
	c.SystemPromptFile = empty
	if _, err := c.SystemPrompt(); err == nil {
		t.Error("expected error for empty prompt file")
	}
}
