package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadMissingFileUsesDefaults verifies a missing config file is not an
// error and yields defaults plus env overlays.
func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Limits.MaxRefDepth != 10 {
		t.Errorf("MaxRefDepth = %d, want 10", cfg.Limits.MaxRefDepth)
	}
	if cfg.Webhook.SentinelName != "masq" {
		t.Errorf("SentinelName = %q, want %q", cfg.Webhook.SentinelName, "masq")
	}
	if cfg.Commands.Prefix != "!mq" {
		t.Errorf("Prefix = %q, want %q", cfg.Commands.Prefix, "!mq")
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	body := `{
		// comments are fine in json5
		llm: { endpoint: "https://file.example/v1/chat", model: "file-model" },
		limits: { max_ref_depth: 4 },
		commands: { prefix: "!tz" },
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LLM_MODEL", "env-model")
	t.Setenv("MAX_REF_DEPTH", "7")
	t.Setenv("KNOWN_PROXY_APP_IDS", "111, 222 ,333")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file value survives", cfg.LLM.Endpoint, "https://file.example/v1/chat"},
		{"env beats file", cfg.LLM.Model, "env-model"},
		{"env int override", cfg.Limits.MaxRefDepth, 7},
		{"file prefix", cfg.Commands.Prefix, "!tz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if len(cfg.Proxy.KnownAppIDs) != 3 || cfg.Proxy.KnownAppIDs[1] != "222" {
		t.Errorf("KnownAppIDs = %v, want trimmed [111 222 333]", cfg.Proxy.KnownAppIDs)
	}
}

// TestSecretsNeverPersist verifies env-only secrets do not reach the saved file.
func TestSecretsNeverPersist(t *testing.T) {
	cfg := Default()
	cfg.Discord.Token = "super-secret-token"
	cfg.OAuth.ClientSecret = "oauth-secret"

	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "super-secret-token") || strings.Contains(string(data), "oauth-secret") {
		t.Errorf("saved config contains a secret")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Discord.Token = "abc"
	cfg.LLM.Endpoint = "https://x"

	cp := cfg.MaskedCopy()
	if cp.Discord.Token != "***" {
		t.Errorf("masked token = %q, want ***", cp.Discord.Token)
	}
	if cp.LLM.Endpoint != "https://x" {
		t.Errorf("endpoint = %q, want preserved", cp.LLM.Endpoint)
	}
	// Original untouched.
	if cfg.Discord.Token != "abc" {
		t.Errorf("original token mutated to %q", cfg.Discord.Token)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"complete", func(c *Config) {
			c.Discord.Token = "t"
			c.LLM.Endpoint = "https://e"
			c.LLM.Model = "m"
		}, false},
		{"no token", func(c *Config) {
			c.LLM.Endpoint = "https://e"
			c.LLM.Model = "m"
		}, true},
		{"no endpoint", func(c *Config) {
			c.Discord.Token = "t"
			c.LLM.Model = "m"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	if got := cfg.RequestTimeout().Seconds(); got != 60 {
		t.Errorf("RequestTimeout = %vs, want 60s", got)
	}
	if got := cfg.ConvTTL().Minutes(); got != 15 {
		t.Errorf("ConvTTL = %vm, want 15m", got)
	}
	if got := cfg.DedupWindow().Seconds(); got != 30 {
		t.Errorf("DedupWindow = %vs, want 30s", got)
	}
}
