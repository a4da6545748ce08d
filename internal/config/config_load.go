package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			RequestTimeoutMs: 60_000,
		},
		Proxy: ProxyConfig{
			UsernamePatterns: []string{"[PK]", "[TP]"},
		},
		Limits: LimitsConfig{
			MaxRefDepth:        10,
			MaxMediaPerRequest: 10,
			DedupWindowMs:      30_000,
			ConvTTLMs:          900_000,
		},
		Webhook: WebhookConfig{
			SentinelName:      "masq",
			MaxMessageChars:   2000,
			SendsPerChannelPM: 30,
		},
		Commands: CommandsConfig{
			Prefix: "!mq",
		},
		Status: StatusConfig{
			Host: "127.0.0.1",
			Port: 18900,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "masq",
			Protocol:    "grpc",
			Sampler:     "always",
		},
		DataDir: "~/.masq",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets (never persisted to the config file).
	envStr("MASQ_DISCORD_TOKEN", &c.Discord.Token)
	envStr("MASQ_OAUTH_CLIENT_SECRET", &c.OAuth.ClientSecret)

	// Core knobs, exact names.
	envInt("MAX_REF_DEPTH", &c.Limits.MaxRefDepth)
	envInt("MAX_MEDIA_PER_REQUEST", &c.Limits.MaxMediaPerRequest)
	envInt("REQUEST_TIMEOUT_MS", &c.LLM.RequestTimeoutMs)
	envInt("DEDUP_WINDOW_MS", &c.Limits.DedupWindowMs)
	envInt("CONV_TTL_MS", &c.Limits.ConvTTLMs)
	envStr("COMMAND_PREFIX", &c.Commands.Prefix)
	envStr("LLM_ENDPOINT", &c.LLM.Endpoint)
	envStr("LLM_MODEL", &c.LLM.Model)
	envStr("SELF_BOT_ID", &c.Discord.SelfBotID)
	envStr("DATA_DIR", &c.DataDir)
	if v := os.Getenv("KNOWN_PROXY_APP_IDS"); v != "" {
		ids := strings.Split(v, ",")
		out := ids[:0]
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
		c.Proxy.KnownAppIDs = out
	}

	// OAuth service.
	envStr("MASQ_OAUTH_BASE_URL", &c.OAuth.BaseURL)
	envStr("MASQ_OAUTH_CLIENT_ID", &c.OAuth.ClientID)
	envStr("MASQ_OAUTH_REDIRECT_URI", &c.OAuth.RedirectURI)

	// Status listener.
	envStr("MASQ_STATUS_HOST", &c.Status.Host)
	envInt("MASQ_STATUS_PORT", &c.Status.Port)

	// Webhook sender.
	envStr("MASQ_WEBHOOK_SENTINEL", &c.Webhook.SentinelName)

	// Telemetry.
	envBool("MASQ_TRACING_ENABLED", &c.Telemetry.Enabled)
	envStr("MASQ_TRACING_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("MASQ_TRACING_PROTOCOL", &c.Telemetry.Protocol)
	envBool("MASQ_TRACING_INSECURE", &c.Telemetry.Insecure)
	envStr("MASQ_TRACING_SERVICE_NAME", &c.Telemetry.ServiceName)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Validate checks the fields serve cannot run without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Discord.Token == "" {
		return errors.New("discord token missing (set MASQ_DISCORD_TOKEN)")
	}
	if c.LLM.Endpoint == "" {
		return errors.New("llm endpoint missing (set LLM_ENDPOINT or llm.endpoint)")
	}
	if c.LLM.Model == "" {
		return errors.New("llm model missing (set LLM_MODEL or llm.model)")
	}
	return nil
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// and never reach the file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used when the config is echoed into logs or the status endpoint.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip; secrets re-added masked below since
	// they are excluded from marshalling.
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	if c.Discord.Token != "" {
		cp.Discord.Token = secretMask
	}
	if c.OAuth.ClientSecret != "" {
		cp.OAuth.ClientSecret = secretMask
	}
	return cp
}

// DataPath returns a path inside the expanded data directory.
func (c *Config) DataPath(parts ...string) string {
	c.mu.RLock()
	dir := ExpandHome(c.DataDir)
	c.mu.RUnlock()
	return filepath.Join(append([]string{dir}, parts...)...)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
