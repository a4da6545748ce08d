package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the masq proxy.
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	LLM       LLMConfig       `json:"llm"`
	Proxy     ProxyConfig     `json:"proxy,omitempty"`
	Limits    LimitsConfig    `json:"limits"`
	Webhook   WebhookConfig   `json:"webhook"`
	Commands  CommandsConfig  `json:"commands"`
	OAuth     OAuthConfig     `json:"oauth,omitempty"`
	Status    StatusConfig    `json:"status,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	DataDir   string          `json:"data_dir"` // DATA_DIR; personalities.json + masq.db live here
	mu        sync.RWMutex
}

// DiscordConfig configures the platform session.
// Token is NEVER read from the config file (secret) — only from env MASQ_DISCORD_TOKEN.
type DiscordConfig struct {
	Token     string `json:"-"`                     // from env MASQ_DISCORD_TOKEN only
	SelfBotID string `json:"self_bot_id,omitempty"` // SELF_BOT_ID; normally learned from the session at ready
}

// LLMConfig configures the inference endpoint.
type LLMConfig struct {
	Endpoint         string `json:"endpoint"`           // LLM_ENDPOINT
	Model            string `json:"model"`              // LLM_MODEL
	RequestTimeoutMs int    `json:"request_timeout_ms"` // REQUEST_TIMEOUT_MS (default 60000)
}

// ProxyConfig describes how third-party impersonation webhooks are recognized.
// All of it is data: ids and patterns, no code paths per system.
type ProxyConfig struct {
	KnownAppIDs      []string `json:"known_app_ids,omitempty"`     // KNOWN_PROXY_APP_IDS (comma-separated in env)
	UsernamePatterns []string `json:"username_patterns,omitempty"` // substring tags, e.g. "[PK]", "[TP]"
	FooterPatterns   []string `json:"footer_patterns,omitempty"`   // regexes matched against embed footers
}

// LimitsConfig bounds reference walking, media and the dedup/conversation windows.
type LimitsConfig struct {
	MaxRefDepth        int `json:"max_ref_depth"`         // MAX_REF_DEPTH (default 10)
	MaxMediaPerRequest int `json:"max_media_per_request"` // MAX_MEDIA_PER_REQUEST (default 10)
	DedupWindowMs      int `json:"dedup_window_ms"`       // DEDUP_WINDOW_MS (default 30000)
	ConvTTLMs          int `json:"conv_ttl_ms"`           // CONV_TTL_MS (default 900000)
}

// WebhookConfig configures the impersonation sender.
type WebhookConfig struct {
	SentinelName      string `json:"sentinel_name"`        // name used when creating our webhooks (default "masq")
	MaxMessageChars   int    `json:"max_message_chars"`    // platform message limit (default 2000)
	SendsPerChannelPM int    `json:"sends_per_channel_pm"` // per-channel rate limit, sends/minute (default 30)
}

// CommandsConfig configures the chat command subsystem.
type CommandsConfig struct {
	Prefix string `json:"prefix"` // COMMAND_PREFIX (default "!mq")
}

// OAuthConfig points at the external token service.
// ClientSecret comes from env MASQ_OAUTH_CLIENT_SECRET only.
type OAuthConfig struct {
	BaseURL      string `json:"base_url,omitempty"` // MASQ_OAUTH_BASE_URL
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"-"` // from env MASQ_OAUTH_CLIENT_SECRET only
	RedirectURI  string `json:"redirect_uri,omitempty"`
}

// StatusConfig configures the local status/health HTTP listener.
type StatusConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"` // 0 disables the listener
}

// TelemetryConfig configures OpenTelemetry export for traces.
// When enabled, spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled,omitempty"`       // enable OTLP export (default false)
	Endpoint     string  `json:"endpoint,omitempty"`      // OTLP endpoint (e.g. "localhost:4317")
	Protocol     string  `json:"protocol,omitempty"`      // "grpc" (default) or "http"
	Insecure     bool    `json:"insecure,omitempty"`      // skip TLS, for local collectors
	ServiceName  string  `json:"service_name,omitempty"`  // OTEL service name (default "masq")
	Sampler      string  `json:"sampler,omitempty"`       // "always" (default), "never", "ratio"
	SamplerRatio float64 `json:"sampler_ratio,omitempty"` // used when Sampler == "ratio"
}

// RequestTimeout returns the LLM call timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.LLM.RequestTimeoutMs) * time.Millisecond
}

// DedupWindow returns the message-id dedup TTL as a duration.
func (c *Config) DedupWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Limits.DedupWindowMs) * time.Millisecond
}

// ConvTTL returns the auto-respond conversation TTL as a duration.
func (c *Config) ConvTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Limits.ConvTTLMs) * time.Millisecond
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Discord = src.Discord
	c.LLM = src.LLM
	c.Proxy = src.Proxy
	c.Limits = src.Limits
	c.Webhook = src.Webhook
	c.Commands = src.Commands
	c.OAuth = src.OAuth
	c.Status = src.Status
	c.Telemetry = src.Telemetry
	c.DataDir = src.DataDir
}
