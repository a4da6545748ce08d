// Package platform defines the chat-platform surface the proxy core depends
// on. Everything above the Discord adapter speaks these types, which keeps
// the dispatch pipeline testable with hand-written fakes.
package platform

import (
	"context"
	"errors"
	"time"
)

// Message is the platform-neutral shape of an inbound or fetched message.
type Message struct {
	ID                string       `json:"id"`
	ChannelID         string       `json:"channel_id"`
	GuildID           string       `json:"guild_id,omitempty"`
	AuthorID          string       `json:"author_id"`
	AuthorUsername    string       `json:"author_username"`     // raw account/webhook name; webhook messages carry the override here
	AuthorDisplayName string       `json:"author_display_name"` // nick > global name > username
	Content           string       `json:"content"`
	WebhookID         string       `json:"webhook_id,omitempty"`
	ApplicationID     string       `json:"application_id,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	Embeds            []Embed      `json:"embeds,omitempty"`
	Reference         *Reference   `json:"reference,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
	IsDM              bool         `json:"is_dm"`
}

// IsWebhook reports whether the message was emitted through a webhook.
func (m *Message) IsWebhook() bool { return m.WebhookID != "" }

// Attachment is a directly attached file.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/png", "audio/ogg")
}

// Embed carries the subset of embed data the core inspects: media URLs for
// the reference resolver and the footer for proxy-system detection.
type Embed struct {
	ImageURL     string `json:"image_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
	FooterText   string `json:"footer_text,omitempty"`
}

// Reference points at the message this one replies to.
type Reference struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Webhook is a channel webhook handle. Token is secret and never logged.
type Webhook struct {
	ID        string `json:"id"`
	Token     string `json:"-"`
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"` // application/bot user that created it
}

// WebhookParams controls a single impersonated send.
type WebhookParams struct {
	Content   string `json:"content"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Client is the full platform operation surface the core consumes.
// The Discord adapter implements it; tests use in-memory fakes.
type Client interface {
	// FetchMessage retrieves a single message, used when walking reply
	// chains and message links.
	FetchMessage(ctx context.Context, channelID, messageID string) (*Message, error)

	// IsNSFW reports whether the channel is platform-flagged age-restricted.
	IsNSFW(ctx context.Context, channelID string) (bool, error)

	// SendMessage emits a plain bot message (fallback path, command replies,
	// error surfaces).
	SendMessage(ctx context.Context, channelID, content string) (*Message, error)

	// SendDM opens (or reuses) a direct channel to the user and sends there.
	SendDM(ctx context.Context, userID, content string) (*Message, error)

	// ListWebhooks returns the channel's webhooks with owners resolved.
	ListWebhooks(ctx context.Context, channelID string) ([]Webhook, error)

	// CreateWebhook creates a webhook owned by this bot.
	CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error)

	// GetWebhook resolves a webhook id to its handle (owner lookup for
	// identity classification). Implementations may cache.
	GetWebhook(ctx context.Context, webhookID string) (*Webhook, error)

	// SendWebhookMessage executes the webhook with a per-send username and
	// avatar override, returning the created message.
	SendWebhookMessage(ctx context.Context, wh Webhook, params WebhookParams) (*Message, error)

	// MemberHasManageMessages reports moderator-level permission in the channel.
	MemberHasManageMessages(ctx context.Context, channelID, userID string) (bool, error)
}

// NotFoundError marks platform lookups that failed because the entity is
// gone (deleted message, evicted webhook). Senders use it to distinguish
// cache-eviction retries from hard failures.
type NotFoundError struct {
	Kind string // "message", "webhook", "channel"
	ID   string
}

func (e *NotFoundError) Error() string {
	return "platform: " + e.Kind + " " + e.ID + " not found"
}

// IsNotFound reports whether err carries a platform not-found.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
