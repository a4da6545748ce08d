// Package discord adapts the Discord gateway and REST API to the
// platform-neutral surface the dispatch core consumes.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/masqhq/masq/internal/platform"
)

// Adapter owns the Discord session and implements platform.Client.
type Adapter struct {
	session   *discordgo.Session
	sink      func(*platform.Message)
	botUserID string
	log       *slog.Logger

	mu       sync.Mutex
	channels map[string]*discordgo.Channel // channel id → metadata cache
}

// New builds an adapter from a bot token. sink receives every inbound
// message event once the session opens.
func New(token string, sink func(*platform.Message), log *slog.Logger) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		session:  session,
		sink:     sink,
		log:      log.With(slog.String("component", "discord")),
		channels: map[string]*discordgo.Channel{},
	}, nil
}

// Start opens the gateway connection and begins pumping events.
func (a *Adapter) Start(_ context.Context) error {
	a.session.AddHandler(a.handleMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID
	a.log.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	a.log.Info("stopping discord session")
	return a.session.Close()
}

// BotUserID returns the bot's own user id, populated by Start.
func (a *Adapter) BotUserID() string { return a.botUserID }

func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	// The bot's plain messages are its own; webhook echoes carry a webhook
	// author and are classified downstream.
	if m.Author.ID == a.botUserID && m.WebhookID == "" {
		return
	}
	a.sink(a.convert(m.Message))
}

func (a *Adapter) convert(m *discordgo.Message) *platform.Message {
	out := &platform.Message{
		ID:                m.ID,
		ChannelID:         m.ChannelID,
		GuildID:           m.GuildID,
		Content:           m.Content,
		WebhookID:         m.WebhookID,
		ApplicationID:     m.ApplicationID,
		Timestamp:         m.Timestamp,
		IsDM:              m.GuildID == "",
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorUsername = m.Author.Username
		out.AuthorDisplayName = displayName(m)
	}
	for _, att := range m.Attachments {
		out.Attachments = append(out.Attachments, platform.Attachment{
			URL:         att.URL,
			ContentType: att.ContentType,
		})
	}
	for _, e := range m.Embeds {
		embed := platform.Embed{}
		if e.Image != nil {
			embed.ImageURL = e.Image.URL
		}
		if e.Thumbnail != nil {
			embed.ThumbnailURL = e.Thumbnail.URL
		}
		if e.Video != nil {
			embed.VideoURL = e.Video.URL
		}
		if e.Footer != nil {
			embed.FooterText = e.Footer.Text
		}
		out.Embeds = append(out.Embeds, embed)
	}
	if m.MessageReference != nil {
		out.Reference = &platform.Reference{
			MessageID: m.MessageReference.MessageID,
			ChannelID: m.MessageReference.ChannelID,
		}
	}
	return out
}

// displayName resolves the best author name: server nick, then global
// display name, then username.
func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// FetchMessage implements platform.Client.
func (a *Adapter) FetchMessage(ctx context.Context, channelID, messageID string) (*platform.Message, error) {
	msg, err := a.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err, "message", messageID)
	}
	return a.convert(msg), nil
}

// IsNSFW implements platform.Client. Channel metadata is cached; DM
// channels are never age-flagged.
func (a *Adapter) IsNSFW(ctx context.Context, channelID string) (bool, error) {
	ch, err := a.channel(ctx, channelID)
	if err != nil {
		return false, err
	}
	return ch.NSFW, nil
}

func (a *Adapter) channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	a.mu.Lock()
	ch, ok := a.channels[channelID]
	a.mu.Unlock()
	if ok {
		return ch, nil
	}
	if st, err := a.session.State.Channel(channelID); err == nil {
		return st, nil
	}
	ch, err := a.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err, "channel", channelID)
	}
	a.mu.Lock()
	a.channels[channelID] = ch
	a.mu.Unlock()
	return ch, nil
}

// SendMessage implements platform.Client.
func (a *Adapter) SendMessage(ctx context.Context, channelID, content string) (*platform.Message, error) {
	msg, err := a.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err, "channel", channelID)
	}
	return a.convert(msg), nil
}

// SendDM implements platform.Client.
func (a *Adapter) SendDM(ctx context.Context, userID, content string) (*platform.Message, error) {
	ch, err := a.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("open dm channel: %w", err)
	}
	return a.SendMessage(ctx, ch.ID, content)
}

// ListWebhooks implements platform.Client.
func (a *Adapter) ListWebhooks(ctx context.Context, channelID string) ([]platform.Webhook, error) {
	hooks, err := a.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err, "channel", channelID)
	}
	out := make([]platform.Webhook, 0, len(hooks))
	for _, wh := range hooks {
		out = append(out, convertWebhook(wh))
	}
	return out, nil
}

// CreateWebhook implements platform.Client.
func (a *Adapter) CreateWebhook(ctx context.Context, channelID, name string) (*platform.Webhook, error) {
	wh, err := a.session.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err, "channel", channelID)
	}
	converted := convertWebhook(wh)
	return &converted, nil
}

// GetWebhook implements platform.Client.
func (a *Adapter) GetWebhook(ctx context.Context, webhookID string) (*platform.Webhook, error) {
	wh, err := a.session.Webhook(webhookID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err, "webhook", webhookID)
	}
	converted := convertWebhook(wh)
	return &converted, nil
}

// SendWebhookMessage implements platform.Client.
func (a *Adapter) SendWebhookMessage(ctx context.Context, wh platform.Webhook, params platform.WebhookParams) (*platform.Message, error) {
	msg, err := a.session.WebhookExecute(wh.ID, wh.Token, true, &discordgo.WebhookParams{
		Content:   params.Content,
		Username:  params.Username,
		AvatarURL: params.AvatarURL,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err, "webhook", wh.ID)
	}
	return a.convert(msg), nil
}

// MemberHasManageMessages implements platform.Client.
func (a *Adapter) MemberHasManageMessages(ctx context.Context, channelID, userID string) (bool, error) {
	perms, err := a.session.UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return false, mapError(err, "channel", channelID)
	}
	return perms&discordgo.PermissionManageMessages != 0, nil
}

func convertWebhook(wh *discordgo.Webhook) platform.Webhook {
	out := platform.Webhook{
		ID:        wh.ID,
		Token:     wh.Token,
		ChannelID: wh.ChannelID,
		Name:      wh.Name,
	}
	if wh.ApplicationID != "" {
		out.OwnerID = wh.ApplicationID
	} else if wh.User != nil {
		out.OwnerID = wh.User.ID
	}
	return out
}

// mapError converts Discord 404s into platform.NotFoundError so callers can
// distinguish evicted entities from hard failures.
func mapError(err error, kind, id string) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
		return &platform.NotFoundError{Kind: kind, ID: id}
	}
	return err
}
