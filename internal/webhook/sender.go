// Package webhook emits replies under a personality's name and avatar. It
// caches one webhook handle per channel, splits long outputs at safe
// boundaries, rate-limits per channel, and records every emitted message id
// in the reply-binding index so later replies route back correctly.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/masqhq/masq/internal/conversation"
	"github.com/masqhq/masq/internal/fault"
	"github.com/masqhq/masq/internal/personality"
	"github.com/masqhq/masq/internal/platform"
	"github.com/masqhq/masq/internal/telemetry"
)

const (
	defaultMaxChars = 2000
	sendAttempts    = 3
	sendBaseDelay   = 100 * time.Millisecond
)

// Bindings receives one entry per emitted chunk.
type Bindings interface {
	RecordBinding(botMessageID string, b conversation.Binding)
}

// OwnWebhooks learns webhook ids we created, for identity classification.
type OwnWebhooks interface {
	RememberOwnWebhook(webhookID string)
}

// Config tunes the sender.
type Config struct {
	SelfBotID    string
	SentinelName string // name given to webhooks we create
	MaxChars     int    // platform message limit
	SendsPerMin  int    // per-channel outbound budget; 0 disables limiting
}

// Sender delivers impersonated replies.
type Sender struct {
	client   platform.Client
	bindings Bindings
	own      OwnWebhooks
	cfg      Config
	log      *slog.Logger

	mu       sync.Mutex
	cache    map[string]platform.Webhook // channel id → handle
	limiters map[string]*rate.Limiter    // channel id → outbound budget
}

// New builds a sender.
func New(client platform.Client, bindings Bindings, own OwnWebhooks, cfg Config, log *slog.Logger) *Sender {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.SentinelName == "" {
		cfg.SentinelName = "masq"
	}
	return &Sender{
		client:   client,
		bindings: bindings,
		own:      own,
		cfg:      cfg,
		log:      log.With(slog.String("component", "webhook")),
		cache:    map[string]platform.Webhook{},
		limiters: map[string]*rate.Limiter{},
	}
}

// Send splits content and emits the chunks strictly in order under the
// personality's display name and avatar. DM channels, where webhooks do not
// exist, fall back to plain messages prefixed with the display name. userID
// is the real author of the turn being answered; it lands in every chunk's
// reply binding.
func (s *Sender) Send(ctx context.Context, p *personality.Personality, channelID, userID string, content string, isDM bool) error {
	chunks := Split(content, s.cfg.MaxChars)

	return telemetry.WithSpan(ctx, "webhook.send", func(ctx context.Context) error {
		wh, ok := s.webhookFor(ctx, channelID, isDM)
		if !ok {
			return s.sendPlain(ctx, p, channelID, userID, chunks)
		}

		for i, chunk := range chunks {
			if err := s.wait(ctx, channelID); err != nil {
				return fault.Wrap(fault.KindSendFailed, err)
			}
			msg, err := s.executeWithRetry(ctx, wh, channelID, platform.WebhookParams{
				Content:   chunk,
				Username:  p.DisplayName,
				AvatarURL: p.AvatarURL,
			})
			if err != nil {
				s.log.Warn("webhook send failed",
					"channel_id", channelID,
					"personality_id", p.ID,
					"chunk", i,
					"error", err,
				)
				return fault.Wrap(fault.KindSendFailed, err)
			}
			s.recordSent(msg, channelID, userID, p.ID)
		}
		return nil
	},
		attribute.String("channel.id", channelID),
		attribute.String("personality.id", p.ID),
		attribute.Int("send.chunks", len(chunks)),
	)
}

// executeWithRetry sends one chunk with bounded retries. A 404 on the
// cached handle means the webhook was deleted out from under us: evict,
// re-resolve once, and try again.
func (s *Sender) executeWithRetry(ctx context.Context, wh platform.Webhook, channelID string, params platform.WebhookParams) (*platform.Message, error) {
	msg, err := retry.DoWithData(
		func() (*platform.Message, error) {
			return s.client.SendWebhookMessage(ctx, wh, params)
		},
		retry.RetryIf(func(err error) bool { return !platform.IsNotFound(err) }),
		retry.Attempts(sendAttempts),
		retry.Delay(sendBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return msg, nil
	}
	if !platform.IsNotFound(err) {
		return nil, err
	}

	s.evict(channelID)
	fresh, ok := s.webhookFor(ctx, channelID, false)
	if !ok {
		return nil, err
	}
	return s.client.SendWebhookMessage(ctx, fresh, params)
}

// sendPlain is the DM / no-webhook fallback: plain messages with the
// personality name prefixed to the first chunk.
func (s *Sender) sendPlain(ctx context.Context, p *personality.Personality, channelID, userID string, chunks []string) error {
	for i, chunk := range chunks {
		if i == 0 {
			chunk = fmt.Sprintf("**%s:** %s", p.DisplayName, chunk)
		}
		msg, err := s.client.SendMessage(ctx, channelID, chunk)
		if err != nil {
			return fault.Wrap(fault.KindSendFailed, err)
		}
		s.recordSent(msg, channelID, userID, p.ID)
	}
	return nil
}

func (s *Sender) recordSent(msg *platform.Message, channelID, userID, personalityID string) {
	if msg == nil || msg.ID == "" {
		return
	}
	s.bindings.RecordBinding(msg.ID, conversation.Binding{
		ChannelID:     channelID,
		UserID:        userID,
		PersonalityID: personalityID,
	})
	if s.own != nil && msg.WebhookID != "" {
		s.own.RememberOwnWebhook(msg.WebhookID)
	}
}

// webhookFor returns the channel's webhook handle, resolving and caching it
// on first use: reuse a webhook we own, else create one under the sentinel
// name. DM channels and creation failures report no handle, selecting the
// plain-message path.
func (s *Sender) webhookFor(ctx context.Context, channelID string, isDM bool) (platform.Webhook, bool) {
	if isDM {
		return platform.Webhook{}, false
	}

	s.mu.Lock()
	wh, ok := s.cache[channelID]
	s.mu.Unlock()
	if ok {
		return wh, true
	}

	existing, err := s.client.ListWebhooks(ctx, channelID)
	if err != nil {
		s.log.Debug("webhook listing failed, falling back to plain send",
			"channel_id", channelID, "error", err)
	} else {
		for _, candidate := range existing {
			if candidate.OwnerID == s.cfg.SelfBotID && candidate.OwnerID != "" {
				s.store(channelID, candidate)
				return candidate, true
			}
		}
	}

	created, err := s.client.CreateWebhook(ctx, channelID, s.cfg.SentinelName)
	if err != nil {
		s.log.Info("webhook creation failed, falling back to plain send",
			"channel_id", channelID, "error", err)
		return platform.Webhook{}, false
	}
	s.store(channelID, *created)
	return *created, true
}

func (s *Sender) store(channelID string, wh platform.Webhook) {
	s.mu.Lock()
	s.cache[channelID] = wh
	s.mu.Unlock()
	if s.own != nil {
		s.own.RememberOwnWebhook(wh.ID)
	}
}

func (s *Sender) evict(channelID string) {
	s.mu.Lock()
	delete(s.cache, channelID)
	s.mu.Unlock()
}

// wait blocks on the channel's outbound budget.
func (s *Sender) wait(ctx context.Context, channelID string) error {
	if s.cfg.SendsPerMin <= 0 {
		return nil
	}
	s.mu.Lock()
	limiter, ok := s.limiters[channelID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.SendsPerMin)), s.cfg.SendsPerMin)
		s.limiters[channelID] = limiter
	}
	s.mu.Unlock()
	return limiter.Wait(ctx)
}
