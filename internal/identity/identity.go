// Package identity classifies the true origin of every inbound message:
// our own webhook, a third-party proxy webhook, or a real user. The
// classification decides whether the message is dropped, whose credentials
// a request inherits, and whether auth commands are permitted.
package identity

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/masqhq/masq/internal/platform"
)

// Kind is the closed set of message origins.
type Kind int

const (
	// KindRealUser is the default: a message typed by a human account.
	KindRealUser Kind = iota

	// KindOwnWebhook marks messages this system emitted itself.
	KindOwnWebhook

	// KindProxySystem marks third-party impersonation webhooks (plural
	// proxies and the like).
	KindProxySystem
)

func (k Kind) String() string {
	switch k {
	case KindOwnWebhook:
		return "own_webhook"
	case KindProxySystem:
		return "proxy_system"
	default:
		return "real_user"
	}
}

// Classification is the tracker's verdict on one message.
type Classification struct {
	Kind Kind

	// RealUserID is the account whose credentials the message inherits.
	// Empty for proxy messages whose real author is unknown; callers treat
	// that as "cannot authenticate".
	RealUserID string

	// AuthCommandAllowed is false for any webhook-authored message: auth
	// state may only be changed from a real account.
	AuthCommandAllowed bool
}

// DisplayNames is the registry surface the tracker needs: recognizing our
// own webhook messages by personality display name when the platform strips
// application metadata.
type DisplayNames interface {
	HasDisplayName(name string) (string, bool)
}

// WebhookOwners resolves a webhook id to its handle so ownership can be
// checked against the self bot id. Implemented by the platform client; nil
// disables owner lookups.
type WebhookOwners interface {
	GetWebhook(ctx context.Context, webhookID string) (*platform.Webhook, error)
}

const (
	ownWebhookCacheSize     = 2048
	proxyWebhookCacheSize   = 2048
	foreignWebhookCacheSize = 2048
)

// Config carries the proxy-system recognition data. All of it is data, not
// code: ids and patterns supplied by configuration.
type Config struct {
	SelfBotID        string
	ProxyAppIDs      []string // known proxy application ids
	UsernamePatterns []string // substring tags in webhook usernames, e.g. "[PK]"
	FooterPatterns   []string // regexes matched against embed footer text
}

// Tracker classifies inbound messages. Webhook ids recognized once are
// cached for O(1) future lookups.
type Tracker struct {
	selfBotID   string
	names       DisplayNames
	owners      WebhookOwners
	proxyAppIDs map[string]struct{}
	usernames   []string
	footers     []*regexp.Regexp

	ownWebhooks     *lru.Cache[string, struct{}] // webhook ids we created
	proxyWebhooks   *lru.Cache[string, string]   // webhook id → real user id ("" when unknown)
	foreignWebhooks *lru.Cache[string, struct{}] // looked up, owned by someone else

	log *slog.Logger
}

// New builds a tracker. Footer patterns that fail to compile are skipped
// with a warning; a bad pattern must not take classification down.
func New(cfg Config, names DisplayNames, log *slog.Logger) *Tracker {
	t := &Tracker{
		selfBotID:   cfg.SelfBotID,
		names:       names,
		proxyAppIDs: make(map[string]struct{}, len(cfg.ProxyAppIDs)),
		usernames:   cfg.UsernamePatterns,
		log:         log.With(slog.String("component", "identity")),
	}
	for _, id := range cfg.ProxyAppIDs {
		if id = strings.TrimSpace(id); id != "" {
			t.proxyAppIDs[id] = struct{}{}
		}
	}
	for _, pat := range cfg.FooterPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			t.log.Warn("skipping invalid proxy footer pattern", "pattern", pat, "error", err)
			continue
		}
		t.footers = append(t.footers, re)
	}
	t.ownWebhooks, _ = lru.New[string, struct{}](ownWebhookCacheSize)
	t.proxyWebhooks, _ = lru.New[string, string](proxyWebhookCacheSize)
	t.foreignWebhooks, _ = lru.New[string, struct{}](foreignWebhookCacheSize)
	return t
}

// SetSelfBotID records the bot's own user id once the session learns it.
func (t *Tracker) SetSelfBotID(id string) {
	if id != "" {
		t.selfBotID = id
	}
}

// SetOwnerLookup attaches the platform client used to resolve unknown
// webhook ids to their owner.
func (t *Tracker) SetOwnerLookup(owners WebhookOwners) {
	t.owners = owners
}

// RememberOwnWebhook records a webhook id we created, so messages emitted
// through it are recognized without an owner lookup.
func (t *Tracker) RememberOwnWebhook(webhookID string) {
	if webhookID != "" {
		t.ownWebhooks.Add(webhookID, struct{}{})
	}
}

// RememberProxyWebhook caches a recognized proxy webhook, optionally with
// the real user it fronts for when that mapping is known.
func (t *Tracker) RememberProxyWebhook(webhookID, realUserID string) {
	if webhookID != "" {
		t.proxyWebhooks.Add(webhookID, realUserID)
	}
}

// Classify decides the message's origin. Own-webhook recognition uses four
// signals, any one sufficient: application id, the own-webhook cache, the
// webhook's owner fetched from the platform, and the author username matching
// an active personality display name. The last is a fallback for platforms
// that strip application metadata.
func (t *Tracker) Classify(ctx context.Context, m *platform.Message) Classification {
	if !m.IsWebhook() && m.ApplicationID == "" {
		return Classification{Kind: KindRealUser, RealUserID: m.AuthorID, AuthCommandAllowed: true}
	}

	if t.isOwnWebhook(ctx, m) {
		return Classification{Kind: KindOwnWebhook}
	}

	if realUser, ok := t.isProxySystem(m); ok {
		return Classification{Kind: KindProxySystem, RealUserID: realUser}
	}

	// Webhook-authored but unrecognized: treat as a real user so no auth
	// state leaks, but auth commands stay off the table.
	return Classification{Kind: KindRealUser, RealUserID: m.AuthorID}
}

// ShouldIgnore reports whether the message must be dropped outright. Only
// our own webhook echoes qualify.
func (t *Tracker) ShouldIgnore(ctx context.Context, m *platform.Message) bool {
	return t.Classify(ctx, m).Kind == KindOwnWebhook
}

// MayBypassAgeGate reports whether the message skips the NSFW gate. Webhook
// identities bypass it, except when carrying an auth-privileged command,
// which must re-anchor to the real user.
func (t *Tracker) MayBypassAgeGate(ctx context.Context, m *platform.Message, isAuthCommand bool) bool {
	kind := t.Classify(ctx, m).Kind
	if kind == KindRealUser {
		return false
	}
	return !isAuthCommand
}

func (t *Tracker) isOwnWebhook(ctx context.Context, m *platform.Message) bool {
	if t.selfBotID != "" && m.ApplicationID == t.selfBotID {
		return true
	}
	if m.WebhookID != "" {
		if _, ok := t.ownWebhooks.Get(m.WebhookID); ok {
			return true
		}
		if t.ownsWebhook(ctx, m.WebhookID) {
			return true
		}
	}
	// Defensive fallback: the message carries an active personality's
	// display name as its username.
	if m.IsWebhook() && m.AuthorUsername != "" {
		if _, ok := t.names.HasDisplayName(m.AuthorUsername); ok {
			t.ownWebhooks.Add(m.WebhookID, struct{}{})
			return true
		}
	}
	return false
}

// ownsWebhook asks the platform who owns an unrecognized webhook id and
// caches the verdict either way, so each id costs at most one lookup.
// Lookup failures are not cached; a transient error must not mislabel a
// webhook for its lifetime.
func (t *Tracker) ownsWebhook(ctx context.Context, webhookID string) bool {
	if t.owners == nil || t.selfBotID == "" {
		return false
	}
	if _, ok := t.foreignWebhooks.Get(webhookID); ok {
		return false
	}
	wh, err := t.owners.GetWebhook(ctx, webhookID)
	if err != nil {
		t.log.Debug("webhook owner lookup failed", "webhook_id", webhookID, "error", err)
		return false
	}
	if wh.OwnerID == t.selfBotID {
		t.ownWebhooks.Add(webhookID, struct{}{})
		return true
	}
	t.foreignWebhooks.Add(webhookID, struct{}{})
	return false
}

func (t *Tracker) isProxySystem(m *platform.Message) (realUserID string, ok bool) {
	if m.WebhookID != "" {
		if realUser, cached := t.proxyWebhooks.Get(m.WebhookID); cached {
			return realUser, true
		}
	}

	matched := false
	if m.ApplicationID != "" {
		if _, known := t.proxyAppIDs[m.ApplicationID]; known {
			matched = true
		}
	}
	if !matched {
		for _, tag := range t.usernames {
			if tag != "" && strings.Contains(m.AuthorUsername, tag) {
				matched = true
				break
			}
		}
	}
	if !matched && len(t.footers) > 0 {
		for _, e := range m.Embeds {
			if e.FooterText == "" {
				continue
			}
			for _, re := range t.footers {
				if re.MatchString(e.FooterText) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
	}
	if !matched {
		return "", false
	}

	if m.WebhookID != "" {
		t.proxyWebhooks.Add(m.WebhookID, "")
	}
	t.log.Debug("proxy webhook recognized",
		"webhook_id", m.WebhookID,
		"application_id", m.ApplicationID,
	)
	return "", true
}
