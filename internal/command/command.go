// Package command implements the chat command surface: personality
// management, aliases, channel activation, user preferences, and the OAuth
// round-trip. The dispatcher hands any prefixed message here before the
// generation pipeline runs.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/masqhq/masq/internal/auth"
	"github.com/masqhq/masq/internal/conversation"
	"github.com/masqhq/masq/internal/dedup"
	"github.com/masqhq/masq/internal/fault"
	"github.com/masqhq/masq/internal/identity"
	"github.com/masqhq/masq/internal/personality"
	"github.com/masqhq/masq/internal/platform"
)

// Router parses and executes commands.
type Router struct {
	registry *personality.Registry
	dedup    *dedup.Deduplicator
	tokens   *auth.Store
	oauth    auth.OAuthClient
	conv     *conversation.State
	prefs    conversation.PrefsStore
	client   platform.Client
	prefix   string
	log      *slog.Logger
}

// New builds a router. oauth may be nil; auth commands then explain that no
// token service is configured.
func New(
	registry *personality.Registry,
	ded *dedup.Deduplicator,
	tokens *auth.Store,
	oauth auth.OAuthClient,
	conv *conversation.State,
	prefs conversation.PrefsStore,
	client platform.Client,
	prefix string,
	log *slog.Logger,
) *Router {
	if prefix == "" {
		prefix = "!mq"
	}
	return &Router{
		registry: registry,
		dedup:    ded,
		tokens:   tokens,
		oauth:    oauth,
		conv:     conv,
		prefs:    prefs,
		client:   client,
		prefix:   prefix,
		log:      log.With(slog.String("component", "command")),
	}
}

// Prefix returns the configured command prefix.
func (r *Router) Prefix() string { return r.prefix }

// IsCommand reports whether content addresses the command surface.
func (r *Router) IsCommand(content string) bool {
	rest, ok := strings.CutPrefix(strings.TrimSpace(content), r.prefix)
	return ok && (rest == "" || rest[0] == ' ')
}

// IsAuthCommand reports whether content is an auth-privileged command. The
// identity tracker uses this: auth commands never bypass re-anchoring to
// the real user, and proxy identities may not run them at all.
func (r *Router) IsAuthCommand(content string) bool {
	name, _, ok := r.parse(content)
	return ok && name == "auth"
}

// parse splits "<prefix> <name> <args…>".
func (r *Router) parse(content string) (name string, args []string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(content), r.prefix)
	if !found {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Handle executes the command in m. Unknown commands get a short pointer to
// help; double-tapped commands are dropped silently.
func (r *Router) Handle(ctx context.Context, m *platform.Message, cls identity.Classification) error {
	name, args, ok := r.parse(m.Content)
	if !ok {
		return r.reply(ctx, m, fmt.Sprintf("Try `%s help`.", r.prefix))
	}

	userID := cls.RealUserID
	if userID == "" {
		userID = m.AuthorID
	}

	if !r.dedup.MarkCommand(userID, name, args) {
		r.log.Debug("dropped double-tapped command", "command", name, "user_id", userID)
		return nil
	}

	log := r.log.With("msg_id", m.ID, "command", name, "user_id", userID)
	log.Info("command received")

	switch name {
	case "help":
		return r.handleHelp(ctx, m)
	case "ping":
		return r.reply(ctx, m, "Pong.")
	case "add":
		return r.handleAdd(ctx, m, userID, args)
	case "remove":
		return r.handleRemove(ctx, m, userID, args)
	case "alias":
		return r.handleAlias(ctx, m, userID, args)
	case "list":
		return r.handleList(ctx, m, userID)
	case "info":
		return r.handleInfo(ctx, m, userID, args)
	case "activate":
		return r.handleActivate(ctx, m, userID, args)
	case "deactivate":
		return r.handleDeactivate(ctx, m, userID)
	case "autorespond":
		return r.handleAutoRespond(ctx, m, userID, args)
	case "verify":
		return r.handleVerify(ctx, m, userID)
	case "auth":
		return r.handleAuth(ctx, m, cls, args)
	case "reset":
		r.conv.ClearAuto(m.ChannelID, userID)
		return r.reply(ctx, m, "Conversation reset. Mention a personality to start a new one.")
	default:
		return r.reply(ctx, m, fmt.Sprintf("Unknown command `%s`. Try `%s help`.", name, r.prefix))
	}
}

func (r *Router) handleHelp(ctx context.Context, m *platform.Message) error {
	if !r.dedup.MarkEmbed(m.ID, "help") {
		return nil
	}
	p := r.prefix
	help := strings.Join([]string{
		"**masq commands**",
		fmt.Sprintf("`%s add <id> <display name…> [avatarUrl] [error message…]` — register a personality", p),
		fmt.Sprintf("`%s remove <name>` — remove one of yours", p),
		fmt.Sprintf("`%s alias <alias> <name>` — personal shortcut for a personality", p),
		fmt.Sprintf("`%s list` / `%s info <name>` — browse personalities", p, p),
		fmt.Sprintf("`%s activate <name>` / `%s deactivate` — pin a personality to this channel (moderators)", p, p),
		fmt.Sprintf("`%s autorespond on|off` — keep talking without re-mentioning", p),
		fmt.Sprintf("`%s verify` — confirm age verification in an age-restricted channel", p),
		fmt.Sprintf("`%s auth start|code <code>|status|revoke` — connect your inference account", p),
		fmt.Sprintf("`%s reset` — end your current conversation here", p),
	}, "\n")
	return r.reply(ctx, m, help)
}

// reply answers in the channel the command arrived in.
func (r *Router) reply(ctx context.Context, m *platform.Message, content string) error {
	if _, err := r.client.SendMessage(ctx, m.ChannelID, content); err != nil {
		return fault.Wrap(fault.KindSendFailed, err)
	}
	return nil
}

// replyDM answers in a DM, falling back to the channel when DMs are closed.
func (r *Router) replyDM(ctx context.Context, m *platform.Message, userID, content string) error {
	if _, err := r.client.SendDM(ctx, userID, content); err == nil {
		if !m.IsDM {
			return r.reply(ctx, m, "Check your DMs.")
		}
		return nil
	}
	return r.reply(ctx, m, content)
}
