package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masqhq/masq/internal/auth"
	"github.com/masqhq/masq/internal/conversation"
	"github.com/masqhq/masq/internal/fault"
	"github.com/masqhq/masq/internal/identity"
	"github.com/masqhq/masq/internal/personality"
	"github.com/masqhq/masq/internal/platform"
)

func (r *Router) handleAdd(ctx context.Context, m *platform.Message, userID string, args []string) error {
	if len(args) < 2 {
		return r.reply(ctx, m, fmt.Sprintf("Usage: `%s add <id> <display name…> [avatarUrl] [error message…]`", r.prefix))
	}
	id := args[0]

	// Tokens after the id: display name until the first URL, then the
	// avatar, then an optional bespoke error message.
	var nameParts, errParts []string
	avatarURL := ""
	for _, tok := range args[1:] {
		switch {
		case avatarURL == "" && (strings.HasPrefix(tok, "http://") || strings.HasPrefix(tok, "https://")):
			avatarURL = tok
		case avatarURL == "":
			nameParts = append(nameParts, tok)
		default:
			errParts = append(errParts, tok)
		}
	}
	if len(nameParts) == 0 {
		return r.reply(ctx, m, "A display name is required.")
	}

	if r.dedup.AddCompleted(userID, id) {
		r.log.Debug("suppressed repeated add", "personality_id", id, "user_id", userID)
		return nil
	}

	p := &personality.Personality{
		ID:           id,
		DisplayName:  strings.Join(nameParts, " "),
		AvatarURL:    avatarURL,
		ErrorMessage: strings.Join(errParts, " "),
		OwnerUserID:  userID,
		AddedAt:      time.Now().UTC(),
	}
	if err := r.registry.Add(p); err != nil {
		if errors.Is(err, personality.ErrIDExists) {
			return r.reply(ctx, m, fmt.Sprintf("A personality with id `%s` already exists.", id))
		}
		return fault.Wrap(fault.KindInternal, err)
	}
	r.dedup.MarkAddCompleted(userID, id)
	return r.reply(ctx, m, fmt.Sprintf("Added **%s** (`%s`). Mention @%s to talk to them.", p.DisplayName, p.ID, personality.Fold(p.DisplayName)))
}

func (r *Router) handleRemove(ctx context.Context, m *platform.Message, userID string, args []string) error {
	if len(args) < 1 {
		return r.reply(ctx, m, fmt.Sprintf("Usage: `%s remove <name>`", r.prefix))
	}
	p, ok := r.registry.Lookup(strings.Join(args, " "), userID)
	if !ok {
		return fault.New(fault.KindPersonalityNotFound, "")
	}

	isModerator := false
	if !m.IsDM {
		if has, err := r.client.MemberHasManageMessages(ctx, m.ChannelID, userID); err == nil {
			isModerator = has
		}
	}
	if err := r.registry.Remove(p.ID, userID, isModerator); err != nil {
		if errors.Is(err, personality.ErrNotOwner) {
			return fault.New(fault.KindPolicyBlocked, "Only the owner or a moderator can remove that personality.")
		}
		return fault.Wrap(fault.KindInternal, err)
	}
	r.dedup.ClearAddCompleted(p.OwnerUserID, p.ID)
	return r.reply(ctx, m, fmt.Sprintf("Removed **%s**.", p.DisplayName))
}

func (r *Router) handleAlias(ctx context.Context, m *platform.Message, userID string, args []string) error {
	if len(args) < 2 {
		return r.reply(ctx, m, fmt.Sprintf("Usage: `%s alias <alias> <name>`", r.prefix))
	}
	alias := args[0]
	p, ok := r.registry.Lookup(strings.Join(args[1:], " "), userID)
	if !ok {
		return fault.New(fault.KindPersonalityNotFound, "")
	}
	if err := r.registry.AddUserAlias(userID, alias, p.ID); err != nil {
		if errors.Is(err, personality.ErrAliasTaken) {
			return r.reply(ctx, m, fmt.Sprintf("`%s` is already a global alias for someone else.", alias))
		}
		return fault.Wrap(fault.KindInternal, err)
	}
	return r.reply(ctx, m, fmt.Sprintf("`%s` now points at **%s** for you.", alias, p.DisplayName))
}

func (r *Router) handleList(ctx context.Context, m *platform.Message, userID string) error {
	if !r.dedup.MarkEmbed(m.ID, "list") {
		return nil
	}
	all := r.registry.List()
	if len(all) == 0 {
		return r.reply(ctx, m, fmt.Sprintf("No personalities yet. Add one with `%s add`.", r.prefix))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Personalities** (%d)\n", len(all))
	for _, p := range all {
		fmt.Fprintf(&b, "- **%s** (`%s`)", p.DisplayName, p.ID)
		if p.OwnerUserID == userID {
			b.WriteString(" — yours")
		}
		b.WriteString("\n")
	}
	return r.reply(ctx, m, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) handleInfo(ctx context.Context, m *platform.Message, userID string, args []string) error {
	if len(args) < 1 {
		return r.reply(ctx, m, fmt.Sprintf("Usage: `%s info <name>`", r.prefix))
	}
	if !r.dedup.MarkEmbed(m.ID, "info") {
		return nil
	}
	p, ok := r.registry.Lookup(strings.Join(args, " "), userID)
	if !ok {
		return fault.New(fault.KindPersonalityNotFound, "")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\nid: `%s`\nowner: <@%s>\nadded: %s", p.DisplayName, p.ID, p.OwnerUserID, p.AddedAt.Format("2006-01-02"))
	if p.AvatarURL != "" {
		fmt.Fprintf(&b, "\navatar: %s", p.AvatarURL)
	}
	return r.reply(ctx, m, b.String())
}

func (r *Router) handleActivate(ctx context.Context, m *platform.Message, userID string, args []string) error {
	if len(args) < 1 {
		return r.reply(ctx, m, fmt.Sprintf("Usage: `%s activate <name>`", r.prefix))
	}
	if m.IsDM {
		return fault.New(fault.KindPolicyBlocked, "Activation only works in server channels.")
	}
	has, err := r.client.MemberHasManageMessages(ctx, m.ChannelID, userID)
	if err != nil || !has {
		return fault.New(fault.KindPolicyBlocked, "Activating a personality requires the Manage Messages permission.")
	}
	nsfw, err := r.client.IsNSFW(ctx, m.ChannelID)
	if err != nil || !nsfw {
		return fault.New(fault.KindPolicyBlocked, "Activation is only allowed in age-restricted channels.")
	}
	p, ok := r.registry.Lookup(strings.Join(args, " "), userID)
	if !ok {
		return fault.New(fault.KindPersonalityNotFound, "")
	}
	if err := r.conv.Activate(ctx, conversation.Activation{
		ChannelID:     m.ChannelID,
		PersonalityID: p.ID,
		ActivatedBy:   userID,
	}); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	return r.reply(ctx, m, fmt.Sprintf("**%s** is now active in this channel and will answer every message.", p.DisplayName))
}

func (r *Router) handleDeactivate(ctx context.Context, m *platform.Message, userID string) error {
	if m.IsDM {
		return fault.New(fault.KindPolicyBlocked, "Activation only works in server channels.")
	}
	has, err := r.client.MemberHasManageMessages(ctx, m.ChannelID, userID)
	if err != nil || !has {
		return fault.New(fault.KindPolicyBlocked, "Deactivating requires the Manage Messages permission.")
	}
	if err := r.conv.Deactivate(ctx, m.ChannelID); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	return r.reply(ctx, m, "Channel deactivated.")
}

func (r *Router) handleAutoRespond(ctx context.Context, m *platform.Message, userID string, args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return r.reply(ctx, m, fmt.Sprintf("Usage: `%s autorespond on|off`", r.prefix))
	}
	on := args[0] == "on"
	if err := r.prefs.SetAutoRespond(ctx, userID, on); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	if on {
		return r.reply(ctx, m, "Auto-respond is on: your conversations continue without re-mentioning.")
	}
	r.conv.ClearAuto(m.ChannelID, userID)
	return r.reply(ctx, m, "Auto-respond is off.")
}

func (r *Router) handleVerify(ctx context.Context, m *platform.Message, userID string) error {
	if m.IsDM {
		return r.reply(ctx, m, "Run this in an age-restricted server channel to verify.")
	}
	nsfw, err := r.client.IsNSFW(ctx, m.ChannelID)
	if err != nil || !nsfw {
		return r.reply(ctx, m, "Run this in an age-restricted channel to verify.")
	}
	if err := r.prefs.SetNSFWVerified(ctx, userID, true); err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	return r.reply(ctx, m, "Verified. You can now talk to personalities in DMs and unrestricted channels.")
}

// handleAuth runs the OAuth round-trip. Proxy identities are refused
// outright: credentials only ever bind to a real account.
func (r *Router) handleAuth(ctx context.Context, m *platform.Message, cls identity.Classification, args []string) error {
	if !cls.AuthCommandAllowed {
		return fault.New(fault.KindAuthForbiddenForProxy, "")
	}
	userID := cls.RealUserID
	if r.oauth == nil {
		return r.reply(ctx, m, "No authentication service is configured.")
	}
	sub := "status"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}

	switch sub {
	case "start":
		url := r.oauth.AuthorizationURL(auth.NewState())
		return r.replyDM(ctx, m, userID, fmt.Sprintf(
			"Authorize here: %s\nThen send me `%s auth code <code>` **in this DM**.", url, r.prefix))
	case "code":
		if len(args) < 2 {
			return r.reply(ctx, m, fmt.Sprintf("Usage: `%s auth code <code>`", r.prefix))
		}
		if !m.IsDM {
			// Never echo the code back into a public channel.
			return r.reply(ctx, m, "For your safety, send the code in a DM, not a channel.")
		}
		grant, err := r.oauth.ExchangeCode(ctx, args[1], userID)
		if err != nil {
			return r.reply(ctx, m, "That code didn't work. Start over with `auth start`.")
		}
		if err := r.tokens.SetToken(ctx, userID, *grant); err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}
		return r.reply(ctx, m, "Authenticated. Your messages now run under your own account.")
	case "status":
		has, expires, err := r.tokens.HasToken(ctx, userID)
		if err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}
		if !has {
			return r.reply(ctx, m, fmt.Sprintf("Not authenticated. Start with `%s auth start`.", r.prefix))
		}
		if expires.IsZero() {
			return r.reply(ctx, m, "Authenticated.")
		}
		return r.reply(ctx, m, fmt.Sprintf("Authenticated (token expires %s).", expires.Format(time.RFC1123)))
	case "revoke":
		if err := r.tokens.Revoke(ctx, userID); err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}
		return r.reply(ctx, m, "Credentials revoked.")
	default:
		return r.reply(ctx, m, fmt.Sprintf("Usage: `%s auth start|code <code>|status|revoke`", r.prefix))
	}
}
