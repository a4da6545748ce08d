// Package dispatch is the top-level event pipeline: it decides whether an
// inbound message is processed at all, which personality answers, under
// whose credentials, and where the reply lands. It is also the single place
// where component failures become user-visible messages.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/masqhq/masq/internal/auth"
	"github.com/masqhq/masq/internal/coalesce"
	"github.com/masqhq/masq/internal/command"
	"github.com/masqhq/masq/internal/conversation"
	"github.com/masqhq/masq/internal/dedup"
	"github.com/masqhq/masq/internal/fault"
	"github.com/masqhq/masq/internal/identity"
	"github.com/masqhq/masq/internal/llm"
	"github.com/masqhq/masq/internal/personality"
	"github.com/masqhq/masq/internal/platform"
	"github.com/masqhq/masq/internal/refchain"
	"github.com/masqhq/masq/internal/telemetry"
	"github.com/masqhq/masq/internal/webhook"
)

const defaultWorkers = 16

// Dispatcher orchestrates the pipeline.
type Dispatcher struct {
	tracker   *identity.Tracker
	dedup     *dedup.Deduplicator
	commands  *command.Router
	registry  *personality.Registry
	conv      *conversation.State
	prefs     conversation.PrefsStore
	tokens    *auth.Store
	resolver  *refchain.Resolver
	coalescer *coalesce.Coalescer
	llm       *llm.Client
	sender    *webhook.Sender
	client    platform.Client
	log       *slog.Logger

	events  chan *platform.Message
	workers int
}

// New wires the pipeline together.
func New(
	tracker *identity.Tracker,
	ded *dedup.Deduplicator,
	commands *command.Router,
	registry *personality.Registry,
	conv *conversation.State,
	prefs conversation.PrefsStore,
	tokens *auth.Store,
	resolver *refchain.Resolver,
	coalescer *coalesce.Coalescer,
	llmClient *llm.Client,
	sender *webhook.Sender,
	client platform.Client,
	log *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		tracker:   tracker,
		dedup:     ded,
		commands:  commands,
		registry:  registry,
		conv:      conv,
		prefs:     prefs,
		tokens:    tokens,
		resolver:  resolver,
		coalescer: coalescer,
		llm:       llmClient,
		sender:    sender,
		client:    client,
		log:       log.With(slog.String("component", "dispatch")),
		events:    make(chan *platform.Message, 256),
		workers:   defaultWorkers,
	}
}

// Enqueue hands an inbound event to the worker pool. Full queue drops the
// event with a warning rather than blocking the platform session.
func (d *Dispatcher) Enqueue(m *platform.Message) {
	select {
	case d.events <- m:
	default:
		d.log.Warn("event queue full, dropping message", "msg_id", m.ID)
	}
}

// Run processes events on a bounded worker pool until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers + 1)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case m := <-d.events:
				g.Go(func() error {
					d.Handle(ctx, m)
					return nil
				})
			}
		}
	})
	return g.Wait()
}

// Handle runs one event through the pipeline and surfaces any failure as a
// user-visible message. The platform message id is the correlation id on
// every log line.
func (d *Dispatcher) Handle(ctx context.Context, m *platform.Message) {
	log := d.log.With("msg_id", m.ID)

	var p *personality.Personality
	err := telemetry.WithSpan(ctx, "dispatch.handle", func(ctx context.Context) error {
		var perr error
		p, perr = d.process(ctx, log, m)
		return perr
	}, attribute.String("channel.id", m.ChannelID))
	if err == nil {
		return
	}
	d.surface(ctx, log, m, p, err)
}

// process returns the resolved personality alongside the error so failure
// surfaces can use its bespoke text regardless of how it was resolved.
func (d *Dispatcher) process(ctx context.Context, log *slog.Logger, m *platform.Message) (*personality.Personality, error) {
	// 1. Own-webhook echoes are the one unconditional drop.
	cls := d.tracker.Classify(ctx, m)
	if cls.Kind == identity.KindOwnWebhook {
		log.Debug("ignored own webhook")
		return nil, nil
	}

	// 2. Replays.
	if !d.dedup.ShouldProcess(m.ID) {
		log.Debug("dropped replayed message")
		return nil, fault.Wrap(fault.KindReplay, nil)
	}

	// 3. Commands leave the pipeline here.
	if d.commands.IsCommand(m.Content) {
		return nil, d.commands.Handle(ctx, m, cls)
	}

	// 4. Which personality answers, and who owns the turn.
	realUserID := cls.RealUserID
	if realUserID == "" && cls.Kind == identity.KindRealUser {
		realUserID = m.AuthorID
	}
	p, ok, err := d.resolvePersonality(ctx, m, realUserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	log = log.With("personality_id", p.ID, "user_id", realUserID)
	telemetry.SetAttributes(ctx, attribute.String("personality.id", p.ID))

	// 5. Age gate.
	if err := d.checkAgeGate(ctx, m, cls, realUserID); err != nil {
		return p, err
	}

	// 6. Credentials of the real author — never of the webhook identity
	// the message arrived under.
	token, err := d.tokens.GetToken(ctx, realUserID)
	if err != nil {
		return p, err
	}

	// 7. Quoted context and media.
	chain := d.resolver.Resolve(ctx, m, p.ID)
	media := refchain.SelectMedia(chain, refchain.ExtractMedia(m), d.resolver.MaxMedia())

	// 8. Generation, single-flighted per fingerprint.
	content := d.stripMention(m.Content, p, realUserID)
	fingerprint := coalesce.Fingerprint(p.ID, m.ChannelID, realUserID, content, m.Timestamp)
	text, err := d.coalescer.Dispatch(ctx, fingerprint, func(workCtx context.Context) (string, error) {
		messages := llm.BuildMessages(p, chain, m.AuthorDisplayName, content, media)
		return d.llm.Complete(workCtx, token, messages)
	})
	if err != nil {
		return p, err
	}

	// 9. Impersonated delivery; the sender records reply bindings.
	if err := d.sender.Send(ctx, p, m.ChannelID, realUserID, text, m.IsDM); err != nil {
		return p, err
	}

	// 10. Keep the conversation warm.
	d.conv.TouchAuto(m.ChannelID, realUserID, p.ID)
	log.Info("reply delivered", "chars", len(text))
	return p, nil
}

// resolvePersonality applies the resolution order: reply binding, explicit
// mention, channel activation, auto-respond continuation. Bindings and
// activations pointing at personalities that were since removed count as
// absent.
func (d *Dispatcher) resolvePersonality(ctx context.Context, m *platform.Message, realUserID string) (*personality.Personality, bool, error) {
	if m.Reference != nil && m.Reference.MessageID != "" {
		if binding, ok := d.conv.BindingFor(m.Reference.MessageID); ok {
			if p, live := d.registry.Get(binding.PersonalityID); live {
				return p, true, nil
			}
		}
	}

	if name, found := d.scanMention(m.Content, realUserID); found {
		p, ok := d.registry.Lookup(name, realUserID)
		if !ok {
			return nil, false, fault.New(fault.KindPersonalityNotFound, "")
		}
		return p, true, nil
	}

	if act, ok := d.conv.ActivationFor(m.ChannelID); ok {
		if p, live := d.registry.Get(act.PersonalityID); live {
			return p, true, nil
		}
	}

	if id, ok := d.conv.AutoFor(m.ChannelID, realUserID); ok {
		prefs, err := d.prefs.GetPrefs(ctx, realUserID)
		if err != nil {
			return nil, false, fault.Wrap(fault.KindInternal, err)
		}
		if prefs.AutoRespond {
			if p, live := d.registry.Get(id); live {
				return p, true, nil
			}
		}
	}

	return nil, false, nil
}

// scanMention finds the first @name span that resolves for the given user,
// so user-scoped aliases participate alongside names and global aliases.
// Multi-word display names are tried longest-first so "@Dark Lilith hello"
// prefers the two-word personality over a one-word alias.
func (d *Dispatcher) scanMention(content, userID string) (string, bool) {
	idx := strings.IndexByte(content, '@')
	for idx >= 0 && idx < len(content)-1 {
		rest := content[idx+1:]
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return "", false
		}
		limit := len(fields)
		if limit > 3 {
			limit = 3
		}
		for n := limit; n >= 1; n-- {
			candidate := strings.TrimRight(strings.Join(fields[:n], " "), ".,!?:;")
			if candidate == "" {
				continue
			}
			if _, ok := d.registry.Lookup(candidate, userID); ok {
				return candidate, true
			}
		}
		next := strings.IndexByte(rest, '@')
		if next < 0 {
			return "", false
		}
		idx += 1 + next
	}
	return "", false
}

// stripMention removes the resolved @name span from the content so the
// model sees the user's words, not the addressing.
func (d *Dispatcher) stripMention(content string, p *personality.Personality, userID string) string {
	for _, candidate := range []string{"@" + p.DisplayName, "@" + personality.Fold(p.DisplayName), "@" + p.ID} {
		if cut := removeSpan(content, candidate); cut != content {
			return cut
		}
	}
	if name, found := d.scanMention(content, userID); found {
		if resolved, ok := d.registry.Lookup(name, userID); ok && resolved.ID == p.ID {
			return removeSpan(content, "@"+name)
		}
	}
	return content
}

func removeSpan(content, span string) string {
	idx := indexFold(content, span)
	if idx < 0 {
		return content
	}
	out := content[:idx] + content[idx+len(span):]
	return strings.TrimSpace(strings.ReplaceAll(out, "  ", " "))
}

func indexFold(s, substr string) int {
	return strings.Index(strings.ToLower(s), strings.ToLower(substr))
}

// checkAgeGate enforces the NSFW policy. Webhook identities bypass it (auth
// commands never reach here); real users need a platform-flagged channel or
// an explicit verification.
func (d *Dispatcher) checkAgeGate(ctx context.Context, m *platform.Message, cls identity.Classification, realUserID string) error {
	if cls.Kind != identity.KindRealUser && d.tracker.MayBypassAgeGate(ctx, m, false) {
		return nil
	}
	if !m.IsDM {
		nsfw, err := d.client.IsNSFW(ctx, m.ChannelID)
		if err == nil && nsfw {
			return nil
		}
	}
	prefs, err := d.prefs.GetPrefs(ctx, realUserID)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err)
	}
	if prefs.NSFWVerified {
		return nil
	}
	return fault.New(fault.KindPolicyBlocked,
		"Personalities only speak in age-restricted channels, or to verified users. Run the verify command in an age-restricted channel first.")
}

// surface turns an error into its user-visible form. Replay stays silent;
// everything else answers in the channel, except auth guidance which goes
// to a DM first.
func (d *Dispatcher) surface(ctx context.Context, log *slog.Logger, m *platform.Message, p *personality.Personality, err error) {
	kind := fault.KindOf(err)
	switch kind {
	case fault.KindReplay:
		return
	case fault.KindNotAuthenticated:
		log.Info("request needs authentication")
		d.sendGuidanceDM(ctx, m, fault.UserMessage(err))
	case fault.KindInternal:
		log.Error("dispatch failed", "error", err)
		d.sendChannel(ctx, m, fault.UserMessage(err))
	case fault.KindLLMTransient, fault.KindLLMPermanent:
		log.Warn("llm call failed", "kind", kind.String(), "error", err)
		d.sendChannel(ctx, m, generationErrorMessage(p, err))
	case fault.KindSendFailed:
		log.Error("delivery failed", "error", err)
		d.sendChannel(ctx, m, fault.UserMessage(err))
	default:
		log.Info("request refused", "kind", kind.String())
		d.sendChannel(ctx, m, fault.UserMessage(err))
	}
}

// generationErrorMessage prefers the responding personality's bespoke error
// text, however it was resolved — mention, binding, activation or
// auto-respond.
func generationErrorMessage(p *personality.Personality, err error) string {
	if p != nil && p.ErrorMessage != "" {
		return p.ErrorMessage
	}
	return fault.UserMessage(err)
}

func (d *Dispatcher) sendChannel(ctx context.Context, m *platform.Message, content string) {
	if content == "" {
		return
	}
	if _, err := d.client.SendMessage(ctx, m.ChannelID, content); err != nil {
		d.log.Warn("could not deliver error message", "msg_id", m.ID, "error", err)
	}
}

func (d *Dispatcher) sendGuidanceDM(ctx context.Context, m *platform.Message, content string) {
	if _, err := d.client.SendDM(ctx, m.AuthorID, content); err != nil {
		d.sendChannel(ctx, m, content)
	}
}
