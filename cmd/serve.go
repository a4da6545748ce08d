package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/masqhq/masq/internal/auth"
	"github.com/masqhq/masq/internal/coalesce"
	"github.com/masqhq/masq/internal/command"
	"github.com/masqhq/masq/internal/config"
	"github.com/masqhq/masq/internal/conversation"
	"github.com/masqhq/masq/internal/dedup"
	"github.com/masqhq/masq/internal/dispatch"
	"github.com/masqhq/masq/internal/identity"
	"github.com/masqhq/masq/internal/llm"
	"github.com/masqhq/masq/internal/personality"
	"github.com/masqhq/masq/internal/platform"
	"github.com/masqhq/masq/internal/platform/discord"
	"github.com/masqhq/masq/internal/refchain"
	"github.com/masqhq/masq/internal/status"
	"github.com/masqhq/masq/internal/store/file"
	"github.com/masqhq/masq/internal/store/sqlite"
	"github.com/masqhq/masq/internal/telemetry"
	"github.com/masqhq/masq/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// runServe boots the component graph and blocks until shutdown.
// Exit codes: 0 clean shutdown, 1 bootstrap failure, 2 irrecoverable runtime.
func runServe() {
	setupLogging()
	log := slog.Default()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("config invalid", "error", err)
		os.Exit(1)
	}
	log.Info("config loaded", "path", resolveConfigPath(), "hash", cfg.Hash())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	db, err := sqlite.Open(cfg.DataPath("masq.db"))
	if err != nil {
		log.Error("sqlite open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	docStore, err := file.NewPersonalityStore(cfg.DataPath("personalities.json"), log)
	if err != nil {
		log.Error("personality store init failed", "error", err)
		os.Exit(1)
	}
	registry := personality.New(docStore, log)
	if err := registry.Load(ctx); err != nil {
		log.Error("personality load failed", "error", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()
	deduper := dedup.New(dedup.Config{MessageTTL: cfg.DedupWindow()}, clock, log)
	conv := conversation.New(db, cfg.ConvTTL(), clock, log)
	if err := conv.Load(ctx); err != nil {
		log.Error("activation load failed", "error", err)
		os.Exit(1)
	}

	tracker := identity.New(identity.Config{
		SelfBotID:        cfg.Discord.SelfBotID,
		ProxyAppIDs:      cfg.Proxy.KnownAppIDs,
		UsernamePatterns: cfg.Proxy.UsernamePatterns,
		FooterPatterns:   cfg.Proxy.FooterPatterns,
	}, registry, log)

	var oauthClient auth.OAuthClient
	if cfg.OAuth.BaseURL != "" {
		oauthClient = auth.NewHTTPOAuthClient(cfg.OAuth.BaseURL, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.RedirectURI)
	}
	tokens := auth.New(db, oauthClient, clock, log)

	coalescer := coalesce.New(ctx, coalesce.Config{Timeout: cfg.RequestTimeout()}, clock, log)
	llmClient := llm.New(cfg.LLM.Endpoint, cfg.LLM.Model, cfg.RequestTimeout())

	// The adapter's sink references the dispatcher, which in turn needs
	// the adapter as its platform client; bind through a late variable.
	var dispatcher *dispatch.Dispatcher
	adapter, err := discord.New(cfg.Discord.Token, func(m *platform.Message) {
		dispatcher.Enqueue(m)
	}, log)
	if err != nil {
		log.Error("discord adapter init failed", "error", err)
		os.Exit(1)
	}
	tracker.SetOwnerLookup(adapter)

	sender := webhook.New(adapter, conv, tracker, webhook.Config{
		SelfBotID:    cfg.Discord.SelfBotID,
		SentinelName: cfg.Webhook.SentinelName,
		MaxChars:     cfg.Webhook.MaxMessageChars,
		SendsPerMin:  cfg.Webhook.SendsPerChannelPM,
	}, log)
	resolver := refchain.New(adapter, registry, cfg.Limits.MaxRefDepth, cfg.Limits.MaxMediaPerRequest, log)
	commands := command.New(registry, deduper, tokens, oauthClient, conv, db, adapter, cfg.Commands.Prefix, log)
	dispatcher = dispatch.New(tracker, deduper, commands, registry, conv, db, tokens, resolver, coalescer, llmClient, sender, adapter, log)

	if err := adapter.Start(ctx); err != nil {
		log.Error("discord connection failed", "error", err)
		os.Exit(1)
	}
	tracker.SetSelfBotID(adapter.BotUserID())

	var statusServer *status.Server
	if cfg.Status.Port > 0 {
		statusServer = status.New(cfg.Status.Host, cfg.Status.Port, Version, status.Stats{
			Personalities:       registry.Count,
			ActiveConversations: conv.ActiveConversations,
			InFlightRequests:    coalescer.InFlight,
		}, log)
		if err := statusServer.Start(); err != nil {
			log.Error("status server failed to start", "error", err)
			os.Exit(1)
		}
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(runCtx) })
	g.Go(func() error { return tokens.Run(runCtx) })
	g.Go(func() error { return dispatcher.Run(runCtx) })
	g.Go(func() error {
		return docStore.Watch(runCtx, func() {
			if err := registry.Load(runCtx); err != nil {
				log.Warn("personality reload failed", "error", err)
			}
		})
	})
	g.Go(func() error { deduper.Run(runCtx); return nil })
	g.Go(func() error { conv.Run(runCtx); return nil })
	g.Go(func() error { coalescer.Run(runCtx); return nil })

	log.Info("masq running", "version", Version, "personalities", registry.Count())
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if stopErr := adapter.Stop(shutdownCtx); stopErr != nil {
		log.Warn("discord shutdown error", "error", stopErr)
	}
	if statusServer != nil {
		if stopErr := statusServer.Shutdown(shutdownCtx); stopErr != nil {
			log.Warn("status shutdown error", "error", stopErr)
		}
	}
	if stopErr := shutdownTracing(shutdownCtx); stopErr != nil {
		log.Warn("telemetry shutdown error", "error", stopErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("irrecoverable runtime failure", "error", err)
		os.Exit(2)
	}
	log.Info("shutdown complete")
}
