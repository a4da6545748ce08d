// Package dedup rejects re-deliveries and concurrent duplicates. Four
// independently keyed TTL scopes cover platform message re-delivery,
// double-tapped commands, racing info embeds, and repeated add commands.
package dedup

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

const (
	defaultMessageTTL = 30 * time.Second
	defaultCommandTTL = 3 * time.Second
	defaultEmbedTTL   = 5 * time.Second
	defaultAddTTL     = 30 * time.Minute

	messageCacheSize = 8192
	scopeCacheSize   = 1024

	sweepInterval = 30 * time.Second
)

// Config sets the per-scope TTLs. Zero values fall back to defaults.
type Config struct {
	MessageTTL time.Duration // platform re-delivery window
	CommandTTL time.Duration // double-tap window for identical commands
	EmbedTTL   time.Duration // racing duplicate embed window
	AddTTL     time.Duration // completed personality-add window
}

// ttlSet is a bounded set whose members expire after a fixed TTL.
// Mark-and-check is atomic under one mutex.
type ttlSet struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time] // key → expiry
	ttl   time.Duration
	clock clockwork.Clock
}

func newTTLSet(ttl time.Duration, size int, clock clockwork.Clock) *ttlSet {
	cache, _ := lru.New[string, time.Time](size)
	return &ttlSet{cache: cache, ttl: ttl, clock: clock}
}

// markOnce returns true exactly once per key per TTL window: the first
// caller marks and wins, concurrent callers with the same key lose.
func (s *ttlSet) markOnce(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if exp, ok := s.cache.Get(key); ok {
		if now.Before(exp) {
			return false
		}
		s.cache.Remove(key)
	}
	s.cache.Add(key, now.Add(s.ttl))
	return true
}

// contains reports a live mark without creating one. Expired entries are
// dropped on the way out.
func (s *ttlSet) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.cache.Get(key)
	if !ok {
		return false
	}
	if s.clock.Now().Before(exp) {
		return true
	}
	s.cache.Remove(key)
	return false
}

func (s *ttlSet) mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, s.clock.Now().Add(s.ttl))
}

func (s *ttlSet) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
}

func (s *ttlSet) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for _, key := range s.cache.Keys() {
		if exp, ok := s.cache.Peek(key); ok && !now.Before(exp) {
			s.cache.Remove(key)
			removed++
		}
	}
	return removed
}

func (s *ttlSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Deduplicator owns the four scopes.
type Deduplicator struct {
	messages *ttlSet
	commands *ttlSet
	embeds   *ttlSet
	adds     *ttlSet
	log      *slog.Logger
}

// New builds a Deduplicator with the given windows.
func New(cfg Config, clock clockwork.Clock, log *slog.Logger) *Deduplicator {
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = defaultMessageTTL
	}
	if cfg.CommandTTL <= 0 {
		cfg.CommandTTL = defaultCommandTTL
	}
	if cfg.EmbedTTL <= 0 {
		cfg.EmbedTTL = defaultEmbedTTL
	}
	if cfg.AddTTL <= 0 {
		cfg.AddTTL = defaultAddTTL
	}
	return &Deduplicator{
		messages: newTTLSet(cfg.MessageTTL, messageCacheSize, clock),
		commands: newTTLSet(cfg.CommandTTL, scopeCacheSize, clock),
		embeds:   newTTLSet(cfg.EmbedTTL, scopeCacheSize, clock),
		adds:     newTTLSet(cfg.AddTTL, scopeCacheSize, clock),
		log:      log.With(slog.String("component", "dedup")),
	}
}

// ShouldProcess marks the message id and reports whether this is its first
// delivery inside the window. Exactly one of N concurrent calls with the
// same id returns true.
func (d *Deduplicator) ShouldProcess(messageID string) bool {
	return d.messages.markOnce(messageID)
}

// MarkCommand reports whether (user, command, args) is fresh within the
// double-tap window, marking it if so.
func (d *Deduplicator) MarkCommand(userID, command string, args []string) bool {
	key := userID + "|" + command + "|" + strings.Join(args, " ")
	return d.commands.markOnce(key)
}

// MarkEmbed reports whether an embed of the given purpose has already been
// emitted in response to replyToID, marking it if not.
func (d *Deduplicator) MarkEmbed(replyToID, purpose string) bool {
	return d.embeds.markOnce(replyToID + "|" + purpose)
}

// AddCompleted reports whether a personality add by this user already
// succeeded within the completion window.
func (d *Deduplicator) AddCompleted(userID, personalityName string) bool {
	return d.adds.contains(addKey(userID, personalityName))
}

// MarkAddCompleted records a successful add so event retries do not re-run it.
func (d *Deduplicator) MarkAddCompleted(userID, personalityName string) {
	d.adds.mark(addKey(userID, personalityName))
}

// ClearAddCompleted drops the completion mark, called on remove.
func (d *Deduplicator) ClearAddCompleted(userID, personalityName string) {
	d.adds.forget(addKey(userID, personalityName))
}

func addKey(userID, personalityName string) string {
	return userID + "|" + strings.ToLower(personalityName)
}

// Run sweeps expired entries until ctx is done. Entries also self-expire on
// access, so the sweep only bounds memory between touches.
func (d *Deduplicator) Run(ctx context.Context) {
	ticker := d.messages.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			removed := 0
			for _, s := range []*ttlSet{d.messages, d.commands, d.embeds, d.adds} {
				removed += s.sweep()
			}
			if removed > 0 {
				d.log.Debug("swept expired dedup entries", "removed", removed)
			}
		}
	}
}
