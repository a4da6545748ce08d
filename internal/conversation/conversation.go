// Package conversation tracks the three per-channel dialog indexes: channel
// activations, reply bindings from bot message ids back to the personality
// that produced them, and per-user auto-respond continuations.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

const (
	bindingTTL       = 30 * time.Minute
	defaultConvTTL   = 15 * time.Minute
	bindingCacheSize = 16384
	sweepInterval    = time.Minute
)

// Activation pins one personality to every non-command message in a channel.
type Activation struct {
	ChannelID     string
	PersonalityID string
	ActivatedBy   string
	ActivatedAt   time.Time
}

// Binding maps an emitted bot message back to the turn that produced it.
type Binding struct {
	ChannelID     string
	UserID        string
	PersonalityID string
	EmittedAt     time.Time
}

// ActivationStore persists activations so moderator state survives restarts.
type ActivationStore interface {
	ListActivations(ctx context.Context) ([]Activation, error)
	PutActivation(ctx context.Context, a Activation) error
	DeleteActivation(ctx context.Context, channelID string) error
}

type autoEntry struct {
	personalityID  string
	lastActivityAt time.Time
}

// State owns the three indexes. Activations have no TTL; bindings expire
// after 30 minutes; auto-respond entries after the conversation TTL.
type State struct {
	mu          sync.RWMutex
	activations map[string]Activation // channel id → activation
	auto        map[string]autoEntry  // channel|user → entry

	bindings *lru.Cache[string, Binding] // bot message id → binding

	store   ActivationStore
	convTTL time.Duration
	clock   clockwork.Clock
	log     *slog.Logger
}

// New builds an empty state. convTTL ≤ 0 falls back to the 15 minute default.
func New(store ActivationStore, convTTL time.Duration, clock clockwork.Clock, log *slog.Logger) *State {
	if convTTL <= 0 {
		convTTL = defaultConvTTL
	}
	bindings, _ := lru.New[string, Binding](bindingCacheSize)
	return &State{
		activations: map[string]Activation{},
		auto:        map[string]autoEntry{},
		bindings:    bindings,
		store:       store,
		convTTL:     convTTL,
		clock:       clock,
		log:         log.With(slog.String("component", "conversation")),
	}
}

// Load restores persisted activations.
func (s *State) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	acts, err := s.store.ListActivations(ctx)
	if err != nil {
		return fmt.Errorf("load activations: %w", err)
	}
	s.mu.Lock()
	for _, a := range acts {
		s.activations[a.ChannelID] = a
	}
	s.mu.Unlock()
	s.log.Info("activations loaded", "count", len(acts))
	return nil
}

// Activate pins a personality to the channel, replacing any prior pin.
func (s *State) Activate(ctx context.Context, a Activation) error {
	if a.ActivatedAt.IsZero() {
		a.ActivatedAt = s.clock.Now()
	}
	s.mu.Lock()
	s.activations[a.ChannelID] = a
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.PutActivation(ctx, a); err != nil {
			return fmt.Errorf("persist activation: %w", err)
		}
	}
	s.log.Info("channel activated",
		"channel_id", a.ChannelID,
		"personality_id", a.PersonalityID,
		"by_user_id", a.ActivatedBy,
	)
	return nil
}

// Deactivate removes the channel's pin. Removing a pin that does not exist
// is not an error.
func (s *State) Deactivate(ctx context.Context, channelID string) error {
	s.mu.Lock()
	_, had := s.activations[channelID]
	delete(s.activations, channelID)
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.DeleteActivation(ctx, channelID); err != nil {
			return fmt.Errorf("delete activation: %w", err)
		}
	}
	if had {
		s.log.Info("channel deactivated", "channel_id", channelID)
	}
	return nil
}

// ActivationFor returns the channel's pinned personality, if any.
func (s *State) ActivationFor(channelID string) (Activation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activations[channelID]
	return a, ok
}

// RecordBinding indexes an emitted bot message. Every chunk of a split
// reply is recorded, in emission order.
func (s *State) RecordBinding(botMessageID string, b Binding) {
	if b.EmittedAt.IsZero() {
		b.EmittedAt = s.clock.Now()
	}
	s.bindings.Add(botMessageID, b)
}

// BindingFor resolves a replied-to bot message id to the turn that emitted
// it. Expired entries report no binding. Bindings may point at personalities
// that have since been removed; validating that is the caller's business.
func (s *State) BindingFor(botMessageID string) (Binding, bool) {
	b, ok := s.bindings.Get(botMessageID)
	if !ok {
		return Binding{}, false
	}
	if s.clock.Now().Sub(b.EmittedAt) > bindingTTL {
		s.bindings.Remove(botMessageID)
		return Binding{}, false
	}
	return b, true
}

// TouchAuto refreshes the auto-respond continuation for (channel, user).
// Switching personality replaces the prior entry: at most one active dialog
// per (channel, user).
func (s *State) TouchAuto(channelID, userID, personalityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auto[autoKey(channelID, userID)] = autoEntry{
		personalityID:  personalityID,
		lastActivityAt: s.clock.Now(),
	}
}

// AutoFor returns the personality bound to the user's ongoing dialog in the
// channel, if the entry is still live.
func (s *State) AutoFor(channelID, userID string) (string, bool) {
	s.mu.RLock()
	e, ok := s.auto[autoKey(channelID, userID)]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if s.clock.Now().Sub(e.lastActivityAt) > s.convTTL {
		s.mu.Lock()
		// Recheck: a Touch may have raced the expiry.
		if cur, still := s.auto[autoKey(channelID, userID)]; still && cur == e {
			delete(s.auto, autoKey(channelID, userID))
		}
		s.mu.Unlock()
		return "", false
	}
	return e.personalityID, true
}

// ClearAuto drops the user's continuation in the channel (explicit reset).
func (s *State) ClearAuto(channelID, userID string) {
	s.mu.Lock()
	delete(s.auto, autoKey(channelID, userID))
	s.mu.Unlock()
}

// ActiveConversations counts live auto-respond entries, for the status
// endpoint.
func (s *State) ActiveConversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	n := 0
	for _, e := range s.auto {
		if now.Sub(e.lastActivityAt) <= s.convTTL {
			n++
		}
	}
	return n
}

// Run sweeps expired auto entries and bindings until ctx is done.
func (s *State) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sweep()
		}
	}
}

func (s *State) sweep() {
	now := s.clock.Now()

	s.mu.Lock()
	for key, e := range s.auto {
		if now.Sub(e.lastActivityAt) > s.convTTL {
			delete(s.auto, key)
		}
	}
	s.mu.Unlock()

	for _, id := range s.bindings.Keys() {
		if b, ok := s.bindings.Peek(id); ok && now.Sub(b.EmittedAt) > bindingTTL {
			s.bindings.Remove(id)
		}
	}
}

func autoKey(channelID, userID string) string {
	return channelID + "|" + userID
}
