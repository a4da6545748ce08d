package personality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrIDExists rejects an add whose id is already registered.
	ErrIDExists = errors.New("personality id already exists")
	// ErrNotFound marks a lookup or mutation against an unknown personality.
	ErrNotFound = errors.New("personality not found")
	// ErrAliasTaken rejects a user alias colliding with a global alias that
	// points at a different personality.
	ErrAliasTaken = errors.New("alias already taken globally")
	// ErrNotOwner rejects a remove by someone who neither owns the
	// personality nor holds moderator permission.
	ErrNotOwner = errors.New("not the owner")
)

// Store persists registry documents. Implemented by store/file.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// Registry resolves names and aliases to personalities and serializes all
// persistence through a single writer task. Reads take a shared lock and see
// one consistent snapshot per call.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Personality
	global map[string]string            // folded alias → id
	user   map[string]map[string]string // user id → folded alias → id

	// name indexes; most-recently-added wins on collision
	nameExact  map[string]string // displayName as-is → id
	nameFolded map[string]string // folded displayName → id

	nextSeq uint64

	store Store
	saves chan struct{} // coalesced save signal for the writer task
	log   *slog.Logger
}

// New builds an empty registry backed by store.
func New(store Store, log *slog.Logger) *Registry {
	return &Registry{
		byID:       map[string]*Personality{},
		global:     map[string]string{},
		user:       map[string]map[string]string{},
		nameExact:  map[string]string{},
		nameFolded: map[string]string{},
		store:      store,
		saves:      make(chan struct{}, 1),
		log:        log.With(slog.String("component", "personality")),
	}
}

// Load replaces in-memory state from the store. Document array order is the
// add order, oldest first. Aliases pointing at unknown ids are dropped.
func (r *Registry) Load(ctx context.Context) error {
	doc, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load personalities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]*Personality, len(doc.Personalities))
	r.global = map[string]string{}
	r.user = map[string]map[string]string{}
	r.nextSeq = 0
	for _, p := range doc.Personalities {
		if p.ID == "" {
			continue
		}
		r.nextSeq++
		p.seq = r.nextSeq
		r.byID[p.ID] = p
	}
	for alias, id := range doc.Aliases.Global {
		if _, ok := r.byID[id]; !ok {
			r.log.Warn("dropping dangling global alias", "alias", alias)
			continue
		}
		r.global[Fold(alias)] = id
	}
	for userID, m := range doc.Aliases.User {
		for alias, id := range m {
			if _, ok := r.byID[id]; !ok {
				r.log.Warn("dropping dangling user alias", "alias", alias, "user_id", userID)
				continue
			}
			if r.user[userID] == nil {
				r.user[userID] = map[string]string{}
			}
			r.user[userID][Fold(alias)] = id
		}
	}
	r.rebuildNameIndexes()

	r.log.Info("personalities loaded", "count", len(r.byID))
	return nil
}

// Run is the writer task: it drains save signals and persists a snapshot per
// signal. Burst mutations coalesce into one write. Returns when ctx is done,
// flushing a final pending snapshot.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-r.saves:
				r.persist(context.Background())
			default:
			}
			return ctx.Err()
		case <-r.saves:
			r.persist(ctx)
		}
	}
}

func (r *Registry) persist(ctx context.Context) {
	doc := r.Snapshot()
	if err := r.store.Save(ctx, doc); err != nil {
		r.log.Error("persist failed", "error", err)
	}
}

// Snapshot copies current state into a Document, personalities ordered by
// add sequence.
func (r *Registry) Snapshot() *Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc := NewDocument()
	doc.Personalities = make([]*Personality, 0, len(r.byID))
	for _, p := range r.byID {
		cp := *p
		doc.Personalities = append(doc.Personalities, &cp)
	}
	sort.Slice(doc.Personalities, func(i, j int) bool {
		return doc.Personalities[i].seq < doc.Personalities[j].seq
	})
	for alias, id := range r.global {
		doc.Aliases.Global[alias] = id
	}
	for userID, m := range r.user {
		cp := make(map[string]string, len(m))
		for alias, id := range m {
			cp[alias] = id
		}
		doc.Aliases.User[userID] = cp
	}
	return doc
}

// signalSave queues a persist without blocking; a pending signal already
// covers this mutation because the writer snapshots at save time.
func (r *Registry) signalSave() {
	select {
	case r.saves <- struct{}{}:
	default:
	}
}

// Get returns the personality with the exact id.
func (r *Registry) Get(id string) (*Personality, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Lookup resolves a name or alias for the given user. Precedence: exact id,
// exact display name, user-scoped alias, global alias, then the case-folded
// fallback over the same ranks. Ties within a rank go to the
// most-recently-added personality.
func (r *Registry) Lookup(nameOrAlias, userID string) (*Personality, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p := r.lookupRanked(nameOrAlias, userID, false); p != nil {
		cp := *p
		return &cp, true
	}
	folded := Fold(nameOrAlias)
	if folded != nameOrAlias {
		if p := r.lookupRanked(folded, userID, true); p != nil {
			cp := *p
			return &cp, true
		}
	}
	return nil, false
}

func (r *Registry) lookupRanked(key, userID string, folded bool) *Personality {
	if p, ok := r.byID[key]; ok {
		return p
	}
	names := r.nameExact
	if folded {
		names = r.nameFolded
	}
	if id, ok := names[key]; ok {
		return r.byID[id]
	}
	if m, ok := r.user[userID]; ok {
		if id, ok := m[key]; ok {
			return r.byID[id]
		}
	}
	if id, ok := r.global[key]; ok {
		return r.byID[id]
	}
	return nil
}

// HasDisplayName reports whether any personality currently uses the given
// display name (exact, then case-folded). Used to recognize our own webhook
// messages when platform metadata is stripped.
func (r *Registry) HasDisplayName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.nameExact[name]; ok {
		return id, true
	}
	if id, ok := r.nameFolded[Fold(name)]; ok {
		return id, true
	}
	return "", false
}

// List returns all personalities in add order.
func (r *Registry) List() []*Personality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Personality, 0, len(r.byID))
	for _, p := range r.byID {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Count returns the number of registered personalities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Add registers a new personality and derives its auto-aliases: the folded
// display name, plus the folded first word of a multi-word display name when
// it is at least three runes. Auto-aliases are global; collisions rebind to
// the newcomer per the recency tie rule.
func (r *Registry) Add(p *Personality) error {
	if p.ID == "" {
		return errors.New("personality id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrIDExists, p.ID)
	}
	r.nextSeq++
	cp := *p
	cp.seq = r.nextSeq
	r.byID[cp.ID] = &cp

	for _, alias := range autoAliases(cp.DisplayName) {
		r.global[alias] = cp.ID
	}
	r.indexName(&cp)

	r.signalSave()
	r.log.Info("personality added", "id", cp.ID, "display_name", cp.DisplayName, "owner_id", cp.OwnerUserID)
	return nil
}

// AddUserAlias binds alias → personality for one user. Rejects when a global
// alias with the same folded form points at a different personality.
func (r *Registry) AddUserAlias(userID, alias, personalityID string) error {
	folded := Fold(alias)
	if folded == "" {
		return errors.New("alias required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[personalityID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, personalityID)
	}
	if gid, ok := r.global[folded]; ok && gid != personalityID {
		return fmt.Errorf("%w: %s", ErrAliasTaken, folded)
	}
	if r.user[userID] == nil {
		r.user[userID] = map[string]string{}
	}
	r.user[userID][folded] = personalityID

	r.signalSave()
	r.log.Info("user alias added", "alias", folded, "user_id", userID, "personality_id", personalityID)
	return nil
}

// Remove hard-deletes a personality and purges every alias pointing at it in
// both scopes. Only the owner or a moderator may remove.
func (r *Registry) Remove(id, byUserID string, isModerator bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.OwnerUserID != byUserID && !isModerator {
		return ErrNotOwner
	}

	delete(r.byID, id)
	for alias, target := range r.global {
		if target == id {
			delete(r.global, alias)
		}
	}
	for userID, m := range r.user {
		for alias, target := range m {
			if target == id {
				delete(m, alias)
			}
		}
		if len(m) == 0 {
			delete(r.user, userID)
		}
	}
	r.rebuildNameIndexes()

	r.signalSave()
	r.log.Info("personality removed", "id", id, "by_user_id", byUserID)
	return nil
}

// indexName records p in both name indexes; later adds overwrite.
func (r *Registry) indexName(p *Personality) {
	if p.DisplayName == "" {
		return
	}
	r.nameExact[p.DisplayName] = p.ID
	r.nameFolded[Fold(p.DisplayName)] = p.ID
}

// rebuildNameIndexes recomputes both name indexes from scratch, keeping the
// most-recently-added personality for each name.
func (r *Registry) rebuildNameIndexes() {
	r.nameExact = map[string]string{}
	r.nameFolded = map[string]string{}
	ordered := make([]*Personality, 0, len(r.byID))
	for _, p := range r.byID {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	for _, p := range ordered {
		r.indexName(p)
	}
}

// autoAliases derives the global aliases created alongside a personality.
func autoAliases(displayName string) []string {
	folded := Fold(displayName)
	if folded == "" {
		return nil
	}
	aliases := []string{folded}
	if fields := strings.Fields(folded); len(fields) > 1 && len([]rune(fields[0])) >= 3 {
		aliases = append(aliases, fields[0])
	}
	return aliases
}
