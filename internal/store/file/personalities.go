// Package file persists the personality document as a single JSON file with
// atomic replacement, migrates the legacy flat shape on first load, and
// watches for external edits.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/masqhq/masq/internal/personality"
)

// PersonalityStore reads and writes one personality document.
type PersonalityStore struct {
	path string
	log  *slog.Logger

	mu        sync.Mutex
	lastSaved string // hash of our last write, to ignore self-triggered watch events
}

// NewPersonalityStore builds a store at path, creating the parent directory.
func NewPersonalityStore(path string, log *slog.Logger) (*PersonalityStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &PersonalityStore{
		path: path,
		log:  log.With(slog.String("component", "personality_store")),
	}, nil
}

// Path returns the document location.
func (s *PersonalityStore) Path() string { return s.path }

// Load reads the document. A missing file yields an empty document. The
// legacy flat shape is detected, backed up beside the file and rewritten in
// the current shape before returning.
func (s *PersonalityStore) Load(ctx context.Context) (*personality.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return personality.NewDocument(), nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	if isLegacyShape(data) {
		doc, err := s.migrateLegacy(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("migrate legacy store: %w", err)
		}
		return doc, nil
	}

	doc := personality.NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.Aliases.Global == nil {
		doc.Aliases.Global = map[string]string{}
	}
	if doc.Aliases.User == nil {
		doc.Aliases.User = map[string]map[string]string{}
	}
	return doc, nil
}

// Save atomically replaces the document: write to a temp file in the same
// directory, sync, rename.
func (s *PersonalityStore) Save(ctx context.Context, doc *personality.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmpFile, err := os.CreateTemp(dir, "personalities-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false

	s.mu.Lock()
	s.lastSaved = contentHash(data)
	s.mu.Unlock()
	return nil
}

// Watch invokes onChange when the document is modified by something other
// than this process. Events are debounced; self-writes are recognized by
// content hash and skipped. Blocks until ctx is done.
func (s *PersonalityStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	fire := func() {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return
		}
		s.mu.Lock()
		self := s.lastSaved != "" && s.lastSaved == contentHash(data)
		s.mu.Unlock()
		if self {
			return
		}
		s.log.Info("personality document changed on disk, reloading")
		onChange()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Writers replace via rename, so several events arrive per save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, fire)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", "error", err)
		}
	}
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// legacyRecord is one entry of the pre-document flat shape:
// { "<name>": { "fullName": ..., "addedBy": ..., ... } }.
type legacyRecord struct {
	FullName     string          `json:"fullName"`
	DisplayName  string          `json:"displayName"`
	AvatarURL    string          `json:"avatarUrl"`
	ErrorMessage string          `json:"errorMessage"`
	AddedBy      string          `json:"addedBy"`
	AddedAt      json.RawMessage `json:"addedAt"`
}

// isLegacyShape detects the flat map: no "personalities" key, and at least
// one value carrying fullName or addedBy.
func isLegacyShape(data []byte) bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return false
	}
	if _, ok := raw["personalities"]; ok {
		return false
	}
	for _, v := range raw {
		var rec legacyRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if rec.FullName != "" || rec.AddedBy != "" {
			return true
		}
	}
	return false
}

// migrateLegacy converts the flat shape, writes a backup beside the file,
// and persists the converted document.
func (s *PersonalityStore) migrateLegacy(ctx context.Context, data []byte) (*personality.Document, error) {
	var raw map[string]legacyRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse legacy shape: %w", err)
	}

	backup := strings.TrimSuffix(s.path, filepath.Ext(s.path)) + ".legacy.json"
	if err := os.WriteFile(backup, data, 0600); err != nil {
		return nil, fmt.Errorf("write legacy backup: %w", err)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := personality.NewDocument()
	for _, key := range keys {
		rec := raw[key]
		id := rec.FullName
		if id == "" {
			id = key
		}
		name := rec.DisplayName
		if name == "" {
			name = key
		}
		doc.Personalities = append(doc.Personalities, &personality.Personality{
			ID:           id,
			DisplayName:  name,
			AvatarURL:    rec.AvatarURL,
			ErrorMessage: rec.ErrorMessage,
			OwnerUserID:  rec.AddedBy,
			AddedAt:      parseLegacyTime(rec.AddedAt),
		})
		// The map key doubled as the short name users typed.
		if folded := personality.Fold(key); folded != personality.Fold(id) {
			doc.Aliases.Global[folded] = id
		}
		if folded := personality.Fold(name); folded != "" {
			doc.Aliases.Global[folded] = id
		}
	}

	if err := s.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("save migrated store: %w", err)
	}
	s.log.Info("migrated legacy personality store", "count", len(doc.Personalities), "backup", backup)
	return doc, nil
}

// parseLegacyTime accepts epoch milliseconds or RFC3339; anything else is zero.
func parseLegacyTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			return t
		}
	}
	return time.Time{}
}
