// Package sqlite is the embedded relational store: auth tokens, user
// preferences, and channel activations. The schema lives in embedded
// migrations applied on open (and manageable via the migrate command).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/masqhq/masq/internal/auth"
	"github.com/masqhq/masq/internal/conversation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps one sqlite database file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is in-process; one writer connection avoids lock churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Migrator builds a migrate instance over the embedded migrations, for the
// migrate command tree.
func Migrator(path string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func (s *Store) migrateUp() error {
	m, err := Migrator(s.path)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// GetToken implements auth.Repository.
func (s *Store) GetToken(ctx context.Context, userID string) (*auth.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, refresh_token, expires_at FROM auth_tokens WHERE user_id = ?`, userID)
	var (
		rec     auth.Record
		expires int64
	)
	rec.UserID = userID
	if err := row.Scan(&rec.Token, &rec.RefreshToken, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select token: %w", err)
	}
	if expires > 0 {
		rec.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	return &rec, nil
}

// PutToken implements auth.Repository.
func (s *Store) PutToken(ctx context.Context, rec auth.Record) error {
	var expires int64
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (user_id, token, refresh_token, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   token = excluded.token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		rec.UserID, rec.Token, rec.RefreshToken, expires, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// DeleteToken implements auth.Repository.
func (s *Store) DeleteToken(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// GetPrefs implements conversation.PrefsStore; unset users report the
// zero-valued defaults.
func (s *Store) GetPrefs(ctx context.Context, userID string) (conversation.UserPrefs, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT auto_respond, nsfw_verified FROM user_prefs WHERE user_id = ?`, userID)
	var p conversation.UserPrefs
	if err := row.Scan(&p.AutoRespond, &p.NSFWVerified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.UserPrefs{}, nil
		}
		return conversation.UserPrefs{}, fmt.Errorf("select prefs: %w", err)
	}
	return p, nil
}

// SetAutoRespond toggles the user's auto-respond preference.
func (s *Store) SetAutoRespond(ctx context.Context, userID string, on bool) error {
	return s.upsertPref(ctx, userID, "auto_respond", on)
}

// SetNSFWVerified records the user's explicit age verification.
func (s *Store) SetNSFWVerified(ctx context.Context, userID string, on bool) error {
	return s.upsertPref(ctx, userID, "nsfw_verified", on)
}

func (s *Store) upsertPref(ctx context.Context, userID, column string, on bool) error {
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(
		`INSERT INTO user_prefs (user_id, %[1]s) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET %[1]s = excluded.%[1]s`, column)
	if _, err := s.db.ExecContext(ctx, query, userID, on); err != nil {
		return fmt.Errorf("upsert %s: %w", column, err)
	}
	return nil
}

// ListActivations implements conversation.ActivationStore.
func (s *Store) ListActivations(ctx context.Context) ([]conversation.Activation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, personality_id, activated_by, activated_at FROM channel_activations`)
	if err != nil {
		return nil, fmt.Errorf("select activations: %w", err)
	}
	defer rows.Close()

	var out []conversation.Activation
	for rows.Next() {
		var (
			a  conversation.Activation
			at int64
		)
		if err := rows.Scan(&a.ChannelID, &a.PersonalityID, &a.ActivatedBy, &at); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		a.ActivatedAt = time.Unix(at, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutActivation implements conversation.ActivationStore.
func (s *Store) PutActivation(ctx context.Context, a conversation.Activation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_activations (channel_id, personality_id, activated_by, activated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   personality_id = excluded.personality_id,
		   activated_by = excluded.activated_by,
		   activated_at = excluded.activated_at`,
		a.ChannelID, a.PersonalityID, a.ActivatedBy, a.ActivatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert activation: %w", err)
	}
	return nil
}

// DeleteActivation implements conversation.ActivationStore.
func (s *Store) DeleteActivation(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_activations WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("delete activation: %w", err)
	}
	return nil
}
