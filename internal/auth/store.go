// Package auth holds per-user credentials for the inference endpoint and
// the OAuth round-trip that obtains them. All credential state is owned by
// a single actor task; callers never touch records directly.
//
// The isolation rule this package exists to uphold: the token used for a
// request is always the *real* author's, resolved by the identity tracker —
// never the token of whoever originally invoked an impersonation.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/masqhq/masq/internal/fault"
)

// Record is one user's credential set. Secrets; never logged.
type Record struct {
	UserID       string
	Token        string
	RefreshToken string
	ExpiresAt    time.Time // zero means no known expiry
}

// Repository persists records. Implemented by the sqlite store.
type Repository interface {
	GetToken(ctx context.Context, userID string) (*Record, error) // nil, nil when absent
	PutToken(ctx context.Context, rec Record) error
	DeleteToken(ctx context.Context, userID string) error
}

// OAuthClient is the external token service contract.
type OAuthClient interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code, userID string) (*Grant, error)
	ValidateToken(ctx context.Context, token string) (valid bool, userID string, err error)
	RefreshToken(ctx context.Context, refreshToken string) (*Grant, error)
	RevokeToken(ctx context.Context, token string) error
}

// Grant is what the token service hands back.
type Grant struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

// expirySlack refreshes tokens slightly before their stated expiry so a
// request never races the deadline.
const expirySlack = 30 * time.Second

type op func(ctx context.Context)

// Store is the credential actor.
type Store struct {
	ops   chan op
	repo  Repository
	oauth OAuthClient
	clock clockwork.Clock
	log   *slog.Logger
}

// New builds the store. oauth may be nil when no token service is
// configured; auth flows then fail with NotAuthenticated guidance.
func New(repo Repository, oauth OAuthClient, clock clockwork.Clock, log *slog.Logger) *Store {
	return &Store{
		ops:   make(chan op, 64),
		repo:  repo,
		oauth: oauth,
		clock: clock,
		log:   log.With(slog.String("component", "auth")),
	}
}

// Run executes queued operations until ctx is done. All repository access
// happens on this task.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.ops:
			fn(ctx)
		}
	}
}

// do runs fn on the actor and waits for completion.
func (s *Store) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case s.ops <- func(opCtx context.Context) { done <- fn(opCtx) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetToken returns a usable token for the real author of a message. An
// expired token with a refresh token is refreshed in place; anything else
// missing or stale yields NotAuthenticated.
func (s *Store) GetToken(ctx context.Context, realUserID string) (string, error) {
	if realUserID == "" {
		return "", fault.New(fault.KindNotAuthenticated, "")
	}
	var token string
	err := s.do(ctx, func(opCtx context.Context) error {
		rec, err := s.repo.GetToken(opCtx, realUserID)
		if err != nil {
			return fault.Wrap(fault.KindInternal, err)
		}
		if rec == nil {
			return fault.New(fault.KindNotAuthenticated, "")
		}
		if rec.ExpiresAt.IsZero() || s.clock.Now().Add(expirySlack).Before(rec.ExpiresAt) {
			token = rec.Token
			return nil
		}
		refreshed, err := s.refreshLocked(opCtx, rec)
		if err != nil {
			return err
		}
		token = refreshed
		return nil
	})
	return token, err
}

// refreshLocked exchanges the refresh token for fresh credentials and
// persists them. Runs on the actor.
func (s *Store) refreshLocked(ctx context.Context, rec *Record) (string, error) {
	if rec.RefreshToken == "" || s.oauth == nil {
		return "", fault.New(fault.KindNotAuthenticated, "")
	}
	grant, err := s.oauth.RefreshToken(ctx, rec.RefreshToken)
	if err != nil {
		s.log.Warn("token refresh failed", "user_id", rec.UserID, "error", err)
		return "", fault.Wrap(fault.KindNotAuthenticated, err)
	}
	updated := Record{
		UserID:       rec.UserID,
		Token:        grant.Token,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = rec.RefreshToken
	}
	if err := s.repo.PutToken(ctx, updated); err != nil {
		return "", fault.Wrap(fault.KindInternal, err)
	}
	s.log.Info("token refreshed", "user_id", rec.UserID)
	return updated.Token, nil
}

// SetToken stores credentials for a user.
func (s *Store) SetToken(ctx context.Context, userID string, grant Grant) error {
	return s.do(ctx, func(opCtx context.Context) error {
		rec := Record{
			UserID:       userID,
			Token:        grant.Token,
			RefreshToken: grant.RefreshToken,
			ExpiresAt:    grant.ExpiresAt,
		}
		if err := s.repo.PutToken(opCtx, rec); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
		s.log.Info("token stored", "user_id", userID)
		return nil
	})
}

// HasToken reports whether the user has stored credentials, without
// touching expiry or refresh.
func (s *Store) HasToken(ctx context.Context, userID string) (bool, time.Time, error) {
	var (
		has     bool
		expires time.Time
	)
	err := s.do(ctx, func(opCtx context.Context) error {
		rec, err := s.repo.GetToken(opCtx, userID)
		if err != nil {
			return err
		}
		if rec != nil {
			has = true
			expires = rec.ExpiresAt
		}
		return nil
	})
	return has, expires, err
}

// Revoke drops the user's credentials, best-effort revoking them at the
// token service first.
func (s *Store) Revoke(ctx context.Context, userID string) error {
	return s.do(ctx, func(opCtx context.Context) error {
		rec, err := s.repo.GetToken(opCtx, userID)
		if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
		if rec == nil {
			return nil
		}
		if s.oauth != nil {
			if err := s.oauth.RevokeToken(opCtx, rec.Token); err != nil {
				s.log.Warn("remote revoke failed", "user_id", userID, "error", err)
			}
		}
		if err := s.repo.DeleteToken(opCtx, userID); err != nil {
			return fmt.Errorf("delete token: %w", err)
		}
		s.log.Info("token revoked", "user_id", userID)
		return nil
	})
}
