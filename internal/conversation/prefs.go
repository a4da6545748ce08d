package conversation

import "context"

// UserPrefs is one user's stored preference set. Defaults are all false:
// auto-respond is opt-in, and age verification is explicit.
type UserPrefs struct {
	AutoRespond  bool
	NSFWVerified bool
}

// PrefsStore persists per-user preferences. Implemented by the sqlite store.
type PrefsStore interface {
	GetPrefs(ctx context.Context, userID string) (UserPrefs, error)
	SetAutoRespond(ctx context.Context, userID string, on bool) error
	SetNSFWVerified(ctx context.Context, userID string, on bool) error
}
