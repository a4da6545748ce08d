// Package personality owns the personality set and alias maps: the units
// users talk to, each impersonated on send via a display name and avatar.
package personality

import (
	"strings"
	"time"
)

// Personality is one registered persona.
type Personality struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"` // bespoke fallback text for failed turns
	OwnerUserID  string    `json:"ownerUserId"`
	AddedAt      time.Time `json:"addedAt"`

	// seq ranks recency for lookup tie-breaks. Assigned in load/add order,
	// never persisted; the document's array order carries it across restarts.
	seq uint64
}

// Document is the persisted JSON shape of the registry.
type Document struct {
	Personalities []*Personality `json:"personalities"`
	Aliases       AliasDoc       `json:"aliases"`
}

// AliasDoc holds both alias scopes. Keys are case-folded.
type AliasDoc struct {
	Global map[string]string            `json:"global"` // alias → personality id
	User   map[string]map[string]string `json:"user"`   // user id → alias → personality id
}

// NewDocument returns an empty document with maps allocated.
func NewDocument() *Document {
	return &Document{
		Aliases: AliasDoc{
			Global: map[string]string{},
			User:   map[string]map[string]string{},
		},
	}
}

// Fold normalizes a name or alias for case-insensitive matching.
func Fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
