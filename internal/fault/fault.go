// Package fault defines the closed set of error kinds the dispatcher turns
// into user-visible replies. Components wrap their failures in an *Error so
// the dispatch layer can decide presentation (silent drop, DM, channel
// message) without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies how a failure is surfaced to the user.
type Kind int

const (
	// KindInternal is the zero value: an unexpected bug. Logged with the
	// correlation id, answered with a generic message.
	KindInternal Kind = iota

	// KindReplay marks a rejected duplicate delivery. Dropped silently.
	KindReplay

	// KindNotAuthenticated means the real author has no usable token.
	KindNotAuthenticated

	// KindAuthForbiddenForProxy means an auth command arrived through a
	// proxy webhook and was refused without state change.
	KindAuthForbiddenForProxy

	// KindPolicyBlocked covers the NSFW gate and missing permissions.
	KindPolicyBlocked

	// KindPersonalityNotFound is a lookup miss on an explicit mention.
	KindPersonalityNotFound

	// KindLLMTransient covers 5xx, 429 and network failures; the request
	// fingerprint enters cooldown.
	KindLLMTransient

	// KindLLMPermanent covers terminal 4xx responses from the inference
	// endpoint.
	KindLLMPermanent

	// KindSendFailed means webhook emission failed after retries; no reply
	// binding is recorded.
	KindSendFailed
)

func (k Kind) String() string {
	switch k {
	case KindReplay:
		return "replay"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindAuthForbiddenForProxy:
		return "auth_forbidden_for_proxy"
	case KindPolicyBlocked:
		return "policy_blocked"
	case KindPersonalityNotFound:
		return "personality_not_found"
	case KindLLMTransient:
		return "llm_transient"
	case KindLLMPermanent:
		return "llm_permanent"
	case KindSendFailed:
		return "send_failed"
	default:
		return "internal"
	}
}

// Error carries a kind, optional user-facing text and an optional cause.
type Error struct {
	Kind    Kind
	UserMsg string // shown to the user when non-empty; kinds have fallbacks
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.UserMsg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.UserMsg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind with user-facing text.
func New(kind Kind, userMsg string) *Error {
	return &Error{Kind: kind, UserMsg: userMsg}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Wrapf attaches a kind to a formatted cause.
func Wrapf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err. Errors that do not carry an *Error
// anywhere in their chain report KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UserMessage returns the user-facing text for err, falling back to a
// per-kind default. Replay has no user-facing form.
func UserMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.UserMsg != "" {
		return fe.UserMsg
	}
	switch KindOf(err) {
	case KindNotAuthenticated:
		return "You need to authenticate first. Send `auth start` to me in a DM to begin."
	case KindAuthForbiddenForProxy:
		return "Authentication commands can't be used through a proxy webhook. Please use your real account."
	case KindPolicyBlocked:
		return "That isn't allowed here."
	case KindPersonalityNotFound:
		return "I don't know that personality. Use the list command to see what's available."
	case KindLLMTransient, KindLLMPermanent:
		return "The personality couldn't respond just now. Please try again in a moment."
	case KindSendFailed:
		return "I generated a reply but couldn't deliver it to this channel."
	default:
		return "Something went wrong on my side. The error has been logged."
	}
}
