// Package flows holds what the flow coordinators share: the mapping from
// card-session errors to the error screen a flow aborts to.
package flows

import (
	"errors"

	"github.com/useid/eid-agent/internal/eid"
)

// FailureKind names the error screen a flow ends on.
type FailureKind string

const (
	// FailureCardBlocked: the PIN is blocked (PUK required); no retry.
	FailureCardBlocked FailureKind = "card_blocked"
	// FailureCardDeactivated: the eID function is switched off; no retry.
	FailureCardDeactivated FailureKind = "card_deactivated"
	// FailureCardUnreadableWithRedirect: process failed but the relying
	// party supplied a URL the user can still follow.
	FailureCardUnreadableWithRedirect FailureKind = "card_unreadable_with_redirect"
	// FailureCardUnreadable: process failed with no redirect.
	FailureCardUnreadable FailureKind = "card_unreadable"
	// FailureGeneric: anything without a more specific screen.
	FailureGeneric FailureKind = "generic"
)

// Failure is the terminal error state of an aborted flow.
type Failure struct {
	Kind        FailureKind `json:"kind"`
	RedirectURL string      `json:"redirectUrl,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// Classify maps a session error to its error screen.
func Classify(err error) Failure {
	switch {
	case errors.Is(err, eid.ErrCardBlocked):
		return Failure{Kind: FailureCardBlocked, Message: err.Error()}
	case errors.Is(err, eid.ErrCardDeactivated):
		return Failure{Kind: FailureCardDeactivated, Message: err.Error()}
	}

	var processErr *eid.ProcessFailedError
	if errors.As(err, &processErr) {
		if processErr.RedirectURL != "" {
			return Failure{
				Kind:        FailureCardUnreadableWithRedirect,
				RedirectURL: processErr.RedirectURL,
				Message:     err.Error(),
			}
		}
		return Failure{Kind: FailureCardUnreadable, Message: err.Error()}
	}

	return Failure{Kind: FailureGeneric, Message: err.Error()}
}

// Recoverable reports whether the flow may retry within the same user
// interaction (wrong PIN/CAN loops) instead of aborting.
func Recoverable(err error) bool {
	return !eid.IsFatal(err)
}
