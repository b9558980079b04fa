package eid

import (
	"errors"
	"fmt"
)

// Fatal card conditions. A flow that sees one of these aborts to an
// error screen with no retry path.
var (
	ErrCardBlocked     = errors.New("eid: card blocked")
	ErrCardDeactivated = errors.New("eid: card deactivated")
)

// ProcessFailedError is a transport or process failure reported by the
// authentication service. RedirectURL, when present, lets the user
// finish at the relying party despite the failure.
type ProcessFailedError struct {
	ResultCode  string
	RedirectURL string
	ResultMinor string
}

func (e *ProcessFailedError) Error() string {
	if e.ResultMinor != "" {
		return fmt.Sprintf("eid: process failed: %s (%s)", e.ResultCode, e.ResultMinor)
	}
	return fmt.Sprintf("eid: process failed: %s", e.ResultCode)
}

// InteractionError is a generic failure with no more specific taxonomy.
type InteractionError struct {
	Message string
}

func (e *InteractionError) Error() string {
	return "eid: " + e.Message
}

// IsFatal reports whether err is a card condition no retry within the
// same user flow can recover from.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCardBlocked) || errors.Is(err, ErrCardDeactivated)
}
