package eid

// Event is the closed set of interaction events a card session emits.
// The union is sealed by the unexported marker method so switches over
// it can be checked for exhaustiveness by linters; there is no catch-all
// variant.
//
// Request events (PINRequested and friends) carry no continuation. The
// value the user supplies flows back through the Manager's typed submit
// methods, which consume the session's single pending request.
type Event interface {
	isEvent()
}

// Idle is the placeholder before any session has started.
type Idle struct{}

// AuthenticationStarted signals that the identify session began fetching
// the relying party metadata behind the TC-Token URL.
type AuthenticationStarted struct{}

// AuthenticationRequestConfirmationRequested asks the user to confirm
// which attributes the relying party may read.
type AuthenticationRequestConfirmationRequested struct {
	Request AuthenticationRequest
}

// CardInsertionRequested asks the user to place the card on the reader.
type CardInsertionRequested struct{}

// CardRecognized signals that a card was detected and the exchange is in
// progress. No user action is required.
type CardRecognized struct{}

// CardRemoved signals that the card lost contact. The session keeps
// waiting for re-insertion.
type CardRemoved struct{}

// PINRequested asks for the 6-digit personal PIN. AttemptsLeft is nil on
// the first ask and carries the card-reported remaining tries after a
// wrong entry.
type PINRequested struct {
	AttemptsLeft *int
}

// PINAndCANRequested asks for the personal PIN together with the CAN.
// The card requires the CAN once only one PIN attempt remains.
type PINAndCANRequested struct{}

// CANRequested asks for the CAN alone.
type CANRequested struct{}

// CANAndChangedPINRequested asks for the CAN plus the old and new PIN in
// one combined submission (PIN-management flow after exhausted attempts).
type CANAndChangedPINRequested struct{}

// ChangedPINRequested asks for the old (transport or personal) PIN and
// the desired new PIN. AttemptsLeft follows the PINRequested convention.
type ChangedPINRequested struct {
	AttemptsLeft *int
}

// PUKRequested signals that the PIN is blocked and the card wants the
// PUK. Unblocking is not supported; flows treat this as terminal.
type PUKRequested struct{}

// CompletedWithRedirect ends a successful identify session. The caller
// must follow RedirectURL to finish at the relying party.
type CompletedWithRedirect struct {
	RedirectURL string
}

// CompletedWithoutResult ends a successful PIN-management session.
type CompletedWithoutResult struct{}

// Failed ends the current attempt with an error from the card or the
// authentication service.
type Failed struct {
	Err error
}

func (Idle) isEvent()                                       {}
func (AuthenticationStarted) isEvent()                      {}
func (AuthenticationRequestConfirmationRequested) isEvent() {}
func (CardInsertionRequested) isEvent()                     {}
func (CardRecognized) isEvent()                             {}
func (CardRemoved) isEvent()                                {}
func (PINRequested) isEvent()                               {}
func (PINAndCANRequested) isEvent()                         {}
func (CANRequested) isEvent()                               {}
func (CANAndChangedPINRequested) isEvent()                  {}
func (ChangedPINRequested) isEvent()                        {}
func (PUKRequested) isEvent()                               {}
func (CompletedWithRedirect) isEvent()                      {}
func (CompletedWithoutResult) isEvent()                     {}
func (Failed) isEvent()                                     {}

// IsTerminal reports whether ev ends the session's event stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case CompletedWithRedirect, CompletedWithoutResult, Failed:
		return true
	}
	return false
}

// EventName returns a stable lowercase name for logging and the wire API.
func EventName(ev Event) string {
	switch ev.(type) {
	case Idle:
		return "idle"
	case AuthenticationStarted:
		return "authentication_started"
	case AuthenticationRequestConfirmationRequested:
		return "authentication_confirmation_requested"
	case CardInsertionRequested:
		return "card_insertion_requested"
	case CardRecognized:
		return "card_recognized"
	case CardRemoved:
		return "card_removed"
	case PINRequested:
		return "pin_requested"
	case PINAndCANRequested:
		return "pin_and_can_requested"
	case CANRequested:
		return "can_requested"
	case CANAndChangedPINRequested:
		return "can_and_changed_pin_requested"
	case ChangedPINRequested:
		return "changed_pin_requested"
	case PUKRequested:
		return "puk_requested"
	case CompletedWithRedirect:
		return "completed_with_redirect"
	case CompletedWithoutResult:
		return "completed_without_result"
	case Failed:
		return "failed"
	}
	return "unknown"
}
