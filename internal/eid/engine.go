package eid

import "context"

// Response is a user-supplied value fed back into a waiting card session.
// The union is sealed; each variant answers exactly one request event.
type Response interface {
	isResponse()
}

// AttributeConfirmation answers AuthenticationRequestConfirmationRequested.
type AttributeConfirmation struct {
	Attributes map[Attribute]bool
}

// PIN answers PINRequested.
type PIN struct {
	Value string
}

// PINAndCAN answers PINAndCANRequested.
type PINAndCAN struct {
	PIN string
	CAN string
}

// CAN answers CANRequested.
type CAN struct {
	Value string
}

// CANAndChangedPIN answers CANAndChangedPINRequested.
type CANAndChangedPIN struct {
	CAN    string
	OldPIN string
	NewPIN string
}

// ChangedPIN answers ChangedPINRequested.
type ChangedPIN struct {
	OldPIN string
	NewPIN string
}

// PUK answers PUKRequested.
type PUK struct {
	Value string
}

func (AttributeConfirmation) isResponse() {}
func (PIN) isResponse()                   {}
func (PINAndCAN) isResponse()             {}
func (CAN) isResponse()                   {}
func (CANAndChangedPIN) isResponse()      {}
func (ChangedPIN) isResponse()            {}
func (PUK) isResponse()                   {}

// Engine drives the actual NFC/PACE/EAC exchange with the card and the
// remote authentication or PIN-management service. The agent treats it as
// an opaque collaborator; this package only orchestrates its streams.
//
// Both streams terminate after a terminal event, or complete without one
// after Cancel. After a request event the engine suspends until Respond
// delivers the matching Response variant; there is no timeout while
// waiting for user input.
type Engine interface {
	// Identify runs the full PACE, attribute read, EAC and redirect
	// sequence for the TC-Token URL.
	Identify(ctx context.Context, tcTokenURL string) (<-chan Event, error)

	// ChangePIN runs the PACE and old/new PIN verification sequence.
	ChangePIN(ctx context.Context) (<-chan Event, error)

	// Respond resumes the session waiting on the most recent request
	// event. It fails if nothing is awaiting input or the variant does
	// not answer the pending request.
	Respond(resp Response) error

	// HandleTag delivers a physical card tap. At most one tag is handled
	// per tap; a tag with no session awaiting it is dropped.
	HandleTag(tag Tag) error

	// Cancel aborts the current session, completing its stream with no
	// further events. Safe to call at any time, including when idle.
	Cancel()
}
