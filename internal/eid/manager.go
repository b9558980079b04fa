package eid

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/useid/eid-agent/internal/logging"
)

// Manager errors returned from session starts and submit methods.
var (
	// ErrSessionActive rejects starting a session while one of the same
	// manager is still running. A session slot frees up when its stream
	// observes a terminal event or completes after Cancel.
	ErrSessionActive = errors.New("eid: a card session is already active")

	// ErrNoPendingRequest rejects a submission when no request event is
	// awaiting input. This is also what the second of two duplicate
	// submissions gets: the pending request is consumed exactly once.
	ErrNoPendingRequest = errors.New("eid: no pending request")

	// ErrWrongSubmission rejects a submission that does not answer the
	// pending request's kind.
	ErrWrongSubmission = errors.New("eid: submission does not match the pending request")
)

// SessionKind identifies which of the two protocol runs a session is.
type SessionKind int

const (
	SessionNone SessionKind = iota
	SessionIdentify
	SessionChangePIN
)

func (k SessionKind) String() string {
	switch k {
	case SessionIdentify:
		return "identify"
	case SessionChangePIN:
		return "change-pin"
	default:
		return "none"
	}
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingConfirmation
	pendingPIN
	pendingPINAndCAN
	pendingCAN
	pendingCANAndChangedPIN
	pendingChangedPIN
	pendingPUK
)

// Manager owns the lifecycle of the two card-session streams and the
// single pending request of the active session. Raw engine events are
// republished on a per-session last-value Watch; user input comes back
// through the typed submit methods, each of which consumes the pending
// request exactly once and resumes the engine.
//
// At most one session per kind exists, and the two kinds never run
// concurrently: the card reader serves one protocol run at a time.
type Manager struct {
	engine Engine

	mu        sync.Mutex
	active    SessionKind
	sessionID string
	watch     *Watch[Event]
	pending   pendingKind
}

// NewManager creates a manager on top of the given engine.
func NewManager(engine Engine) *Manager {
	return &Manager{engine: engine}
}

// Identify starts the identification session for tcTokenURL and returns
// its event stream. The stream replays the latest event to subscribers
// attaching late; attach before triggering user interaction.
func (m *Manager) Identify(ctx context.Context, tcTokenURL string) (*Watch[Event], error) {
	return m.start(ctx, SessionIdentify, func(ctx context.Context) (<-chan Event, error) {
		return m.engine.Identify(ctx, tcTokenURL)
	})
}

// ChangePIN starts the PIN-management session and returns its event
// stream.
func (m *Manager) ChangePIN(ctx context.Context) (*Watch[Event], error) {
	return m.start(ctx, SessionChangePIN, func(ctx context.Context) (<-chan Event, error) {
		return m.engine.ChangePIN(ctx)
	})
}

func (m *Manager) start(ctx context.Context, kind SessionKind, begin func(context.Context) (<-chan Event, error)) (*Watch[Event], error) {
	m.mu.Lock()
	if m.active != SessionNone {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%s)", ErrSessionActive, m.active)
	}
	id := uuid.NewString()
	w := NewWatch[Event]()
	m.active = kind
	m.sessionID = id
	m.watch = w
	m.pending = pendingNone
	m.mu.Unlock()

	events, err := begin(ctx)
	if err != nil {
		m.endSession(id)
		w.Close()
		return nil, fmt.Errorf("starting %s session: %w", kind, err)
	}

	logging.Info(logging.CatCard, "Card session started", map[string]any{
		"session": id,
		"kind":    kind.String(),
	})

	go m.pump(id, kind, w, events)
	return w, nil
}

// pump republishes engine events until the stream completes, tracking
// the pending request so submissions can be validated.
func (m *Manager) pump(id string, kind SessionKind, w *Watch[Event], events <-chan Event) {
	defer logging.RecoverAndLog("card session pump", false)

	for ev := range events {
		m.trackPending(id, ev)

		logging.Debug(logging.CatCard, "Session event", map[string]any{
			"session": id,
			"event":   EventName(ev),
		})
		w.Publish(ev)

		if IsTerminal(ev) {
			if failed, ok := ev.(Failed); ok {
				logging.Warn(logging.CatCard, "Card session failed", map[string]any{
					"session": id,
					"error":   failed.Err.Error(),
				})
			} else {
				logging.Info(logging.CatCard, "Card session completed", map[string]any{
					"session": id,
					"kind":    kind.String(),
				})
			}
		}
	}

	// Stream completed: terminal event observed or task cancelled.
	m.endSession(id)
	w.Close()
}

func (m *Manager) trackPending(id string, ev Event) {
	kind := pendingNone
	switch ev.(type) {
	case AuthenticationRequestConfirmationRequested:
		kind = pendingConfirmation
	case PINRequested:
		kind = pendingPIN
	case PINAndCANRequested:
		kind = pendingPINAndCAN
	case CANRequested:
		kind = pendingCAN
	case CANAndChangedPINRequested:
		kind = pendingCANAndChangedPIN
	case ChangedPINRequested:
		kind = pendingChangedPIN
	case PUKRequested:
		kind = pendingPUK
	default:
		return
	}

	m.mu.Lock()
	if m.sessionID == id {
		m.pending = kind
	}
	m.mu.Unlock()
}

func (m *Manager) endSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != id {
		return
	}
	m.active = SessionNone
	m.sessionID = ""
	m.watch = nil
	m.pending = pendingNone
}

// ActiveSession reports which protocol run is currently live.
func (m *Manager) ActiveSession() SessionKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// HandleCardTag forwards a physical tap to the active session's engine.
// A tag arriving with no active session is dropped with a debug log.
func (m *Manager) HandleCardTag(tag Tag) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == SessionNone {
		logging.Debug(logging.CatCard, "Dropping card tag, no active session", map[string]any{
			"uid": tag.UID,
		})
		return
	}

	if err := m.engine.HandleTag(tag); err != nil {
		logging.Warn(logging.CatCard, "Engine rejected card tag", map[string]any{
			"uid":   tag.UID,
			"error": err.Error(),
		})
	}
}

// CancelCurrentTask aborts the active session, if any. The session's
// stream completes without a Failed event, so consumers can tell a user
// cancel from a protocol error. Idempotent; a no-op when idle.
func (m *Manager) CancelCurrentTask() {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	if active == SessionNone {
		return
	}
	m.engine.Cancel()
}

// take consumes the pending request if it matches want.
func (m *Manager) take(want pendingKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == pendingNone {
		return ErrNoPendingRequest
	}
	if m.pending != want {
		return ErrWrongSubmission
	}
	m.pending = pendingNone
	return nil
}

// restorePending puts back a consumed request after the engine refused
// the response, so the caller may retry.
func (m *Manager) restorePending(kind pendingKind) {
	m.mu.Lock()
	if m.pending == pendingNone && m.active != SessionNone {
		m.pending = kind
	}
	m.mu.Unlock()
}

func (m *Manager) respond(kind pendingKind, resp Response) error {
	if err := m.take(kind); err != nil {
		return err
	}
	if err := m.engine.Respond(resp); err != nil {
		m.restorePending(kind)
		return fmt.Errorf("resuming card session: %w", err)
	}
	return nil
}

// ConfirmAttributes answers the attribute confirmation request. The
// session resumes with a card-insertion request.
func (m *Manager) ConfirmAttributes(attrs map[Attribute]bool) error {
	return m.respond(pendingConfirmation, AttributeConfirmation{Attributes: attrs})
}

// SubmitPIN answers a personal PIN request.
func (m *Manager) SubmitPIN(pin string) error {
	if err := ValidatePersonalPIN(pin); err != nil {
		return err
	}
	return m.respond(pendingPIN, PIN{Value: pin})
}

// SubmitPINAndCAN answers a combined PIN and CAN request.
func (m *Manager) SubmitPINAndCAN(pin, can string) error {
	if err := ValidatePersonalPIN(pin); err != nil {
		return err
	}
	if err := ValidateCAN(can); err != nil {
		return err
	}
	return m.respond(pendingPINAndCAN, PINAndCAN{PIN: pin, CAN: can})
}

// SubmitCAN answers a CAN request.
func (m *Manager) SubmitCAN(can string) error {
	if err := ValidateCAN(can); err != nil {
		return err
	}
	return m.respond(pendingCAN, CAN{Value: can})
}

// SubmitCANAndChangedPIN answers the combined CAN, old PIN and new PIN
// request of the PIN-management flow.
func (m *Manager) SubmitCANAndChangedPIN(can, oldPIN, newPIN string) error {
	if err := ValidateCAN(can); err != nil {
		return err
	}
	if err := ValidateOldPIN(oldPIN); err != nil {
		return err
	}
	if err := ValidatePersonalPIN(newPIN); err != nil {
		return err
	}
	return m.respond(pendingCANAndChangedPIN, CANAndChangedPIN{CAN: can, OldPIN: oldPIN, NewPIN: newPIN})
}

// SubmitChangedPIN answers an old/new PIN request.
func (m *Manager) SubmitChangedPIN(oldPIN, newPIN string) error {
	if err := ValidateOldPIN(oldPIN); err != nil {
		return err
	}
	if err := ValidatePersonalPIN(newPIN); err != nil {
		return err
	}
	return m.respond(pendingChangedPIN, ChangedPIN{OldPIN: oldPIN, NewPIN: newPIN})
}

// SubmitPUK answers a PUK request.
func (m *Manager) SubmitPUK(puk string) error {
	if err := ValidatePUK(puk); err != nil {
		return err
	}
	return m.respond(pendingPUK, PUK{Value: puk})
}
