// Package setup drives the first-use flow: choosing the PIN letter,
// replacing the transport PIN with a personal PIN on the card, and
// chaining into a deferred identification afterwards.
package setup

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/useid/eid-agent/internal/eid"
	"github.com/useid/eid-agent/internal/flows"
	"github.com/useid/eid-agent/internal/flows/canflow"
	"github.com/useid/eid-agent/internal/logging"
)

var (
	ErrFlowActive   = errors.New("setup: flow already running")
	ErrNoActiveFlow = errors.New("setup: no active flow")
	ErrWrongScreen  = errors.New("setup: action does not match the current screen")
)

// Screen is the UI state the flow is in.
type Screen string

const (
	ScreenIdle               Screen = "idle"
	ScreenPINLetterChoice    Screen = "pin_letter_choice"
	ScreenTransportPINEntry  Screen = "transport_pin_entry"
	ScreenPersonalPINIntro   Screen = "personal_pin_intro"
	ScreenPersonalPINEntry   Screen = "personal_pin_entry"
	ScreenPersonalPINConfirm Screen = "personal_pin_confirm"
	ScreenCardInsertion      Screen = "card_insertion"
	ScreenScanning           Screen = "scanning"
	ScreenCANEntry           Screen = "can_entry"
	ScreenFinished           Screen = "finished"
	ScreenError              Screen = "error"
)

// State is the flow snapshot the UI renders. PIN values never appear in
// the snapshot.
type State struct {
	Screen       Screen         `json:"screen"`
	AttemptsLeft *int           `json:"attemptsLeft,omitempty"`
	PINMismatch  bool           `json:"pinMismatch,omitempty"`
	WrongCAN     bool           `json:"wrongCan,omitempty"`
	IdentPending bool           `json:"identPending,omitempty"`
	Failure      *flows.Failure `json:"failure,omitempty"`
}

// SessionManager is the orchestrator surface this flow consumes.
type SessionManager interface {
	ChangePIN(ctx context.Context) (*eid.Watch[eid.Event], error)
	SubmitChangedPIN(oldPIN, newPIN string) error
	SubmitCANAndChangedPIN(can, oldPIN, newPIN string) error
	CancelCurrentTask()
}

// Identifier hands off to the identification flow once setup finishes
// with a token URL pending.
type Identifier interface {
	Begin(ctx context.Context, tcTokenURL string) error
}

// Storage persists the first-use flag and the deferred TC-Token URL.
type Storage interface {
	SetSetupCompleted(done bool) error
	PendingTokenURL() string
	TakeTokenURL() (string, error)
}

type command struct {
	fn    func() error
	reply chan error
}

// Coordinator runs the setup state machine. Like the identification
// flow, every transition executes on the flow's single event-loop
// goroutine.
type Coordinator struct {
	manager    SessionManager
	identifier Identifier
	store      Storage
	updates    *eid.Watch[State]

	// Loop-owned state
	state          State
	ctx            context.Context
	oldPIN         string
	newPIN         string
	sessionStarted bool
	stop           bool
	events         <-chan eid.Event
	unsubscribe    func()
	can            canflow.Tracker

	mu       sync.Mutex
	running  bool
	commands chan command
	done     chan struct{}
}

// New creates an idle coordinator.
func New(manager SessionManager, identifier Identifier, store Storage) *Coordinator {
	c := &Coordinator{
		manager:    manager,
		identifier: identifier,
		store:      store,
		updates:    eid.NewWatch[State](),
	}
	c.updates.Publish(State{Screen: ScreenIdle})
	return c
}

// Updates is the last-value stream of state snapshots for the UI.
func (c *Coordinator) Updates() *eid.Watch[State] {
	return c.updates
}

// State returns the current snapshot.
func (c *Coordinator) State() State {
	st, _ := c.updates.Last()
	return st
}

// Running reports whether a flow is in progress.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Begin starts the setup flow on the PIN letter screen. The card
// session starts later, once both PIN entries are complete.
func (c *Coordinator) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrFlowActive
	}
	c.running = true
	c.commands = make(chan command)
	c.done = make(chan struct{})
	cmds, done := c.commands, c.done
	c.mu.Unlock()

	c.ctx = ctx
	c.oldPIN = ""
	c.newPIN = ""
	c.sessionStarted = false
	c.stop = false
	c.events = nil
	c.unsubscribe = nil
	c.can.Reset()
	c.state = State{Screen: ScreenPINLetterChoice}
	c.publish()

	logging.Info(logging.CatFlow, "Setup flow started", nil)
	go c.loop(cmds, done)
	return nil
}

func (c *Coordinator) loop(cmds chan command, done chan struct{}) {
	defer logging.RecoverAndLog("setup flow loop", false)

	for {
		// c.events stays nil until the card session starts; a nil
		// channel never fires, so only commands arrive before then.
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.finish(done)
				return
			}
			c.handleEvent(ev)
		case cmd := <-cmds:
			cmd.reply <- cmd.fn()
			if c.stop {
				c.finish(done)
				return
			}
		}
	}
}

// finish runs when the flow ends, either because the session stream
// completed or because a command stopped the loop. Without a terminal
// screen the flow was cancelled and pops back to idle.
func (c *Coordinator) finish(done chan struct{}) {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.oldPIN = ""
	c.newPIN = ""

	switch c.state.Screen {
	case ScreenFinished, ScreenError:
	default:
		logging.Info(logging.CatFlow, "Setup flow cancelled", nil)
		c.state = State{Screen: ScreenIdle}
		c.publish()
	}

	c.mu.Lock()
	c.running = false
	close(done)
	c.mu.Unlock()
}

func (c *Coordinator) publish() {
	c.updates.Publish(c.state)
}

func (c *Coordinator) handleEvent(ev eid.Event) {
	switch ev := ev.(type) {
	case eid.Idle, eid.AuthenticationStarted:
		return

	case eid.CardInsertionRequested:
		c.state.Screen = ScreenCardInsertion

	case eid.CardRecognized:
		c.state.Screen = ScreenScanning

	case eid.CardRemoved:
		c.state.Screen = ScreenCardInsertion

	case eid.ChangedPINRequested:
		if ev.AttemptsLeft == nil {
			// First ask. Both PINs were collected before the scan, so
			// answer immediately without another prompt.
			if err := c.manager.SubmitChangedPIN(c.oldPIN, c.newPIN); err != nil {
				logging.Error(logging.CatFlow, "Failed to submit cached PIN pair", map[string]any{
					"error": err.Error(),
				})
			}
			return
		}
		// Wrong transport PIN. Re-ask for it only, the new PIN stays
		// cached.
		c.state.Screen = ScreenTransportPINEntry
		c.state.AttemptsLeft = ev.AttemptsLeft
		logging.Info(logging.CatFlow, "Wrong transport PIN, retry", map[string]any{
			"attemptsLeft": *ev.AttemptsLeft,
		})

	case eid.CANAndChangedPINRequested:
		c.state.Screen = ScreenCANEntry
		c.state.AttemptsLeft = nil
		c.state.WrongCAN = c.can.OnRequest()

	case eid.PINRequested, eid.PINAndCANRequested, eid.CANRequested,
		eid.AuthenticationRequestConfirmationRequested:
		logging.Warn(logging.CatFlow, "Ignoring identification event during setup", map[string]any{
			"event": eid.EventName(ev),
		})
		return

	case eid.PUKRequested:
		// Unblocking via PUK is not supported; end with the blocked screen
		c.manager.CancelCurrentTask()
		c.state = State{
			Screen:  ScreenError,
			Failure: &flows.Failure{Kind: flows.FailureCardBlocked, Message: "PIN blocked, PUK required"},
		}

	case eid.CompletedWithoutResult:
		if err := c.store.SetSetupCompleted(true); err != nil {
			logging.Warn(logging.CatFlow, "Failed to persist setup completion", map[string]any{
				"error": err.Error(),
			})
		}
		c.state = State{
			Screen:       ScreenFinished,
			IdentPending: c.store.PendingTokenURL() != "",
		}
		logging.Info(logging.CatFlow, "Setup completed", map[string]any{
			"identPending": c.state.IdentPending,
		})

	case eid.CompletedWithRedirect:
		logging.Warn(logging.CatFlow, "Unexpected redirect completion in setup", nil)
		return

	case eid.Failed:
		failure := flows.Classify(ev.Err)
		c.state = State{Screen: ScreenError, Failure: &failure}
	}

	c.publish()
}

// do runs fn on the event loop and returns its result.
func (c *Coordinator) do(fn func() error) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNoActiveFlow
	}
	cmds, done := c.commands, c.done
	c.mu.Unlock()

	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case cmds <- cmd:
		return <-cmd.reply
	case <-done:
		return ErrNoActiveFlow
	}
}

// ChoosePINLetter records whether the user has the PIN letter and moves
// on to the old PIN entry.
func (c *Coordinator) ChoosePINLetter() error {
	return c.do(func() error {
		if c.state.Screen != ScreenPINLetterChoice {
			return ErrWrongScreen
		}
		c.state.Screen = ScreenTransportPINEntry
		c.publish()
		return nil
	})
}

// EnterOldPIN takes the transport PIN (or current personal PIN). Before
// the card session starts the value is cached for the scan; during a
// wrong-PIN retry it is resubmitted with the cached new PIN right away.
func (c *Coordinator) EnterOldPIN(pin string) error {
	return c.do(func() error {
		if c.state.Screen != ScreenTransportPINEntry {
			return ErrWrongScreen
		}
		if err := eid.ValidateOldPIN(pin); err != nil {
			return err
		}
		c.oldPIN = pin
		if c.sessionStarted {
			return c.manager.SubmitChangedPIN(c.oldPIN, c.newPIN)
		}
		c.state.Screen = ScreenPersonalPINIntro
		c.publish()
		return nil
	})
}

// ProceedToPINEntry leaves the intro screen.
func (c *Coordinator) ProceedToPINEntry() error {
	return c.do(func() error {
		if c.state.Screen != ScreenPersonalPINIntro {
			return ErrWrongScreen
		}
		c.state.Screen = ScreenPersonalPINEntry
		c.publish()
		return nil
	})
}

// EnterPersonalPIN takes the new PIN candidate.
func (c *Coordinator) EnterPersonalPIN(pin string) error {
	return c.do(func() error {
		if c.state.Screen != ScreenPersonalPINEntry {
			return ErrWrongScreen
		}
		if err := eid.ValidatePersonalPIN(pin); err != nil {
			return err
		}
		c.newPIN = pin
		c.state.Screen = ScreenPersonalPINConfirm
		c.state.PINMismatch = false
		c.publish()
		return nil
	})
}

// ConfirmPersonalPIN checks the confirmation entry against the first
// one. A mismatch loops back to the entry screen without touching the
// card; a match starts the card session.
func (c *Coordinator) ConfirmPersonalPIN(pin string) error {
	return c.do(func() error {
		if c.state.Screen != ScreenPersonalPINConfirm {
			return ErrWrongScreen
		}
		if subtle.ConstantTimeCompare([]byte(pin), []byte(c.newPIN)) != 1 {
			c.newPIN = ""
			c.state.Screen = ScreenPersonalPINEntry
			c.state.PINMismatch = true
			c.publish()
			return nil
		}

		w, err := c.manager.ChangePIN(c.ctx)
		if err != nil {
			return err
		}
		c.events, c.unsubscribe = w.Subscribe()
		c.sessionStarted = true
		c.state.Screen = ScreenCardInsertion
		c.state.PINMismatch = false
		c.publish()
		return nil
	})
}

// SubmitCANAndPIN answers the combined CAN and old PIN prompt of the
// last-attempt recovery path. The new PIN stays cached from before.
func (c *Coordinator) SubmitCANAndPIN(can, oldPIN string) error {
	return c.do(func() error {
		if c.state.Screen != ScreenCANEntry {
			return ErrWrongScreen
		}
		c.oldPIN = oldPIN
		if err := c.manager.SubmitCANAndChangedPIN(can, c.oldPIN, c.newPIN); err != nil {
			return err
		}
		c.can.OnSubmit()
		return nil
	})
}

// Cancel aborts the running flow and returns the UI to the root. Safe
// to call when nothing is running.
func (c *Coordinator) Cancel() {
	err := c.do(func() error {
		if c.sessionStarted {
			// The loop stops when the cancelled stream completes
			c.manager.CancelCurrentTask()
			return nil
		}
		c.stop = true
		return nil
	})
	if errors.Is(err, ErrNoActiveFlow) {
		return
	}
}

// SkipSetup marks setup as done without any card interaction and starts
// the deferred identification if a token URL is pending. Valid from the
// PIN letter screen or with no flow running at all.
func (c *Coordinator) SkipSetup(ctx context.Context) error {
	if c.Running() {
		err := c.do(func() error {
			if c.sessionStarted {
				return ErrWrongScreen
			}
			c.stop = true
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := c.store.SetSetupCompleted(true); err != nil {
		logging.Warn(logging.CatFlow, "Failed to persist setup completion", map[string]any{
			"error": err.Error(),
		})
	}
	logging.Info(logging.CatFlow, "Setup skipped", nil)
	return c.startPendingIdentification(ctx)
}

// IdentifyNow runs the deferred identification from the finish screen,
// consuming the stored token URL exactly once.
func (c *Coordinator) IdentifyNow(ctx context.Context) error {
	if c.Running() {
		return ErrFlowActive
	}
	st := c.State()
	if st.Screen != ScreenFinished {
		return ErrWrongScreen
	}

	if err := c.startPendingIdentification(ctx); err != nil {
		return err
	}
	c.state = State{Screen: ScreenIdle}
	c.publish()
	return nil
}

func (c *Coordinator) startPendingIdentification(ctx context.Context) error {
	url, err := c.store.TakeTokenURL()
	if err != nil {
		logging.Warn(logging.CatFlow, "Failed to consume stored token URL", map[string]any{
			"error": err.Error(),
		})
	}
	if url == "" {
		return nil
	}
	logging.Info(logging.CatFlow, "Starting deferred identification", nil)
	return c.identifier.Begin(ctx, url)
}

// Reset returns a finished flow to the idle screen. No-op while a flow
// is running.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return
	}
	c.state = State{Screen: ScreenIdle}
	c.publish()
}
