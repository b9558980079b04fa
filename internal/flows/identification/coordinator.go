// Package identification drives the identify flow: TC-Token metadata
// fetch, attribute confirmation, PIN (and CAN) entry, card scanning and
// the final redirect to the relying party.
package identification

import (
	"context"
	"errors"
	"sync"

	"github.com/useid/eid-agent/internal/eid"
	"github.com/useid/eid-agent/internal/flows"
	"github.com/useid/eid-agent/internal/flows/canflow"
	"github.com/useid/eid-agent/internal/logging"
)

var (
	ErrFlowActive   = errors.New("identification: flow already running")
	ErrNoActiveFlow = errors.New("identification: no active flow")
	ErrWrongScreen  = errors.New("identification: action does not match the current screen")
)

// Screen is the UI state the flow is in.
type Screen string

const (
	ScreenIdle                  Screen = "idle"
	ScreenFetchingMetadata      Screen = "fetching_metadata"
	ScreenAttributeConfirmation Screen = "attribute_confirmation"
	ScreenPINEntry              Screen = "pin_entry"
	ScreenCardInsertion         Screen = "card_insertion"
	ScreenScanning              Screen = "scanning"
	ScreenCANEntry              Screen = "can_entry"
	ScreenPINAndCANEntry        Screen = "pin_and_can_entry"
	ScreenSuccess               Screen = "success"
	ScreenError                 Screen = "error"
)

// State is the flow snapshot the UI renders.
type State struct {
	Screen            Screen                     `json:"screen"`
	AttemptsLeft      *int                       `json:"attemptsLeft,omitempty"`
	WrongCAN          bool                       `json:"wrongCan,omitempty"`
	Request           *eid.AuthenticationRequest `json:"request,omitempty"`
	ConfirmationShown bool                       `json:"confirmationShown"`
	RedirectURL       string                     `json:"redirectUrl,omitempty"`
	Failure           *flows.Failure             `json:"failure,omitempty"`
}

// SessionManager is the orchestrator surface this flow consumes.
type SessionManager interface {
	Identify(ctx context.Context, tcTokenURL string) (*eid.Watch[eid.Event], error)
	ConfirmAttributes(attrs map[eid.Attribute]bool) error
	SubmitPIN(pin string) error
	SubmitPINAndCAN(pin, can string) error
	SubmitCAN(can string) error
	CancelCurrentTask()
}

// Navigator opens the relying party's redirect URL in the user's browser.
type Navigator interface {
	OpenURL(url string) error
}

type command struct {
	fn    func() error
	reply chan error
}

// Coordinator runs the identification state machine. All transitions,
// whether triggered by session events or user actions, execute on the
// flow's single event-loop goroutine, one at a time.
type Coordinator struct {
	manager SessionManager
	nav     Navigator
	updates *eid.Watch[State]

	// Loop-owned, never touched outside the event loop
	state State
	can   canflow.Tracker

	mu       sync.Mutex
	running  bool
	commands chan command
	done     chan struct{}
}

// New creates an idle coordinator.
func New(manager SessionManager, nav Navigator) *Coordinator {
	c := &Coordinator{
		manager: manager,
		nav:     nav,
		updates: eid.NewWatch[State](),
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

// Begin starts the identify flow for tcTokenURL.
func (c *Coordinator) Begin(ctx context.Context, tcTokenURL string) error {
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

	w, err := c.manager.Identify(ctx, tcTokenURL)
	if err != nil {
		c.mu.Lock()
		c.running = false
		close(done)
		c.mu.Unlock()
		return err
	}

	events, unsubscribe := w.Subscribe()

	c.state = State{Screen: ScreenFetchingMetadata}
	c.can.Reset()
	c.publish()

	logging.Info(logging.CatFlow, "Identification flow started", nil)
	go c.loop(events, unsubscribe, cmds, done)
	return nil
}

func (c *Coordinator) loop(events <-chan eid.Event, unsubscribe func(), cmds chan command, done chan struct{}) {
	defer logging.RecoverAndLog("identification flow loop", false)
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.finish(done)
				return
			}
			c.handleEvent(ev)
		case cmd := <-cmds:
			cmd.reply <- cmd.fn()
		}
	}
}

// finish runs when the session stream completes. A terminal screen was
// already reached through its event; completion without one means the
// task was cancelled, which pops the flow back to idle.
func (c *Coordinator) finish(done chan struct{}) {
	switch c.state.Screen {
	case ScreenSuccess, ScreenError:
	default:
		logging.Info(logging.CatFlow, "Identification flow cancelled", nil)
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
	case eid.Idle:
		return

	case eid.AuthenticationStarted:
		c.state.Screen = ScreenFetchingMetadata

	case eid.AuthenticationRequestConfirmationRequested:
		request := ev.Request
		c.state.Screen = ScreenAttributeConfirmation
		c.state.Request = &request
		c.state.ConfirmationShown = true
		logging.Info(logging.CatFlow, "Attribute confirmation requested", map[string]any{
			"subject":    request.Subject,
			"attributes": eid.AttributeNames(request.ReadAttributes),
		})

	case eid.CardInsertionRequested:
		c.state.Screen = ScreenCardInsertion

	case eid.CardRecognized:
		c.state.Screen = ScreenScanning

	case eid.CardRemoved:
		// Session keeps waiting for the card to come back
		c.state.Screen = ScreenCardInsertion

	case eid.PINRequested:
		c.state.Screen = ScreenPINEntry
		c.state.AttemptsLeft = ev.AttemptsLeft
		if ev.AttemptsLeft != nil {
			logging.Info(logging.CatFlow, "Wrong PIN, retry", map[string]any{
				"attemptsLeft": *ev.AttemptsLeft,
			})
		}

	case eid.PINAndCANRequested:
		c.state.Screen = ScreenPINAndCANEntry
		c.state.AttemptsLeft = nil
		c.state.WrongCAN = c.can.OnRequest()

	case eid.CANRequested:
		c.state.Screen = ScreenCANEntry
		c.state.WrongCAN = c.can.OnRequest()

	case eid.CANAndChangedPINRequested, eid.ChangedPINRequested:
		logging.Warn(logging.CatFlow, "Ignoring PIN-management event during identification", map[string]any{
			"event": eid.EventName(ev),
		})
		return

	case eid.PUKRequested:
		// Unblocking via PUK is not supported; end with the blocked screen
		c.manager.CancelCurrentTask()
		c.state = State{
			Screen:            ScreenError,
			ConfirmationShown: c.state.ConfirmationShown,
			Failure:           &flows.Failure{Kind: flows.FailureCardBlocked, Message: "PIN blocked, PUK required"},
		}

	case eid.CompletedWithRedirect:
		c.state = State{
			Screen:            ScreenSuccess,
			ConfirmationShown: c.state.ConfirmationShown,
			RedirectURL:       ev.RedirectURL,
		}
		logging.Info(logging.CatFlow, "Identification completed", map[string]any{
			"redirectUrl": ev.RedirectURL,
		})
		if err := c.nav.OpenURL(ev.RedirectURL); err != nil {
			logging.Warn(logging.CatFlow, "Failed to open redirect URL", map[string]any{
				"error": err.Error(),
			})
		}

	case eid.CompletedWithoutResult:
		logging.Warn(logging.CatFlow, "Unexpected completion without redirect in identification", nil)
		return

	case eid.Failed:
		failure := flows.Classify(ev.Err)
		c.state = State{
			Screen:            ScreenError,
			ConfirmationShown: c.state.ConfirmationShown,
			Failure:           &failure,
		}
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

// ConfirmAttributes confirms the relying party's request. The session
// resumes and asks for card insertion next.
func (c *Coordinator) ConfirmAttributes(attrs map[eid.Attribute]bool) error {
	return c.do(func() error {
		if c.state.Screen != ScreenAttributeConfirmation {
			return ErrWrongScreen
		}
		return c.manager.ConfirmAttributes(attrs)
	})
}

// SubmitPIN answers the personal PIN prompt.
func (c *Coordinator) SubmitPIN(pin string) error {
	return c.do(func() error {
		if c.state.Screen != ScreenPINEntry {
			return ErrWrongScreen
		}
		return c.manager.SubmitPIN(pin)
	})
}

// SubmitPINAndCAN answers the combined PIN and CAN prompt.
func (c *Coordinator) SubmitPINAndCAN(pin, can string) error {
	return c.do(func() error {
		if c.state.Screen != ScreenPINAndCANEntry {
			return ErrWrongScreen
		}
		if err := c.manager.SubmitPINAndCAN(pin, can); err != nil {
			return err
		}
		c.can.OnSubmit()
		return nil
	})
}

// SubmitCAN answers the CAN prompt.
func (c *Coordinator) SubmitCAN(can string) error {
	return c.do(func() error {
		if c.state.Screen != ScreenCANEntry {
			return ErrWrongScreen
		}
		if err := c.manager.SubmitCAN(can); err != nil {
			return err
		}
		c.can.OnSubmit()
		return nil
	})
}

// Cancel aborts the running flow and returns the UI to the root. Safe
// to call when nothing is running. The UI is expected to guard this
// with a confirmation dialog once ConfirmationShown is set.
func (c *Coordinator) Cancel() {
	err := c.do(func() error {
		c.manager.CancelCurrentTask()
		return nil
	})
	if errors.Is(err, ErrNoActiveFlow) {
		return
	}
}

// Reset returns a finished flow to the idle screen (the close action on
// a success or error screen). No-op while a flow is running.
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
