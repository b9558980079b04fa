package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/useid/eid-agent/internal/eid"
)

// Flow names a scenario's session kind.
type Flow string

const (
	FlowIdentify  Flow = "identify"
	FlowChangePIN Flow = "change_pin"
)

// Scenario is an ordered script for one card session. Steps run top to
// bottom: emit steps push events into the stream, expect steps suspend
// the session until a matching response arrives, tag steps wait for a
// card tap.
type Scenario struct {
	Name  string `json:"name" cbor:"name"`
	Flow  Flow   `json:"flow" cbor:"flow"`
	Steps []Step `json:"steps" cbor:"steps"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	Emit    *EventSpec  `json:"emit,omitempty" cbor:"emit,omitempty"`
	Expect  *ExpectSpec `json:"expect,omitempty" cbor:"expect,omitempty"`
	WaitTag bool        `json:"waitTag,omitempty" cbor:"waitTag,omitempty"`
}

// EventSpec describes an event to emit, keyed by its wire name.
type EventSpec struct {
	Name         string                     `json:"name" cbor:"name"`
	AttemptsLeft *int                       `json:"attemptsLeft,omitempty" cbor:"attemptsLeft,omitempty"`
	RedirectURL  string                     `json:"redirectUrl,omitempty" cbor:"redirectUrl,omitempty"`
	Request      *eid.AuthenticationRequest `json:"request,omitempty" cbor:"request,omitempty"`
	Error        *ErrorSpec                 `json:"error,omitempty" cbor:"error,omitempty"`
}

// ErrorSpec describes the error carried by a failed event.
type ErrorSpec struct {
	Kind        string `json:"kind" cbor:"kind"` // card_blocked, card_deactivated, process_failed
	ResultCode  string `json:"resultCode,omitempty" cbor:"resultCode,omitempty"`
	ResultMinor string `json:"resultMinor,omitempty" cbor:"resultMinor,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty" cbor:"redirectUrl,omitempty"`
}

// ExpectSpec describes the response kind the script waits for, with
// optional expected values. Empty expected fields match anything.
type ExpectSpec struct {
	Kind   string `json:"kind" cbor:"kind"` // confirmation, pin, pin_and_can, can, can_and_changed_pin, changed_pin, puk
	PIN    string `json:"pin,omitempty" cbor:"pin,omitempty"`
	NewPIN string `json:"newPin,omitempty" cbor:"newPin,omitempty"`
	CAN    string `json:"can,omitempty" cbor:"can,omitempty"`
	PUK    string `json:"puk,omitempty" cbor:"puk,omitempty"`
}

// event builds the eid event named by the step.
func (s *EventSpec) event() (eid.Event, error) {
	switch s.Name {
	case "authentication_started":
		return eid.AuthenticationStarted{}, nil
	case "authentication_confirmation_requested":
		if s.Request == nil {
			return nil, fmt.Errorf("sim: %s step needs a request", s.Name)
		}
		return eid.AuthenticationRequestConfirmationRequested{Request: *s.Request}, nil
	case "card_insertion_requested":
		return eid.CardInsertionRequested{}, nil
	case "card_recognized":
		return eid.CardRecognized{}, nil
	case "card_removed":
		return eid.CardRemoved{}, nil
	case "pin_requested":
		return eid.PINRequested{AttemptsLeft: s.AttemptsLeft}, nil
	case "pin_and_can_requested":
		return eid.PINAndCANRequested{}, nil
	case "can_requested":
		return eid.CANRequested{}, nil
	case "can_and_changed_pin_requested":
		return eid.CANAndChangedPINRequested{}, nil
	case "changed_pin_requested":
		return eid.ChangedPINRequested{AttemptsLeft: s.AttemptsLeft}, nil
	case "puk_requested":
		return eid.PUKRequested{}, nil
	case "completed_with_redirect":
		return eid.CompletedWithRedirect{RedirectURL: s.RedirectURL}, nil
	case "completed_without_result":
		return eid.CompletedWithoutResult{}, nil
	case "failed":
		if s.Error == nil {
			return nil, fmt.Errorf("sim: failed step needs an error")
		}
		return eid.Failed{Err: s.Error.err()}, nil
	}
	return nil, fmt.Errorf("sim: unknown event %q", s.Name)
}

func (e *ErrorSpec) err() error {
	switch e.Kind {
	case "card_blocked":
		return eid.ErrCardBlocked
	case "card_deactivated":
		return eid.ErrCardDeactivated
	case "process_failed":
		return &eid.ProcessFailedError{
			ResultCode:  e.ResultCode,
			ResultMinor: e.ResultMinor,
			RedirectURL: e.RedirectURL,
		}
	}
	return fmt.Errorf("sim: scripted failure %q", e.Kind)
}

// matches reports whether resp satisfies the expectation.
func (s *ExpectSpec) matches(resp eid.Response) bool {
	switch r := resp.(type) {
	case eid.AttributeConfirmation:
		return s.Kind == "confirmation"
	case eid.PIN:
		return s.Kind == "pin" && (s.PIN == "" || s.PIN == r.Value)
	case eid.PINAndCAN:
		return s.Kind == "pin_and_can" &&
			(s.PIN == "" || s.PIN == r.PIN) &&
			(s.CAN == "" || s.CAN == r.CAN)
	case eid.CAN:
		return s.Kind == "can" && (s.CAN == "" || s.CAN == r.Value)
	case eid.CANAndChangedPIN:
		return s.Kind == "can_and_changed_pin" &&
			(s.CAN == "" || s.CAN == r.CAN) &&
			(s.PIN == "" || s.PIN == r.OldPIN) &&
			(s.NewPIN == "" || s.NewPIN == r.NewPIN)
	case eid.ChangedPIN:
		return s.Kind == "changed_pin" &&
			(s.PIN == "" || s.PIN == r.OldPIN) &&
			(s.NewPIN == "" || s.NewPIN == r.NewPIN)
	case eid.PUK:
		return s.Kind == "puk" && (s.PUK == "" || s.PUK == r.Value)
	}
	return false
}

// LoadScenario reads a scenario fixture. CBOR for .cbor files, JSON
// otherwise.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}

	var sc Scenario
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		err = cbor.Unmarshal(raw, &sc)
	} else {
		err = json.Unmarshal(raw, &sc)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding scenario %s: %w", filepath.Base(path), err)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario %s has no steps", sc.Name)
	}
	return &sc, nil
}

// EncodeCBOR renders the scenario as a CBOR fixture.
func (sc *Scenario) EncodeCBOR() ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(sc)
}

// Builder assembles scenarios in code, mostly for tests.
type Builder struct {
	sc Scenario
}

func NewScenario(name string, flow Flow) *Builder {
	return &Builder{sc: Scenario{Name: name, Flow: flow}}
}

func (b *Builder) Emit(spec EventSpec) *Builder {
	b.sc.Steps = append(b.sc.Steps, Step{Emit: &spec})
	return b
}

func (b *Builder) EmitEvent(name string) *Builder {
	return b.Emit(EventSpec{Name: name})
}

func (b *Builder) Expect(spec ExpectSpec) *Builder {
	b.sc.Steps = append(b.sc.Steps, Step{Expect: &spec})
	return b
}

func (b *Builder) ExpectKind(kind string) *Builder {
	return b.Expect(ExpectSpec{Kind: kind})
}

func (b *Builder) WaitTag() *Builder {
	b.sc.Steps = append(b.sc.Steps, Step{WaitTag: true})
	return b
}

func (b *Builder) Build() *Scenario {
	sc := b.sc
	return &sc
}
