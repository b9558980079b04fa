// Package sim is a scripted eid.Engine for development and tests. The
// production PACE/EAC engine is an external component; the simulator
// replays a fixture scenario instead of talking to a card.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/useid/eid-agent/internal/eid"
	"github.com/useid/eid-agent/internal/logging"
)

var (
	ErrSessionRunning = errors.New("sim: session already running")
	ErrNoSession      = errors.New("sim: no session running")
	ErrNotAwaiting    = errors.New("sim: no request awaiting input")
	ErrWrongFlow      = errors.New("sim: scenario scripted for the other flow")
)

// Engine replays one Scenario per session. Between sessions the same
// scenario can be replayed any number of times.
type Engine struct {
	scenario *Scenario

	mu        sync.Mutex
	running   bool
	awaiting  bool
	responses chan eid.Response
	tags      chan eid.Tag
	cancel    chan struct{}
	done      chan struct{}
}

// New creates an engine that replays sc.
func New(sc *Scenario) *Engine {
	return &Engine{scenario: sc}
}

// Identify starts the scripted identification session.
func (e *Engine) Identify(ctx context.Context, tcTokenURL string) (<-chan eid.Event, error) {
	if tcTokenURL == "" {
		return nil, errors.New("sim: empty TC-Token URL")
	}
	return e.start(ctx, FlowIdentify)
}

// ChangePIN starts the scripted PIN-management session.
func (e *Engine) ChangePIN(ctx context.Context) (<-chan eid.Event, error) {
	return e.start(ctx, FlowChangePIN)
}

func (e *Engine) start(ctx context.Context, flow Flow) (<-chan eid.Event, error) {
	if e.scenario.Flow != flow {
		return nil, fmt.Errorf("%w: have %q, want %q", ErrWrongFlow, e.scenario.Flow, flow)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrSessionRunning
	}
	e.running = true
	e.responses = make(chan eid.Response)
	e.tags = make(chan eid.Tag)
	e.cancel = make(chan struct{})
	e.done = make(chan struct{})
	responses, tags, cancel, done := e.responses, e.tags, e.cancel, e.done
	e.mu.Unlock()

	events := make(chan eid.Event, 1)
	logging.Info(logging.CatCard, "Simulated session started", map[string]any{
		"scenario": e.scenario.Name,
		"flow":     string(flow),
	})
	go e.run(ctx, events, responses, tags, cancel, done)
	return events, nil
}

func (e *Engine) run(ctx context.Context, events chan<- eid.Event, responses <-chan eid.Response, tags <-chan eid.Tag, cancel <-chan struct{}, done chan struct{}) {
	defer func() {
		// Mark the session dead before completing the stream so a
		// Respond racing the shutdown fails instead of blocking.
		e.mu.Lock()
		e.running = false
		e.awaiting = false
		close(done)
		e.mu.Unlock()
		close(events)
	}()

	for i, step := range e.scenario.Steps {
		switch {
		case step.Emit != nil:
			ev, err := step.Emit.event()
			if err != nil {
				logging.Error(logging.CatCard, "Bad scenario step", map[string]any{
					"scenario": e.scenario.Name,
					"error":    err.Error(),
				})
				ev = eid.Failed{Err: err}
			}
			// Open the response gate before the request event becomes
			// visible, so a prompt submission never races the script.
			if i+1 < len(e.scenario.Steps) && e.scenario.Steps[i+1].Expect != nil {
				e.setAwaiting(true)
			}
			select {
			case events <- ev:
			case <-cancel:
				return
			case <-ctx.Done():
				return
			}
			if eid.IsTerminal(ev) {
				return
			}

		case step.Expect != nil:
			e.setAwaiting(true)
			matched := false
			for !matched {
				select {
				case resp := <-responses:
					matched = step.Expect.matches(resp)
					if !matched {
						// The scripted card rejects the input; keep the
						// session suspended until a match arrives.
						logging.Debug(logging.CatCard, "Response did not match expectation", map[string]any{
							"scenario": e.scenario.Name,
							"expected": step.Expect.Kind,
						})
					}
				case <-cancel:
					return
				case <-ctx.Done():
					return
				}
			}
			e.setAwaiting(false)

		case step.WaitTag:
			select {
			case tag := <-tags:
				logging.Debug(logging.CatCard, "Simulated tag presented", map[string]any{
					"uid": tag.UID,
				})
			case <-cancel:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) setAwaiting(v bool) {
	e.mu.Lock()
	e.awaiting = v
	e.mu.Unlock()
}

// Respond resumes the session waiting on a request event. It fails
// instead of blocking when the script is not at an expect step.
func (e *Engine) Respond(resp eid.Response) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNoSession
	}
	if !e.awaiting {
		e.mu.Unlock()
		return ErrNotAwaiting
	}
	responses, cancel, done := e.responses, e.cancel, e.done
	e.mu.Unlock()

	select {
	case responses <- resp:
		return nil
	case <-cancel:
		return ErrNoSession
	case <-done:
		return ErrNoSession
	}
}

// HandleTag delivers a simulated card tap. Dropped unless the script is
// waiting for one.
func (e *Engine) HandleTag(tag eid.Tag) error {
	e.mu.Lock()
	running, tags, cancel := e.running, e.tags, e.cancel
	e.mu.Unlock()
	if !running {
		return ErrNoSession
	}

	select {
	case tags <- tag:
	case <-cancel:
	default:
		// Script is not at a tag step; single taps are dropped
	}
	return nil
}

// Cancel aborts the running session. Idempotent.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	select {
	case <-e.cancel:
	default:
		close(e.cancel)
	}
}
