package eid

import (
	"context"
	"sync"
)

// MockEngine implements Engine for testing. Tests drive the event stream
// through Emit/EndStream and inspect what the orchestrator fed back.
type MockEngine struct {
	mu            sync.Mutex
	events        chan Event
	streamOpen    bool
	startErr      error
	respondErr    error
	responses     []Response
	tags          []Tag
	identifyURLs  []string
	changePINRuns int
	cancelCalls   int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// WithStartError makes session starts fail.
func (e *MockEngine) WithStartError(err error) *MockEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
	return e
}

// WithRespondError makes Respond fail.
func (e *MockEngine) WithRespondError(err error) *MockEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.respondErr = err
	return e
}

func (e *MockEngine) open() (<-chan Event, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.events = make(chan Event, 32)
	e.streamOpen = true
	return e.events, nil
}

func (e *MockEngine) Identify(_ context.Context, tcTokenURL string) (<-chan Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identifyURLs = append(e.identifyURLs, tcTokenURL)
	return e.open()
}

func (e *MockEngine) ChangePIN(_ context.Context) (<-chan Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changePINRuns++
	return e.open()
}

func (e *MockEngine) Respond(resp Response) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.respondErr != nil {
		return e.respondErr
	}
	e.responses = append(e.responses, resp)
	return nil
}

func (e *MockEngine) HandleTag(tag Tag) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tags = append(e.tags, tag)
	return nil
}

func (e *MockEngine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelCalls++
	if e.streamOpen {
		close(e.events)
		e.streamOpen = false
	}
}

// Emit pushes an event into the open session stream.
func (e *MockEngine) Emit(ev Event) {
	e.mu.Lock()
	ch := e.events
	open := e.streamOpen
	e.mu.Unlock()
	if open {
		ch <- ev
	}
}

// EndStream completes the session stream, as the engine does after a
// terminal event.
func (e *MockEngine) EndStream() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamOpen {
		close(e.events)
		e.streamOpen = false
	}
}

// EmitTerminal emits ev and completes the stream.
func (e *MockEngine) EmitTerminal(ev Event) {
	e.Emit(ev)
	e.EndStream()
}

func (e *MockEngine) Responses() []Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Response(nil), e.responses...)
}

func (e *MockEngine) Tags() []Tag {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Tag(nil), e.tags...)
}

func (e *MockEngine) IdentifyURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.identifyURLs...)
}

func (e *MockEngine) ChangePINRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changePINRuns
}

func (e *MockEngine) CancelCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelCalls
}
