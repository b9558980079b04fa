package eid

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitInactive(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveSession() != SessionNone {
		if time.Now().After(deadline) {
			t.Fatal("session did not become inactive")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIdentifyRejectsSecondSession(t *testing.T) {
	engine := NewMockEngine()
	m := NewManager(engine)

	w, err := m.Identify(context.Background(), "https://eid.example/tc-token")
	if err != nil {
		t.Fatalf("Identify() error: %v", err)
	}
	ch, cancel := w.Subscribe()
	defer cancel()

	if _, err := m.Identify(context.Background(), "https://eid.example/other"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Identify() = %v, want ErrSessionActive", err)
	}
	if _, err := m.ChangePIN(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("ChangePIN() during identify = %v, want ErrSessionActive", err)
	}

	// Only one engine session was started, so the stream cannot interleave
	if urls := engine.IdentifyURLs(); len(urls) != 1 {
		t.Fatalf("engine saw %d identify sessions, want 1", len(urls))
	}

	engine.EmitTerminal(CompletedWithRedirect{RedirectURL: "https://service.example/done"})
	recv(t, ch)
	waitInactive(t, m)

	// A fresh session starts cleanly after the first completed
	if _, err := m.Identify(context.Background(), "https://eid.example/tc-token"); err != nil {
		t.Fatalf("Identify() after completion error: %v", err)
	}
}

func TestIdentifyStartErrorFreesSlot(t *testing.T) {
	engine := NewMockEngine().WithStartError(errors.New("no network"))
	m := NewManager(engine)

	if _, err := m.Identify(context.Background(), "https://eid.example/tc-token"); err == nil {
		t.Fatal("Identify() should propagate the start error")
	}
	if m.ActiveSession() != SessionNone {
		t.Error("failed start must not leave the session slot occupied")
	}
}

func TestEventsRepublishedInOrder(t *testing.T) {
	engine := NewMockEngine()
	m := NewManager(engine)

	w, err := m.ChangePIN(context.Background())
	if err != nil {
		t.Fatalf("ChangePIN() error: %v", err)
	}
	ch, cancel := w.Subscribe()
	defer cancel()

	engine.Emit(CardInsertionRequested{})
	engine.Emit(CardRecognized{})
	one := 1
	engine.Emit(ChangedPINRequested{AttemptsLeft: &one})

	if _, ok := recv(t, ch).(CardInsertionRequested); !ok {
		t.Error("expected CardInsertionRequested")
	}
	if _, ok := recv(t, ch).(CardRecognized); !ok {
		t.Error("expected CardRecognized")
	}
	req, ok := recv(t, ch).(ChangedPINRequested)
	if !ok {
		t.Fatal("expected ChangedPINRequested")
	}
	if req.AttemptsLeft == nil || *req.AttemptsLeft != 1 {
		t.Errorf("AttemptsLeft = %v, want 1", req.AttemptsLeft)
	}
}

func TestPendingRequestConsumedExactlyOnce(t *testing.T) {
	engine := NewMockEngine()
	m := NewManager(engine)

	w, _ := m.Identify(context.Background(), "https://eid.example/tc-token")
	ch, cancel := w.Subscribe()
	defer cancel()

	engine.Emit(PINRequested{})
	recv(t, ch)

	if err := m.SubmitPIN("123456"); err != nil {
		t.Fatalf("SubmitPIN() error: %v", err)
	}
	// The second submission finds no pending request and cannot advance
	// the session again
	if err := m.SubmitPIN("123456"); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("duplicate SubmitPIN() = %v, want ErrNoPendingRequest", err)
	}

	responses := engine.Responses()
	if len(responses) != 1 {
		t.Fatalf("engine received %d responses, want 1", len(responses))
	}
	if pin, ok := responses[0].(PIN); !ok || pin.Value != "123456" {
		t.Errorf("response = %#v, want PIN 123456", responses[0])
	}
}

func TestSubmitWrongKindRejected(t *testing.T) {
	engine := NewMockEngine()
	m := NewManager(engine)

	w, _ := m.Identify(context.Background(), "https://eid.example/tc-token")
	ch, cancel := w.Subscribe()
	defer cancel()

	engine.Emit(CANRequested{})
	recv(t, ch)

	if err := m.SubmitPIN("123456"); !errors.Is(err, ErrWrongSubmission) {
		t.Fatalf("SubmitPIN() against CAN request = %v, want ErrWrongSubmission", err)
	}
	// The pending CAN request is still answerable
	if err := m.SubmitCAN("654321"); err != nil {
		t.Fatalf("SubmitCAN() error: %v", err)
	}
}

func TestSubmitValidatesFormatBeforeEngine(t *testing.T) {
	engine := NewMockEngine()
	m := NewManager(engine)

	w, _ := m.Identify(context.Background(), "https://eid.example/tc-token")
	ch, cancel := w.Subscribe()
	defer cancel()

	engine.Emit(PINRequested{})
	recv(t, ch)

	tests := []struct {
		name   string
		submit func() error
	}{
		{"short pin", func() error { return m.SubmitPIN("123") }},
		{"alpha pin", func() error { return m.SubmitPIN("12a456") }},
		{"empty pin", func() error { return m.SubmitPIN("") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.submit(); err == nil {
				t.Error("expected format validation error")
			}
		})
	}

	if len(engine.Responses()) != 0 {
		t.Error("invalid submissions must not reach the engine")
	}
	// The pending request survived the rejected attempts
	if err := m.SubmitPIN("123456"); err != nil {
		t.Fatalf("valid SubmitPIN() error: %v", err)
	}
}

func TestRespondErrorKeepsRequestAnswerable(t *testing.T) {
	engineErr := errors.New("session gone")
	engine := NewMockEngine().WithRespondError(engineErr)
	m := NewManager(engine)

	w, _ := m.Identify(context.Background(), "https://eid.example/tc-token")
	ch, cancel := w.Subscribe()
	defer cancel()

	engine.Emit(PINRequested{})
	recv(t, ch)

	if err := m.SubmitPIN("123456"); !errors.Is(err, engineErr) {
		t.Fatalf("SubmitPIN() = %v, want wrapped engine error", err)
	}

	// The request was restored, a retry reaches the engine again
	engine.WithRespondError(nil)
	if err := m.SubmitPIN("123456"); err != nil {
		t.Fatalf("retry SubmitPIN() error: %v", err)
	}
}

func TestHandleCardTagRouting(t *testing.T) {
	engine := NewMockEngine()
	m := NewManager(engine)

	// No active session: tag dropped, not forwarded
	m.HandleCardTag(Tag{UID: "04aabbcc"})
	if len(engine.Tags()) != 0 {
		t.Fatal("tag with no active session must be dropped")
	}

	w, _ := m.Identify(context.Background(), "https://eid.example/tc-token")
	_, cancel := w.Subscribe()
	defer cancel()

	m.HandleCardTag(Tag{UID: "04aabbcc"})
	tags := engine.Tags()
	if len(tags) != 1 || tags[0].UID != "04aabbcc" {
		t.Fatalf("engine tags = %#v, want one forwarded tag", tags)
	}
}

func TestCancelCurrentTaskIdempotent(t *testing.T) {
	engine := NewMockEngine()
	m := NewManager(engine)

	// Idle cancel is a no-op
	m.CancelCurrentTask()
	if engine.CancelCalls() != 0 {
		t.Fatal("cancel with no session must not reach the engine")
	}

	w, _ := m.Identify(context.Background(), "https://eid.example/tc-token")
	ch, cancel := w.Subscribe()
	defer cancel()

	m.CancelCurrentTask()
	waitInactive(t, m)

	// The stream completed rather than erroring
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected completed stream, got event %T", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not complete after cancel")
	}

	// Further cancels stay safe
	m.CancelCurrentTask()
	m.CancelCurrentTask()
}

func TestChangePINSessionLifecycle(t *testing.T) {
	engine := NewMockEngine()
	m := NewManager(engine)

	w, err := m.ChangePIN(context.Background())
	if err != nil {
		t.Fatalf("ChangePIN() error: %v", err)
	}
	ch, cancel := w.Subscribe()
	defer cancel()

	if m.ActiveSession() != SessionChangePIN {
		t.Errorf("ActiveSession() = %v, want change-pin", m.ActiveSession())
	}

	engine.EmitTerminal(CompletedWithoutResult{})
	recv(t, ch)
	waitInactive(t, m)

	if engine.ChangePINRuns() != 1 {
		t.Errorf("engine change-pin runs = %d, want 1", engine.ChangePINRuns())
	}
}
