package identification

import (
	"context"
	"sync"

	"github.com/useid/eid-agent/internal/eid"
)

// mockManager implements SessionManager, letting tests drive the event
// stream and record what the coordinator submits.
type mockManager struct {
	mu           sync.Mutex
	watch        *eid.Watch[eid.Event]
	identifyErr  error
	submitErr    error
	identifyURLs []string
	confirmed    []map[eid.Attribute]bool
	pins         []string
	pinAndCANs   [][2]string
	cans         []string
	cancelCalls  int
}

func newMockManager() *mockManager {
	return &mockManager{}
}

func (m *mockManager) withIdentifyError(err error) *mockManager {
	m.identifyErr = err
	return m
}

func (m *mockManager) withSubmitError(err error) *mockManager {
	m.submitErr = err
	return m
}

func (m *mockManager) Identify(_ context.Context, tcTokenURL string) (*eid.Watch[eid.Event], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identifyErr != nil {
		return nil, m.identifyErr
	}
	m.identifyURLs = append(m.identifyURLs, tcTokenURL)
	m.watch = eid.NewWatch[eid.Event]()
	return m.watch, nil
}

func (m *mockManager) ConfirmAttributes(attrs map[eid.Attribute]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.confirmed = append(m.confirmed, attrs)
	return nil
}

func (m *mockManager) SubmitPIN(pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.pins = append(m.pins, pin)
	return nil
}

func (m *mockManager) SubmitPINAndCAN(pin, can string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.pinAndCANs = append(m.pinAndCANs, [2]string{pin, can})
	return nil
}

func (m *mockManager) SubmitCAN(can string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.cans = append(m.cans, can)
	return nil
}

func (m *mockManager) CancelCurrentTask() {
	m.mu.Lock()
	w := m.watch
	m.cancelCalls++
	m.mu.Unlock()
	// Cancelling completes the stream without further events
	if w != nil {
		w.Close()
	}
}

// emit publishes a session event, as the orchestrator pump would.
func (m *mockManager) emit(ev eid.Event) {
	m.mu.Lock()
	w := m.watch
	m.mu.Unlock()
	w.Publish(ev)
}

// end completes the session stream after a terminal event.
func (m *mockManager) end() {
	m.mu.Lock()
	w := m.watch
	m.mu.Unlock()
	w.Close()
}

func (m *mockManager) submittedPINs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pins...)
}

func (m *mockManager) submittedPINAndCANs() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]string(nil), m.pinAndCANs...)
}

func (m *mockManager) confirmations() []map[eid.Attribute]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[eid.Attribute]bool(nil), m.confirmed...)
}

func (m *mockManager) cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls
}

// mockNavigator records redirect navigations.
type mockNavigator struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (n *mockNavigator) OpenURL(url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	return n.err
}

func (n *mockNavigator) opened() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.urls...)
}
