package setup

import (
	"context"
	"sync"

	"github.com/useid/eid-agent/internal/eid"
)

// mockManager implements SessionManager, letting tests drive the event
// stream and record what the coordinator submits.
type mockManager struct {
	mu             sync.Mutex
	watch          *eid.Watch[eid.Event]
	changePINErr   error
	submitErr      error
	changePINCalls int
	changedPINs    [][2]string
	canAndPINs     [][3]string
	cancelCalls    int
}

func newMockManager() *mockManager {
	return &mockManager{}
}

func (m *mockManager) withChangePINError(err error) *mockManager {
	m.changePINErr = err
	return m
}

func (m *mockManager) ChangePIN(context.Context) (*eid.Watch[eid.Event], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.changePINErr != nil {
		return nil, m.changePINErr
	}
	m.changePINCalls++
	m.watch = eid.NewWatch[eid.Event]()
	return m.watch, nil
}

func (m *mockManager) SubmitChangedPIN(oldPIN, newPIN string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.changedPINs = append(m.changedPINs, [2]string{oldPIN, newPIN})
	return nil
}

func (m *mockManager) SubmitCANAndChangedPIN(can, oldPIN, newPIN string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return m.submitErr
	}
	m.canAndPINs = append(m.canAndPINs, [3]string{can, oldPIN, newPIN})
	return nil
}

func (m *mockManager) CancelCurrentTask() {
	m.mu.Lock()
	w := m.watch
	m.cancelCalls++
	m.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

func (m *mockManager) emit(ev eid.Event) {
	m.mu.Lock()
	w := m.watch
	m.mu.Unlock()
	w.Publish(ev)
}

func (m *mockManager) end() {
	m.mu.Lock()
	w := m.watch
	m.mu.Unlock()
	w.Close()
}

func (m *mockManager) sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changePINCalls
}

func (m *mockManager) submittedChangedPINs() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]string(nil), m.changedPINs...)
}

func (m *mockManager) submittedCANAndPINs() [][3]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][3]string(nil), m.canAndPINs...)
}

func (m *mockManager) cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls
}

// mockIdentifier records deferred identification handoffs.
type mockIdentifier struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (i *mockIdentifier) Begin(_ context.Context, tcTokenURL string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	i.urls = append(i.urls, tcTokenURL)
	return nil
}

func (i *mockIdentifier) begun() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.urls...)
}

// mockStore is an in-memory Storage.
type mockStore struct {
	mu             sync.Mutex
	setupCompleted bool
	tokenURL       string
}

func (s *mockStore) SetSetupCompleted(done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setupCompleted = done
	return nil
}

func (s *mockStore) PendingTokenURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenURL
}

func (s *mockStore) TakeTokenURL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := s.tokenURL
	s.tokenURL = ""
	return url, nil
}

func (s *mockStore) setTokenURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenURL = url
}

func (s *mockStore) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupCompleted
}
