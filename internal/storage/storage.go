package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// state is what gets persisted. Nothing protocol-relevant beyond these
// session flags is ever written to disk; PINs, CANs and card data stay
// in memory only.
type state struct {
	SetupCompleted  bool   `json:"setupCompleted"`
	CrashReporting  bool   `json:"crashReporting"`
	PendingTokenURL string `json:"pendingTokenUrl,omitempty"`
}

// Store persists agent flags across restarts. All methods are safe for
// concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	st   state
}

// DefaultPath returns the state file location under the user config dir.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "eid-agent", "state.json"), nil
}

// Open loads the store from path, falling back to defaults when the file
// is missing or unreadable.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt file: start over with defaults rather than failing startup
		return s, nil
	}
	s.st = st
	return s, nil
}

func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// SetupCompleted reports whether PIN setup has been finished or skipped.
func (s *Store) SetupCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SetupCompleted
}

// SetSetupCompleted records that the user finished or skipped setup.
func (s *Store) SetSetupCompleted(done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.SetupCompleted = done
	return s.save()
}

// CrashReporting reports the crash reporting opt-in.
func (s *Store) CrashReporting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.CrashReporting
}

// SetCrashReporting updates the crash reporting opt-in.
func (s *Store) SetCrashReporting(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.CrashReporting = enabled
	return s.save()
}

// SetTokenURL stores a TC-Token URL delivered by an activation link before
// the user was ready to identify. It overwrites any previous pending URL.
func (s *Store) SetTokenURL(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.PendingTokenURL = url
	return s.save()
}

// PendingTokenURL returns the stored TC-Token URL without consuming it.
func (s *Store) PendingTokenURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.PendingTokenURL
}

// TakeTokenURL returns the stored TC-Token URL and clears it atomically.
// A stored URL is consumed exactly once; the second call returns "".
func (s *Store) TakeTokenURL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := s.st.PendingTokenURL
	if url == "" {
		return "", nil
	}
	s.st.PendingTokenURL = ""
	return url, s.save()
}
