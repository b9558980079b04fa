package flows

import (
	"errors"
	"fmt"
	"testing"

	"github.com/useid/eid-agent/internal/eid"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantKind     FailureKind
		wantRedirect string
	}{
		{
			name:     "card blocked",
			err:      eid.ErrCardBlocked,
			wantKind: FailureCardBlocked,
		},
		{
			name:     "wrapped card blocked",
			err:      fmt.Errorf("session: %w", eid.ErrCardBlocked),
			wantKind: FailureCardBlocked,
		},
		{
			name:     "card deactivated",
			err:      eid.ErrCardDeactivated,
			wantKind: FailureCardDeactivated,
		},
		{
			name:         "process failed with redirect",
			err:          &eid.ProcessFailedError{ResultCode: "CLIENT_ERROR", RedirectURL: "https://service.example/error"},
			wantKind:     FailureCardUnreadableWithRedirect,
			wantRedirect: "https://service.example/error",
		},
		{
			name:     "process failed without redirect",
			err:      &eid.ProcessFailedError{ResultCode: "CLIENT_ERROR", ResultMinor: "trustedChannelEstablishmentFailed"},
			wantKind: FailureCardUnreadable,
		},
		{
			name:     "unknown error",
			err:      errors.New("boom"),
			wantKind: FailureGeneric,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failure := Classify(tt.err)
			if failure.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", failure.Kind, tt.wantKind)
			}
			if failure.RedirectURL != tt.wantRedirect {
				t.Errorf("RedirectURL = %q, want %q", failure.RedirectURL, tt.wantRedirect)
			}
			if failure.Message == "" {
				t.Error("Message should carry the underlying error text")
			}
		})
	}
}

func TestRecoverable(t *testing.T) {
	if Recoverable(eid.ErrCardBlocked) {
		t.Error("card blocked is not recoverable")
	}
	if Recoverable(eid.ErrCardDeactivated) {
		t.Error("card deactivated is not recoverable")
	}
	if !Recoverable(&eid.ProcessFailedError{ResultCode: "CLIENT_ERROR"}) {
		t.Error("process failures are recoverable at flow level")
	}
}
