package engine

import (
	"strings"
	"testing"
)

func TestEnsureExecutionTransition(t *testing.T) {
	allowed := []struct{ from, to string }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCancelled},
		{StatusRunning, StatusPaused},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusPaused, StatusRunning},
		{StatusPaused, StatusCancelled},
		{StatusPaused, StatusFailed},
	}
	for _, tc := range allowed {
		if err := ensureExecutionTransition(tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s rejected: %v", tc.from, tc.to, err)
		}
	}

	denied := []struct{ from, to string }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusPaused},
		{StatusPaused, StatusCompleted},
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusRunning},
		{StatusCompleted, StatusCancelled},
		{StatusRunning, StatusPending},
	}
	for _, tc := range denied {
		err := ensureExecutionTransition(tc.from, tc.to)
		if err == nil {
			t.Errorf("%s -> %s allowed, want rejection", tc.from, tc.to)
			continue
		}
		if !strings.Contains(err.Error(), "status transition") {
			t.Errorf("%s -> %s error = %q", tc.from, tc.to, err)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false", s)
		}
	}
	for _, s := range []string{StatusPending, StatusRunning, StatusPaused} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true", s)
		}
	}
}
