package engine

import "fmt"

// Execution statuses. pending is the only initial state; completed, failed and
// cancelled are terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ensureExecutionTransition enforces the execution state machine:
// pending -> running -> {completed, failed, cancelled}, with running <-> paused.
// Status is monotonic: no execution re-enters running after a terminal state.
func ensureExecutionTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case StatusPending:
		if newStatus == StatusRunning || newStatus == StatusCancelled {
			return nil
		}
	case StatusRunning:
		switch newStatus {
		case StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
			return nil
		}
	case StatusPaused:
		if newStatus == StatusRunning || newStatus == StatusCancelled || newStatus == StatusFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid execution status transition %s -> %s", oldStatus, newStatus)
}
