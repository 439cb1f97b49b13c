package runner

import (
	"errors"
	"fmt"

	"github.com/fentz26/flagsweep/internal/models"
)

var (
	// ErrNotPending is returned when Run is given a task that already reached
	// a terminal status. The task is returned unchanged.
	ErrNotPending = errors.New("task is not pending")

	// ErrAlreadyProcessed reports the idempotent short-circuit: the derived
	// branch already exists, so the task was completed without side effects.
	// It is informational, not a failure.
	ErrAlreadyProcessed = errors.New(models.NoteAlreadyProcessed)

	// ErrTimedOut marks a step that exceeded the configured step timeout.
	ErrTimedOut = errors.New(models.ReasonTimedOut)
)

// ValidationError means the task could not start. No side effects occurred,
// so the task is safe to resubmit once the flag configuration is fixed.
type ValidationError struct {
	Flag   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %s", e.Flag, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ToolExecutionError is a git, agent or proposal call that did not succeed.
// Branch and commit state is left as-is for inspection.
type ToolExecutionError struct {
	Step State
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// PersistenceError means the terminal write failed. The stored record stays
// pending and the next watcher pass will pick it up again; Attempted holds
// the record that could not be written.
type PersistenceError struct {
	Key       string
	Attempted *models.Task
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// failureReason is the text stored on a failed record.
func failureReason(err error) string {
	if errors.Is(err, ErrTimedOut) {
		return models.ReasonTimedOut
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	var te *ToolExecutionError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}
