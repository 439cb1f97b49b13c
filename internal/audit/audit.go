// Package audit records a decision entry for every state-relevant action.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/fentz26/flagsweep/internal/models"
)

// Actions recorded by flagsweep.
const (
	ActionCreate   = "task.create"
	ActionValidate = "task.validate"
	ActionSkip     = "task.skip"
	ActionExecute  = "task.execute"
	ActionCommit   = "task.commit"
	ActionPush     = "task.push"
	ActionPropose  = "task.propose"
	ActionComplete = "task.complete"
	ActionFail     = "task.fail"
)

// Outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Sink persists audit entries. Both task stores implement it.
type Sink interface {
	WriteAudit(ctx context.Context, entry *models.AuditEntry) error
}

// Recorder hashes inputs and writes entries to a Sink. A nil Recorder
// records nothing.
type Recorder struct {
	sink   Sink
	logger *log.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder writing to sink.
func NewRecorder(sink Sink, logger *log.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// Record writes one entry. Write failures are logged and swallowed so that
// auditing never changes a task's outcome.
func (r *Recorder) Record(ctx context.Context, action string, inputs any, outcome, taskKey, details string) *models.AuditEntry {
	if r == nil || r.sink == nil {
		return nil
	}
	entry := &models.AuditEntry{
		ID:         uuid.NewString(),
		Action:     action,
		InputsHash: HashInputs(inputs),
		Outcome:    outcome,
		TaskKey:    taskKey,
		Details:    details,
		Timestamp:  r.now().UTC(),
	}
	if err := r.sink.WriteAudit(ctx, entry); err != nil {
		if r.logger != nil {
			r.logger.Warn("audit write failed", "action", action, "task", taskKey, "error", err)
		}
		return nil
	}
	return entry
}

// HashInputs returns the hex SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
