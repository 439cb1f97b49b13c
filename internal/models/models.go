// Package models defines the core domain types for flagsweep.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskKind tags the work a task asks for.
type TaskKind string

const (
	TaskKindRemoveFlag TaskKind = "remove_flag"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transition may occur from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// Notes and reasons written by the runner.
const (
	NoteAlreadyProcessed = "already processed"
	ReasonFlagNotFound   = "flag not found"
	ReasonTimedOut       = "timed out"
)

// Task is the durable record of one flag removal request and its outcome.
type Task struct {
	FlagName       string     `json:"flag_name" yaml:"flag_name"`
	Kind           TaskKind   `json:"task_type" yaml:"task_type"`
	RequestedBy    string     `json:"requested_by" yaml:"requested_by"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	Status         TaskStatus `json:"status" yaml:"status"`
	FailureReason  string     `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	Note           string     `json:"note,omitempty" yaml:"note,omitempty"`
	ProposalURL    string     `json:"proposal_url,omitempty" yaml:"proposal_url,omitempty"`
	ProposalNumber int        `json:"proposal_number,omitempty" yaml:"proposal_number,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Key returns the store identity of the task.
func (t *Task) Key() string {
	return TaskKey(t.FlagName)
}

// Branch returns the branch the task works on.
func (t *Task) Branch() string {
	return BranchName(t.FlagName)
}

// TaskKey derives the store key for a flag. Two requests for the same flag
// collide on this key.
func TaskKey(flag string) string {
	return "remove_" + flag
}

// FlagFromKey reverses TaskKey. ok is false when key was not produced by TaskKey.
func FlagFromKey(key string) (flag string, ok bool) {
	flag, ok = strings.CutPrefix(key, "remove_")
	if !ok || flag == "" {
		return "", false
	}
	return flag, true
}

// BranchName derives the branch name for a flag. Its presence on the remote
// or locally means the flag was already processed.
func BranchName(flag string) string {
	return "remove-flag-" + flag
}

// ProposalMarker prefixes the title of every proposal flagsweep opens.
const ProposalMarker = "Remove feature flag:"

// ProposalTitle returns the pull request title for a flag.
func ProposalTitle(flag string) string {
	return ProposalMarker + " " + flag
}

// CommitMessage returns the commit message for a flag.
func CommitMessage(flag string) string {
	return ProposalTitle(flag)
}

// ErrInvalidFlagName is returned by ValidateFlagName.
var ErrInvalidFlagName = errors.New("invalid flag name")

// ValidateFlagName rejects names that cannot be embedded in a git ref or a file name.
func ValidateFlagName(flag string) error {
	switch {
	case flag == "":
		return fmt.Errorf("%w: empty", ErrInvalidFlagName)
	case strings.HasPrefix(flag, "-"), strings.HasPrefix(flag, "."):
		return fmt.Errorf("%w: %q has a leading %q", ErrInvalidFlagName, flag, flag[:1])
	case strings.HasSuffix(flag, ".lock"), strings.HasSuffix(flag, "."):
		return fmt.Errorf("%w: %q has a reserved suffix", ErrInvalidFlagName, flag)
	case strings.Contains(flag, ".."), strings.Contains(flag, "@{"):
		return fmt.Errorf("%w: %q contains a reserved sequence", ErrInvalidFlagName, flag)
	}
	for _, r := range flag {
		if r <= ' ' || r == 0x7f || strings.ContainsRune(`~^:?*[\/`, r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidFlagName, flag, r)
		}
	}
	return nil
}

// ProposalState is the lifecycle state of a pull request.
type ProposalState string

const (
	ProposalOpen   ProposalState = "open"
	ProposalClosed ProposalState = "closed"
	ProposalMerged ProposalState = "merged"
)

// Proposal is a change proposal (pull request) on the remote.
type Proposal struct {
	Number    int           `json:"number"`
	Title     string        `json:"title"`
	State     ProposalState `json:"state"`
	Author    string        `json:"author"`
	Branch    string        `json:"branch,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	URL       string        `json:"url"`
}

// AuditEntry is a decision record written for every state-relevant action.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskKey    string    `json:"task_key,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
