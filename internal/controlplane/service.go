// Package controlplane provides the HTTP API and service layer for flagsweep.
package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/flagsweep/internal/audit"
	"github.com/fentz26/flagsweep/internal/models"
	"github.com/fentz26/flagsweep/internal/proposal"
	"github.com/fentz26/flagsweep/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	store     store.TaskStore
	proposals proposal.Gateway
	audit     *audit.Recorder
	notify    func()
}

// NewService creates a new control plane service. notify is called after a
// task is created and may be nil.
func NewService(s store.TaskStore, proposals proposal.Gateway, rec *audit.Recorder, notify func()) *Service {
	return &Service{
		store:     s,
		proposals: proposals,
		audit:     rec,
		notify:    notify,
	}
}

// --- Task Operations ---

// CreateTask records a pending removal request for flag.
func (s *Service) CreateTask(ctx context.Context, flag, requestedBy string) (*models.Task, error) {
	if flag == "" {
		return nil, ErrInvalidFlag
	}
	task, err := s.store.CreateTask(ctx, flag, requestedBy)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.ActionCreate,
		map[string]string{"flag_name": flag, "requested_by": requestedBy},
		audit.OutcomeOK, task.Key(), "")
	if s.notify != nil {
		s.notify()
	}
	return task, nil
}

// GetTask retrieves a task by store key, falling back to treating ref as
// a flag name.
func (s *Service) GetTask(ctx context.Context, ref string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, ref)
	if !errors.Is(err, store.ErrNotFound) {
		return task, err
	}
	return s.store.GetTask(ctx, models.TaskKey(ref))
}

// ListTasks returns tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status string) ([]models.Task, error) {
	st := models.TaskStatus(status)
	if st != "" && !st.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.store.ListTasks(ctx, st)
}

// --- Proposal Operations ---

// ListProposals returns proposals opened by flagsweep, optionally filtered by state.
func (s *Service) ListProposals(ctx context.Context, state string) ([]models.Proposal, error) {
	ps := models.ProposalState(state)
	switch ps {
	case "", models.ProposalOpen, models.ProposalClosed, models.ProposalMerged:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return s.proposals.ListProposals(ctx, proposal.Filter{
		TitleContains: models.ProposalMarker,
		State:         ps,
	})
}
