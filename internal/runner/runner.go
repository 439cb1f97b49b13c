// Package runner drives a single flag removal task from pending to a
// terminal status.
//
// A run moves through these states:
//
//	validating -> branch_exists (skip) -> completed
//	validating -> executing -> committing -> pushing -> proposing -> completed
//	any state  -> failed
//
// Validation reads the flag configuration and checks for the derived branch
// before anything is mutated. Once execution starts the run is detached from
// the caller's cancellation and always ends in a terminal write.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fentz26/flagsweep/internal/agent"
	"github.com/fentz26/flagsweep/internal/audit"
	"github.com/fentz26/flagsweep/internal/flagconfig"
	"github.com/fentz26/flagsweep/internal/models"
	"github.com/fentz26/flagsweep/internal/proposal"
	"github.com/fentz26/flagsweep/internal/telemetry"
	"github.com/fentz26/flagsweep/internal/vcs"
)

const scopeName = "github.com/fentz26/flagsweep/runner"

// State is a runner state.
type State string

const (
	StateValidating   State = "validating"
	StateBranchExists State = "branch_exists"
	StateExecuting    State = "executing"
	StateCommitting   State = "committing"
	StatePushing      State = "pushing"
	StateProposing    State = "proposing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Updater persists the terminal record.
type Updater interface {
	UpdateTask(ctx context.Context, task *models.Task) error
}

// Deps are the collaborators a Runner drives. Summarizer and Audit are optional.
type Deps struct {
	Store      Updater
	Flags      flagconfig.Source
	VCS        vcs.Gateway
	Agent      agent.EditAgent
	Proposals  proposal.Gateway
	Summarizer proposal.Summarizer
	Audit      *audit.Recorder
	Logger     *log.Logger
}

// Options tune a Runner.
type Options struct {
	// StepTimeout bounds every gateway call. Zero means no timeout.
	StepTimeout time.Duration
	// FlagsFile is the flag configuration path relative to the checkout,
	// passed to the edit agent.
	FlagsFile string
}

// Runner executes tasks one at a time. It holds no per-task state, but the
// gateways share a single checkout, so callers must not run tasks concurrently.
type Runner struct {
	deps   Deps
	opts   Options
	logger *log.Logger
	now    func() time.Time

	tracer    trace.Tracer
	processed metric.Int64Counter
	duration  metric.Float64Histogram
}

// New creates a Runner.
func New(deps Deps, opts Options) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	m := telemetry.Meter(scopeName)
	processed, _ := m.Int64Counter("flagsweep.tasks.processed",
		metric.WithDescription("Tasks that reached a terminal status, by outcome"),
	)
	duration, _ := m.Float64Histogram("flagsweep.task.duration",
		metric.WithDescription("Task run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return &Runner{
		deps:      deps,
		opts:      opts,
		logger:    logger.WithPrefix("runner"),
		now:       time.Now,
		tracer:    telemetry.Tracer(scopeName),
		processed: processed,
		duration:  duration,
	}
}

// Run drives task to a terminal status and persists it.
//
// The returned error explains the outcome: nil for a completed removal,
// ErrAlreadyProcessed for the idempotent skip, a *ValidationError or
// *ToolExecutionError for a persisted failure, and a *PersistenceError when
// the terminal write failed (the returned task is then still pending).
// Cancelling ctx before execution starts returns ctx's error with nothing
// persisted. Non-pending input is returned unchanged with ErrNotPending.
func (r *Runner) Run(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task == nil {
		return nil, errors.New("run: nil task")
	}
	if task.Status != models.TaskStatusPending {
		return task, ErrNotPending
	}

	start := r.now()
	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithAttributes(
		attribute.String("flagsweep.flag", task.FlagName),
	))
	defer span.End()

	logger := r.logger.With("flag", task.FlagName)
	logger.Info("Processing task", "requested_by", task.RequestedBy)

	t := *task
	cause := r.advance(ctx, &t, logger)
	if !t.Status.IsTerminal() {
		// Cancelled before any mutation; nothing to persist.
		logger.Info("Task interrupted before execution", "error", cause)
		return task, cause
	}
	t.UpdatedAt = r.now().UTC()

	// The terminal write must happen even if the caller gave up mid-run.
	persistCtx := context.WithoutCancel(ctx)
	if err := r.deps.Store.UpdateTask(persistCtx, &t); err != nil {
		perr := &PersistenceError{Key: t.Key(), Attempted: &t, Err: err}
		logger.Error("Failed to persist terminal status; task stays pending", "status", t.Status, "error", err)
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		r.record(persistCtx, start, "persistence_error")
		return task, perr
	}

	key := t.Key()
	switch {
	case t.Status == models.TaskStatusFailed:
		r.deps.Audit.Record(persistCtx, audit.ActionFail, map[string]string{"flag": t.FlagName}, audit.OutcomeFailed, key, t.FailureReason)
		logger.Warn("Task failed", "reason", t.FailureReason)
		span.SetStatus(codes.Error, t.FailureReason)
		r.record(persistCtx, start, string(models.TaskStatusFailed))
	case errors.Is(cause, ErrAlreadyProcessed):
		logger.Info("Task already processed", "branch", t.Branch())
		r.record(persistCtx, start, "skipped")
	default:
		r.deps.Audit.Record(persistCtx, audit.ActionComplete, map[string]string{"flag": t.FlagName}, audit.OutcomeOK, key, t.ProposalURL)
		logger.Info("Task completed", "proposal", t.ProposalURL)
		r.record(persistCtx, start, string(models.TaskStatusCompleted))
	}
	return &t, cause
}

// advance runs the state machine and leaves t in a terminal status, unless
// ctx is cancelled while validating.
func (r *Runner) advance(ctx context.Context, t *models.Task, logger *log.Logger) error {
	key := t.Key()
	branch := t.Branch()
	inputs := map[string]string{"flag": t.FlagName, "branch": branch}

	// validating
	err := r.step(ctx, StateValidating, "validate", func(ctx context.Context) error {
		cfg, err := r.deps.Flags.Load(ctx)
		if err != nil {
			return &ValidationError{Flag: t.FlagName, Reason: "load flag config: " + err.Error(), Err: err}
		}
		if !cfg.Has(t.FlagName) {
			return &ValidationError{Flag: t.FlagName, Reason: models.ReasonFlagNotFound}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.deps.Audit.Record(ctx, audit.ActionValidate, inputs, audit.OutcomeFailed, key, failureReason(err))
		return r.fail(t, err)
	}
	r.deps.Audit.Record(ctx, audit.ActionValidate, inputs, audit.OutcomeOK, key, "")

	var exists bool
	err = r.step(ctx, StateValidating, "branch_check", func(ctx context.Context) error {
		var err error
		exists, err = r.deps.VCS.BranchExists(ctx, branch)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(t, err)
	}
	if exists {
		t.Status = models.TaskStatusCompleted
		t.Note = models.NoteAlreadyProcessed
		r.deps.Audit.Record(ctx, audit.ActionSkip, inputs, audit.OutcomeSkipped, key, models.NoteAlreadyProcessed)
		return ErrAlreadyProcessed
	}

	// From here on the checkout is mutated; finish regardless of cancellation.
	ctx = context.WithoutCancel(ctx)

	// executing
	logger.Debug("Syncing default branch", "state", StateExecuting)
	if err := r.step(ctx, StateExecuting, "sync", r.deps.VCS.SyncDefaultBranch); err != nil {
		return r.fail(t, err)
	}
	err = r.step(ctx, StateExecuting, "checkout", func(ctx context.Context) error {
		return r.deps.VCS.CheckoutNewBranch(ctx, branch)
	})
	if err != nil {
		return r.fail(t, err)
	}

	var outcome *agent.Outcome
	logger.Info("Invoking edit agent", "checkout", r.deps.VCS.Dir())
	err = r.step(ctx, StateExecuting, "agent", func(ctx context.Context) error {
		var err error
		outcome, err = r.deps.Agent.ApplyRemoval(ctx, agent.Request{
			Kind:      t.Kind,
			Flag:      t.FlagName,
			Checkout:  r.deps.VCS.Dir(),
			FlagsFile: r.opts.FlagsFile,
		})
		if err != nil {
			return err
		}
		if outcome == nil || !outcome.Success {
			reason := "edit agent reported failure"
			if outcome != nil && outcome.Reason != "" {
				reason = outcome.Reason
			}
			return errors.New(reason)
		}
		return nil
	})
	if err != nil {
		r.deps.Audit.Record(ctx, audit.ActionExecute, inputs, audit.OutcomeFailed, key, failureReason(err))
		return r.fail(t, err)
	}
	r.deps.Audit.Record(ctx, audit.ActionExecute, inputs, audit.OutcomeOK, key, fmt.Sprintf("%d files modified", len(outcome.ModifiedFiles)))

	// committing
	err = r.step(ctx, StateCommitting, "commit", func(ctx context.Context) error {
		return r.deps.VCS.CommitAll(ctx, models.CommitMessage(t.FlagName))
	})
	if err != nil {
		r.deps.Audit.Record(ctx, audit.ActionCommit, inputs, audit.OutcomeFailed, key, failureReason(err))
		return r.fail(t, err)
	}
	r.deps.Audit.Record(ctx, audit.ActionCommit, inputs, audit.OutcomeOK, key, "")

	// pushing
	err = r.step(ctx, StatePushing, "push", func(ctx context.Context) error {
		return r.deps.VCS.Push(ctx, branch)
	})
	if err != nil {
		r.deps.Audit.Record(ctx, audit.ActionPush, inputs, audit.OutcomeFailed, key, failureReason(err))
		return r.fail(t, err)
	}
	r.deps.Audit.Record(ctx, audit.ActionPush, inputs, audit.OutcomeOK, key, "")

	// proposing
	body := proposal.RenderBody(proposal.BodyData{
		Flag:    t.FlagName,
		Branch:  branch,
		Files:   outcome.ModifiedFiles,
		Summary: r.summarize(ctx, t.FlagName, outcome.ModifiedFiles, logger),
	})
	var p *models.Proposal
	err = r.step(ctx, StateProposing, "propose", func(ctx context.Context) error {
		var err error
		p, err = r.deps.Proposals.OpenProposal(ctx, proposal.Request{
			Title: models.ProposalTitle(t.FlagName),
			Body:  body,
			Head:  branch,
			Base:  r.deps.VCS.DefaultBranch(),
		})
		return err
	})
	if err != nil {
		r.deps.Audit.Record(ctx, audit.ActionPropose, inputs, audit.OutcomeFailed, key, failureReason(err))
		return r.fail(t, err)
	}

	t.Status = models.TaskStatusCompleted
	if p != nil {
		t.ProposalURL = p.URL
		t.ProposalNumber = p.Number
	}
	r.deps.Audit.Record(ctx, audit.ActionPropose, inputs, audit.OutcomeOK, key, t.ProposalURL)
	return nil
}

// summarize returns an optional summary; failures fall back to the static body.
func (r *Runner) summarize(ctx context.Context, flag string, files []string, logger *log.Logger) string {
	if r.deps.Summarizer == nil {
		return ""
	}
	if r.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.StepTimeout)
		defer cancel()
	}
	text, err := r.deps.Summarizer.Summarize(ctx, flag, files)
	if err != nil {
		logger.Warn("Summary unavailable, using static proposal body", "error", err)
		return ""
	}
	return text
}

// step runs one gateway call under its own span and optional timeout.
// Failures come back as *ValidationError or *ToolExecutionError.
func (r *Runner) step(ctx context.Context, state State, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "runner."+name, trace.WithAttributes(
		attribute.String("flagsweep.state", string(state)),
	))
	defer span.End()

	if r.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.StepTimeout)
		defer cancel()
	}

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = &ToolExecutionError{Step: state, Err: fmt.Errorf("%w: %s: %v", ErrTimedOut, name, err)}
	} else {
		var ve *ValidationError
		if !errors.As(err, &ve) {
			err = &ToolExecutionError{Step: state, Err: err}
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (r *Runner) fail(t *models.Task, err error) error {
	t.Status = models.TaskStatusFailed
	t.FailureReason = failureReason(err)
	return err
}

func (r *Runner) record(ctx context.Context, start time.Time, outcome string) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if r.processed != nil {
		r.processed.Add(ctx, 1, attrs)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(r.now().Sub(start).Milliseconds()), attrs)
	}
}
