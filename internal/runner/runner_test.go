package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/flagsweep/internal/agent"
	"github.com/fentz26/flagsweep/internal/audit"
	"github.com/fentz26/flagsweep/internal/flagconfig"
	"github.com/fentz26/flagsweep/internal/models"
	"github.com/fentz26/flagsweep/internal/proposal"
	"github.com/fentz26/flagsweep/internal/store"
)

// fakeStore keeps records in memory and enforces terminal finality.
type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]models.Task
	audit   []*models.AuditEntry
	failErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]models.Task{}}
}

func (s *fakeStore) add(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Key()] = *t
}

func (s *fakeStore) get(key string) models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[key]
}

func (s *fakeStore) UpdateTask(ctx context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	cur, ok := s.tasks[t.Key()]
	if !ok {
		return store.ErrNotFound
	}
	if err := store.CheckTransition(&cur, t); err != nil {
		return err
	}
	s.tasks[t.Key()] = *t
	return nil
}

func (s *fakeStore) WriteAudit(ctx context.Context, e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *fakeStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.audit {
		out = append(out, e.Action+":"+e.Outcome)
	}
	return out
}

type fakeFlags struct {
	names []string
	err   error
}

func (f fakeFlags) Load(ctx context.Context) (*flagconfig.Config, error) {
	if f.err != nil {
		return nil, f.err
	}
	cfg := &flagconfig.Config{Flags: map[string]flagconfig.Flag{}}
	for _, n := range f.names {
		cfg.Flags[n] = flagconfig.Flag{}
	}
	return cfg, nil
}

// fakeVCS records calls and models branches created locally.
type fakeVCS struct {
	mu       sync.Mutex
	calls    []string
	branches map[string]bool
	fail     map[string]error
	block    map[string]bool
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{branches: map[string]bool{}, fail: map[string]error{}, block: map[string]bool{}}
}

func (v *fakeVCS) do(ctx context.Context, op string) error {
	v.mu.Lock()
	v.calls = append(v.calls, op)
	err, block := v.fail[op], v.block[op]
	v.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (v *fakeVCS) SyncDefaultBranch(ctx context.Context) error { return v.do(ctx, "sync") }

func (v *fakeVCS) CheckoutNewBranch(ctx context.Context, name string) error {
	if err := v.do(ctx, "checkout"); err != nil {
		return err
	}
	v.mu.Lock()
	v.branches[name] = true
	v.mu.Unlock()
	return nil
}

func (v *fakeVCS) CommitAll(ctx context.Context, msg string) error { return v.do(ctx, "commit:"+msg) }
func (v *fakeVCS) Push(ctx context.Context, branch string) error   { return v.do(ctx, "push:"+branch) }

func (v *fakeVCS) BranchExists(ctx context.Context, name string) (bool, error) {
	if err := v.do(ctx, "exists"); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.branches[name], nil
}

func (v *fakeVCS) ChangedFiles(ctx context.Context) ([]string, error) { return nil, nil }
func (v *fakeVCS) Dir() string                                        { return "/work/repo" }
func (v *fakeVCS) DefaultBranch() string                              { return "main" }

func (v *fakeVCS) getCalls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

type fakeAgent struct {
	outcome *agent.Outcome
	err     error
	block   bool
	got     []agent.Request
}

func (a *fakeAgent) ApplyRemoval(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
	a.got = append(a.got, req)
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return a.outcome, a.err
}

type fakeProposals struct {
	err  error
	reqs []proposal.Request
}

func (p *fakeProposals) OpenProposal(ctx context.Context, req proposal.Request) (*models.Proposal, error) {
	p.reqs = append(p.reqs, req)
	if p.err != nil {
		return nil, p.err
	}
	return &models.Proposal{Number: 12, Title: req.Title, State: models.ProposalOpen, URL: "https://github.com/acme/shop/pull/12"}, nil
}

func (p *fakeProposals) ListProposals(ctx context.Context, f proposal.Filter) ([]models.Proposal, error) {
	return nil, nil
}

type fakeSummarizer struct {
	text string
	err  error
}

func (s fakeSummarizer) Summarize(ctx context.Context, flag string, files []string) (string, error) {
	return s.text, s.err
}

type harness struct {
	store     *fakeStore
	vcs       *fakeVCS
	agent     *fakeAgent
	proposals *fakeProposals
	deps      Deps
}

func newHarness(t *testing.T, flags ...string) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(),
		vcs:       newFakeVCS(),
		agent:     &fakeAgent{outcome: &agent.Outcome{Success: true, ModifiedFiles: []string{"feature_flags.yaml", "app.py"}}},
		proposals: &fakeProposals{},
	}
	logger := log.New(io.Discard)
	h.deps = Deps{
		Store:     h.store,
		Flags:     fakeFlags{names: flags},
		VCS:       h.vcs,
		Agent:     h.agent,
		Proposals: h.proposals,
		Audit:     audit.NewRecorder(h.store, logger),
		Logger:    logger,
	}
	return h
}

func (h *harness) pending(t *testing.T, flag string) *models.Task {
	t.Helper()
	task, err := store.NewTask(flag, "alice", time.Now())
	require.NoError(t, err)
	h.store.add(task)
	return task
}

func TestRun_FlagNotFound(t *testing.T) {
	h := newHarness(t, "other_flag")
	task := h.pending(t, "unknown_flag")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, models.ReasonFlagNotFound, got.FailureReason)
	assert.Empty(t, h.vcs.getCalls(), "validation failure must not touch version control")
	assert.Empty(t, h.agent.got)

	stored := h.store.get(task.Key())
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	assert.Equal(t, models.ReasonFlagNotFound, stored.FailureReason)
	assert.Equal(t, []string{"task.validate:failed", "task.fail:failed"}, h.store.actions())
}

func TestRun_FlagConfigLoadError(t *testing.T) {
	h := newHarness(t)
	h.deps.Flags = fakeFlags{err: errors.New("open feature_flags.yaml: no such file")}
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "no such file")
	assert.Empty(t, h.vcs.getCalls())
}

func TestRun_AlreadyProcessed(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.vcs.branches["remove-flag-search_v2"] = true
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	require.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, models.NoteAlreadyProcessed, got.Note)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, []string{"exists"}, h.vcs.getCalls())
	assert.Empty(t, h.agent.got)
	assert.Empty(t, h.proposals.reqs)
	assert.Equal(t, models.TaskStatusCompleted, h.store.get(task.Key()).Status)
	assert.Contains(t, h.store.actions(), "task.skip:skipped")
}

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, "search_v2")
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{FlagsFile: "feature_flags.yaml"}).Run(context.Background(), task)

	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Empty(t, got.Note)
	assert.Equal(t, "https://github.com/acme/shop/pull/12", got.ProposalURL)
	assert.Equal(t, 12, got.ProposalNumber)
	assert.False(t, got.UpdatedAt.IsZero())

	assert.Equal(t, []string{
		"exists",
		"sync",
		"checkout",
		"commit:Remove feature flag: search_v2",
		"push:remove-flag-search_v2",
	}, h.vcs.getCalls())

	require.Len(t, h.agent.got, 1)
	assert.Equal(t, agent.Request{
		Kind:      models.TaskKindRemoveFlag,
		Flag:      "search_v2",
		Checkout:  "/work/repo",
		FlagsFile: "feature_flags.yaml",
	}, h.agent.got[0])

	require.Len(t, h.proposals.reqs, 1)
	req := h.proposals.reqs[0]
	assert.Equal(t, "Remove feature flag: search_v2", req.Title)
	assert.Equal(t, "remove-flag-search_v2", req.Head)
	assert.Equal(t, "main", req.Base)
	assert.Contains(t, req.Body, "app.py")

	stored := h.store.get(task.Key())
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.Equal(t, []string{
		"task.validate:ok",
		"task.execute:ok",
		"task.commit:ok",
		"task.push:ok",
		"task.propose:ok",
		"task.complete:ok",
	}, h.store.actions())
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	h := newHarness(t, "search_v2")
	r := New(h.deps, Options{})

	_, err := r.Run(context.Background(), h.pending(t, "search_v2"))
	require.NoError(t, err)

	// A fresh submission after the first one was archived.
	again, err := store.NewTask("search_v2", "bob", time.Now())
	require.NoError(t, err)
	h.store.mu.Lock()
	delete(h.store.tasks, again.Key())
	h.store.mu.Unlock()
	h.store.add(again)

	got, err := r.Run(context.Background(), again)
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, models.NoteAlreadyProcessed, got.Note)
	assert.Len(t, h.agent.got, 1, "agent must not run twice")
	assert.Len(t, h.proposals.reqs, 1)
}

func TestRun_AgentFailure(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.agent.outcome = &agent.Outcome{Success: false, Reason: "tests failed: test_search.py"}
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateExecuting, te.Step)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "tests failed: test_search.py", got.FailureReason)
	assert.Equal(t, []string{"exists", "sync", "checkout"}, h.vcs.getCalls(), "no commit, push or rollback after agent failure")
	assert.Empty(t, h.proposals.reqs)
	assert.True(t, h.vcs.branches["remove-flag-search_v2"], "branch is left for inspection")
}

func TestRun_AgentError(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.agent.outcome, h.agent.err = nil, errors.New("run claude: command not allowed")
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	require.Error(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "run claude: command not allowed", got.FailureReason)
}

func TestRun_PushFailure(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.vcs.fail["push:remove-flag-search_v2"] = errors.New("push: git push: exit status 1: remote: Permission denied")
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatePushing, te.Step)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "Permission denied")
	assert.Empty(t, h.proposals.reqs)
	assert.Contains(t, h.store.actions(), "task.push:failed")
}

func TestRun_PushFailureThenResubmit(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.vcs.fail["push:remove-flag-search_v2"] = errors.New("push: git push: exit status 1: remote: Permission denied")
	r := New(h.deps, Options{})

	got, err := r.Run(context.Background(), h.pending(t, "search_v2"))
	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	// The push may be fixed by now; the local branch still blocks a rerun.
	delete(h.vcs.fail, "push:remove-flag-search_v2")
	again, err := store.NewTask("search_v2", "bob", time.Now())
	require.NoError(t, err)
	h.store.mu.Lock()
	delete(h.store.tasks, again.Key())
	h.store.mu.Unlock()
	h.store.add(again)

	got, err = r.Run(context.Background(), again)
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, models.NoteAlreadyProcessed, got.Note)

	commits := 0
	for _, c := range h.vcs.getCalls() {
		if c == "commit:Remove feature flag: search_v2" {
			commits++
		}
	}
	assert.Equal(t, 1, commits)
	assert.Len(t, h.agent.got, 1)
	assert.Empty(t, h.proposals.reqs)
}

func TestRun_CommitFailure(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.vcs.fail["commit:Remove feature flag: search_v2"] = errors.New("commit: nothing to commit")
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateCommitting, te.Step)
	assert.Equal(t, "commit: nothing to commit", got.FailureReason)
	assert.NotContains(t, h.vcs.getCalls(), "push:remove-flag-search_v2")
}

func TestRun_ProposalFailureKeepsCommits(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.proposals.err = errors.New("github api: status 422: validation failed")
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateProposing, te.Step)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "status 422")
	assert.Contains(t, h.vcs.getCalls(), "push:remove-flag-search_v2")
}

func TestRun_BranchCheckFailure(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.vcs.fail["exists"] = errors.New("check remote branch: could not read from remote")
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	require.Error(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, []string{"exists"}, h.vcs.getCalls())
}

func TestRun_StepTimeout(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.agent.block = true
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{StepTimeout: 20 * time.Millisecond}).Run(context.Background(), task)

	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, models.ReasonTimedOut, got.FailureReason)
	assert.Equal(t, models.ReasonTimedOut, h.store.get(task.Key()).FailureReason)
}

func TestRun_PersistenceFailureLeavesPending(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.store.failErr = errors.New("database is locked")
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, task.Key(), pe.Key)
	assert.Equal(t, models.TaskStatusCompleted, pe.Attempted.Status)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, models.TaskStatusPending, h.store.get(task.Key()).Status)
}

func TestRun_NotPending(t *testing.T) {
	h := newHarness(t, "search_v2")
	task := h.pending(t, "search_v2")
	task.Status = models.TaskStatusFailed
	task.FailureReason = "earlier"

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	require.ErrorIs(t, err, ErrNotPending)
	assert.Same(t, task, got)
	assert.Empty(t, h.vcs.getCalls())
}

func TestRun_CancelledBeforeExecution(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.vcs.block["exists"] = true
	task := h.pending(t, "search_v2")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	got, err := New(h.deps, Options{}).Run(ctx, task)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, models.TaskStatusPending, h.store.get(task.Key()).Status)
}

func TestRun_SummarizerFallback(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.deps.Summarizer = fakeSummarizer{err: errors.New("rate limited")}
	task := h.pending(t, "search_v2")

	got, err := New(h.deps, Options{}).Run(context.Background(), task)

	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	require.Len(t, h.proposals.reqs, 1)
	assert.NotContains(t, h.proposals.reqs[0].Body, "## Summary")
}

func TestRun_SummarizerUsed(t *testing.T) {
	h := newHarness(t, "search_v2")
	h.deps.Summarizer = fakeSummarizer{text: "Collapsed the search_v2 branches."}
	task := h.pending(t, "search_v2")

	_, err := New(h.deps, Options{}).Run(context.Background(), task)

	require.NoError(t, err)
	require.Len(t, h.proposals.reqs, 1)
	assert.Contains(t, h.proposals.reqs[0].Body, "Collapsed the search_v2 branches.")
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "flag not found", failureReason(&ValidationError{Flag: "x", Reason: models.ReasonFlagNotFound}))
	assert.Equal(t, "boom", failureReason(&ToolExecutionError{Step: StatePushing, Err: errors.New("boom")}))
	assert.Equal(t, "timed out", failureReason(&ToolExecutionError{Step: StateExecuting, Err: ErrTimedOut}))
	assert.Equal(t, "plain", failureReason(errors.New("plain")))
}
