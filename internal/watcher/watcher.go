// Package watcher supervises pending removal tasks: it repeatedly lists
// pending records and hands each one to the runner, one at a time.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/fentz26/flagsweep/internal/models"
	"github.com/fentz26/flagsweep/internal/runner"
	"github.com/fentz26/flagsweep/internal/store"
)

// Source lists pending tasks. Each call re-reads durable state.
type Source interface {
	ListPending(ctx context.Context) iter.Seq2[*models.Task, error]
}

// TaskRunner processes one task. *runner.Runner implements it.
type TaskRunner interface {
	Run(ctx context.Context, task *models.Task) (*models.Task, error)
}

// Stats counts pass results.
type Stats struct {
	Passes    int       `json:"passes"`
	Processed int       `json:"processed"`
	Completed int       `json:"completed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Errors    int       `json:"errors"`
	LastPass  time.Time `json:"last_pass,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *Stats) add(o Stats) {
	s.Passes += o.Passes
	s.Processed += o.Processed
	s.Completed += o.Completed
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Errors += o.Errors
	if !o.LastPass.IsZero() {
		s.LastPass = o.LastPass
	}
	if o.LastError != "" {
		s.LastError = o.LastError
	}
}

// Watcher runs passes over the pending tasks until stopped.
type Watcher struct {
	source Source
	runner TaskRunner
	config *Config
	logger *log.Logger

	// pass serializes passes; tasks share one checkout.
	pass sync.Mutex

	mu    sync.Mutex
	stats Stats

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fsw *fsnotify.Watcher
}

// New creates a Watcher.
func New(source Source, r TaskRunner, cfg *Config, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		source: source,
		runner: r,
		config: cfg.withDefaults(),
		logger: logger.WithPrefix("watcher"),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the supervisory loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("Watcher started", "poll_interval", w.config.PollInterval)
}

// Stop cancels the loop and waits for the current task to finish. A task
// that already started executing runs to its terminal write.
func (w *Watcher) Stop() {
	w.cancel()
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
	w.logger.Info("Watcher stopped")
}

// Wake requests a pass without waiting for the poll interval.
func (w *Watcher) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stats returns cumulative counts since New.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = w.config.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		wait := w.config.PollInterval
		if _, err := w.RunOnce(w.ctx); err != nil && w.ctx.Err() == nil {
			wait = bo.NextBackOff()
			w.logger.Warn("Listing pending tasks failed", "error", err, "retry_in", wait)
		} else {
			bo.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce makes a single pass over the pending tasks and returns its counts.
// The error is non-nil only when the pending set could not be listed or ctx
// ended the pass early. Unreadable records and task failures are counted and
// the pass moves on to the next record.
func (w *Watcher) RunOnce(ctx context.Context) (Stats, error) {
	w.pass.Lock()
	defer w.pass.Unlock()

	pass := Stats{Passes: 1}
	var passErr error
	for task, err := range w.source.ListPending(ctx) {
		if ctx.Err() != nil {
			passErr = ctx.Err()
			break
		}
		var listErr *store.ListError
		if errors.As(err, &listErr) {
			passErr = listErr
			break
		}
		if err != nil {
			w.logger.Warn("Skipping unreadable task record", "error", err)
			pass.Errors++
			pass.LastError = err.Error()
			continue
		}
		w.process(ctx, task, &pass)
	}
	if passErr != nil {
		pass.Errors++
		pass.LastError = passErr.Error()
	}
	pass.LastPass = time.Now().UTC()

	w.mu.Lock()
	w.stats.add(pass)
	w.mu.Unlock()

	if pass.Processed > 0 {
		w.logger.Info("Pass finished",
			"processed", pass.Processed,
			"completed", pass.Completed,
			"skipped", pass.Skipped,
			"failed", pass.Failed,
			"errors", pass.Errors,
		)
	}
	return pass, passErr
}

// process runs one task and classifies the result. A panic in the runner is
// contained to this task.
func (w *Watcher) process(ctx context.Context, task *models.Task, pass *Stats) {
	logger := w.logger.With("flag", task.FlagName)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Runner panicked", "panic", r)
			pass.Errors++
			pass.LastError = fmt.Sprintf("%s: panic: %v", task.FlagName, r)
		}
	}()

	_, err := w.runner.Run(ctx, task)

	var (
		ve *runner.ValidationError
		te *runner.ToolExecutionError
	)
	switch {
	case err == nil:
		pass.Processed++
		pass.Completed++
	case errors.Is(err, runner.ErrAlreadyProcessed):
		pass.Processed++
		pass.Skipped++
	case errors.Is(err, runner.ErrNotPending):
		logger.Debug("Task no longer pending")
	case errors.As(err, &ve), errors.As(err, &te):
		pass.Processed++
		pass.Failed++
	default:
		logger.Error("Task left pending", "error", err)
		pass.Errors++
		pass.LastError = fmt.Sprintf("%s: %v", task.FlagName, err)
	}
}
