package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/fentz26/flagsweep/internal/agent"
	"github.com/fentz26/flagsweep/internal/audit"
	"github.com/fentz26/flagsweep/internal/config"
	"github.com/fentz26/flagsweep/internal/connectors/localexec"
	"github.com/fentz26/flagsweep/internal/flagconfig"
	"github.com/fentz26/flagsweep/internal/proposal"
	"github.com/fentz26/flagsweep/internal/runner"
	"github.com/fentz26/flagsweep/internal/store"
	"github.com/fentz26/flagsweep/internal/store/filestore"
	"github.com/fentz26/flagsweep/internal/summary"
	"github.com/fentz26/flagsweep/internal/telemetry"
	"github.com/fentz26/flagsweep/internal/vcs"
	"github.com/fentz26/flagsweep/internal/watcher"
)

// app holds the components shared by daemon and run-once.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	store     store.TaskStore
	audit     *audit.Recorder
	proposals proposal.Gateway
	runner    *runner.Runner
	watcher   *watcher.Watcher
}

// openStore opens the configured task store backend.
func openStore(cfg *config.Config) (store.TaskStore, error) {
	switch cfg.Store.Driver {
	case "yaml":
		return filestore.New(cfg.Store.Path)
	case "sqlite":
		return store.New(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newProposalGateway builds the configured pull request client. gh runs
// through conn so it shares the checkout and the token environment.
func newProposalGateway(cfg *config.Config, conn *localexec.LocalExec) (proposal.Gateway, error) {
	switch cfg.Proposal.Driver {
	case "gh":
		return proposal.NewGHCLI(conn), nil
	case "github":
		gh, err := proposal.NewGitHubFromSlug(cfg.GitHubToken, cfg.Repo.Slug)
		if err != nil {
			return nil, err
		}
		if cfg.Proposal.APIURL != "" {
			gh = gh.WithBaseURL(cfg.Proposal.APIURL)
		}
		return gh, nil
	default:
		return nil, fmt.Errorf("unknown proposal driver %q", cfg.Proposal.Driver)
	}
}

// newEditAgent resolves agent.command (with agent.args, or the known
// invocation for that tool), falling back to the first agent found on PATH.
func newEditAgent(cfg *config.Config, conn *localexec.LocalExec, changes agent.ChangeLister, logger *log.Logger) (*agent.Command, error) {
	name, args := cfg.Agent.Command, cfg.Agent.Args
	if name == "" {
		c, err := agent.NewDetector().Preferred()
		if err != nil {
			return nil, fmt.Errorf("agent.command not set: %w", err)
		}
		logger.Info("Using detected agent", "agent", c.Name, "path", c.Path, "version", c.Version)
		name, args = c.Path, c.Args
	} else if len(args) == 0 {
		known, ok := agent.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("agent.args required for unknown agent %q", name)
		}
		args = known
	}
	conn.Allow(name)
	return agent.NewCommand(conn, name, args, changes)
}

func newSummarizer(cfg *config.Config, logger *log.Logger) proposal.Summarizer {
	if !cfg.Proposal.Summarize {
		return nil
	}
	s, err := summary.NewAnthropic(cfg.AI.APIKey, cfg.AI.Model)
	if errors.Is(err, summary.ErrAPIKeyRequired) {
		logger.Warn("proposal.summarize is set but no Anthropic API key is configured; using the static body")
		return nil
	}
	if err != nil {
		logger.Warn("Summarizer unavailable", "error", err)
		return nil
	}
	return s
}

// buildApp wires every component for processing tasks against cfg.Repo.Path.
func buildApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	if err := cfg.RequireToken(); err != nil {
		return nil, err
	}
	if err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Stdout:       cfg.Telemetry.Stdout,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, "flagsweep", version); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	repo, err := filepath.Abs(cfg.Repo.Path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(repo, ".git")); err != nil {
		return nil, fmt.Errorf("repo.path %s is not a git checkout: %w", repo, err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	conn := localexec.New(repo)
	conn.SetEnv("GH_TOKEN="+cfg.GitHubToken, "GIT_TERMINAL_PROMPT=0")

	git := vcs.NewGit(conn, repo, cfg.Repo.Remote, cfg.Repo.DefaultBranch)
	proposals, err := newProposalGateway(cfg, conn)
	if err != nil {
		st.Close()
		return nil, err
	}
	editAgent, err := newEditAgent(cfg, conn, git, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	rec := audit.NewRecorder(st, logger.WithPrefix("audit"))
	r := runner.New(runner.Deps{
		Store:      st,
		Flags:      flagconfig.FileSource{Path: cfg.FlagsPath()},
		VCS:        git,
		Agent:      editAgent,
		Proposals:  proposals,
		Summarizer: newSummarizer(cfg, logger),
		Audit:      rec,
		Logger:     logger,
	}, runner.Options{
		StepTimeout: cfg.Runner.StepTimeout,
		FlagsFile:   cfg.Flags.File,
	})

	w := watcher.New(st, r, &watcher.Config{
		PollInterval: cfg.Watcher.PollInterval,
		MaxBackoff:   cfg.Watcher.MaxBackoff,
	}, logger)
	if fs, ok := st.(*filestore.Store); ok {
		if err := w.WatchDir(fs.Dir()); err != nil {
			logger.Warn("Task directory watch unavailable; relying on polling", "error", err)
		}
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		audit:     rec,
		proposals: proposals,
		runner:    r,
		watcher:   w,
	}, nil
}

func (a *app) close(ctx context.Context) {
	telemetry.Shutdown(ctx)
	if err := a.store.Close(); err != nil {
		a.logger.Error("Store close failed", "error", err)
	}
}
