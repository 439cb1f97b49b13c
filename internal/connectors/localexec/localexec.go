// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/fentz26/flagsweep/internal/connectors"
)

// anySubcommand allows every argument list for a command.
const anySubcommand = "*"

// defaultAllowed is the allowlist every LocalExec starts with.
var defaultAllowed = map[string][]string{
	"git": {"add", "checkout", "commit", "fetch", "ls-remote", "pull", "push", "rev-parse", "show-ref", "stash", "status"},
	"gh":  {"pr"},
}

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string

	mu      sync.RWMutex
	allowed map[string][]string
	env     []string
}

// New creates a new LocalExec connector running commands in workDir.
func New(workDir string) *LocalExec {
	allowed := make(map[string][]string, len(defaultAllowed))
	for cmd, subs := range defaultAllowed {
		allowed[cmd] = append([]string(nil), subs...)
	}
	return &LocalExec{workDir: workDir, allowed: allowed}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// WorkDir returns the directory commands run in.
func (l *LocalExec) WorkDir() string {
	return l.workDir
}

// Allow adds cmd to the allowlist. With no subcommands every argument list
// is permitted, which is what the edit agent binary needs.
func (l *LocalExec) Allow(cmd string, subcommands ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(subcommands) == 0 {
		subcommands = []string{anySubcommand}
	}
	l.allowed[cmd] = append(l.allowed[cmd], subcommands...)
}

// SetEnv adds KEY=value entries to the environment of every command.
func (l *LocalExec) SetEnv(kv ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.env = append(l.env, kv...)
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	allowedSubcmds, ok := l.allowed[cmd]
	if !ok {
		return false
	}
	for _, allowed := range allowedSubcmds {
		if allowed == anySubcommand {
			return true
		}
	}

	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	l.mu.RLock()
	if len(l.env) > 0 {
		execCmd.Env = append(os.Environ(), l.env...)
	}
	l.mu.RUnlock()

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("exec %s: %w", cmd, ctxErr)
		}
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
