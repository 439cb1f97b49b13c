// Package connectortest provides a scripted connector for gateway tests.
package connectortest

import (
	"context"
	"strings"
	"sync"

	"github.com/fentz26/flagsweep/internal/connectors"
)

// Response is the scripted outcome of a command.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Fake records every command and answers from a script keyed by command
// line prefix. The longest matching prefix wins; unmatched commands succeed
// with empty output.
type Fake struct {
	mu     sync.Mutex
	script map[string]Response
	calls  []string
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{script: map[string]Response{}}
}

// On scripts the response for command lines starting with prefix.
func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[prefix] = resp
	return f
}

// Calls returns the command lines executed so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Called reports whether any executed command line starts with prefix.
func (f *Fake) Called(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Name implements connectors.Connector.
func (f *Fake) Name() string { return "fake" }

// IsAllowed implements connectors.Connector.
func (f *Fake) IsAllowed(cmd string, args []string) bool { return true }

// Execute implements connectors.Connector.
func (f *Fake) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	line := strings.TrimSpace(cmd + " " + strings.Join(args, " "))

	f.mu.Lock()
	f.calls = append(f.calls, line)
	var resp Response
	best := -1
	for prefix, r := range f.script {
		if strings.HasPrefix(line, prefix) && len(prefix) > best {
			resp, best = r, len(prefix)
		}
	}
	f.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}, nil
}
