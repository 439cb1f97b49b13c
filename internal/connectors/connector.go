// Package connectors defines the command execution interface used by the
// version control, proposal and agent gateways.
package connectors

import (
	"context"
	"fmt"
	"strings"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// CommandLine renders the invocation for diagnostics.
func (r *ExecResult) CommandLine() string {
	return strings.TrimSpace(r.Command + " " + strings.Join(r.Args, " "))
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command and returns the result. A non-zero exit code is
	// reported in the result, not as an error.
	Execute(ctx context.Context, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// ExecError is a command that ran and exited non-zero.
type ExecError struct {
	CommandLine string
	ExitCode    int
	Output      string
}

func (e *ExecError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: exit status %d", e.CommandLine, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.CommandLine, e.ExitCode, e.Output)
}

// maxDiagnostic bounds the output carried in an ExecError.
const maxDiagnostic = 2000

// Check turns a non-zero exit into an *ExecError carrying the diagnostic
// output (stderr, or stdout when stderr is empty).
func Check(result *ExecResult, err error) (*ExecResult, error) {
	if err != nil {
		return result, err
	}
	if result.ExitCode == 0 {
		return result, nil
	}
	return result, &ExecError{
		CommandLine: result.CommandLine(),
		ExitCode:    result.ExitCode,
		Output:      Diagnostic(result),
	}
}

// Diagnostic returns the trimmed tail of stderr, falling back to stdout.
func Diagnostic(result *ExecResult) string {
	out := strings.TrimSpace(result.Stderr)
	if out == "" {
		out = strings.TrimSpace(result.Stdout)
	}
	if len(out) > maxDiagnostic {
		out = "..." + out[len(out)-maxDiagnostic:]
	}
	return out
}
