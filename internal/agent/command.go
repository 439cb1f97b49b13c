package agent

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/fentz26/flagsweep/internal/connectors"
)

// Command runs a headless agent CLI through a connector. Each argument is a
// template over {{.Instructions}}, {{.Flag}} and {{.Checkout}}.
type Command struct {
	conn    connectors.Connector
	name    string
	args    []*template.Template
	changes ChangeLister
}

var _ EditAgent = (*Command)(nil)

// argData feeds the argument templates.
type argData struct {
	Instructions string
	Flag         string
	Checkout     string
}

// NewCommand parses the argument templates. The connector must allow name.
func NewCommand(conn connectors.Connector, name string, args []string, changes ChangeLister) (*Command, error) {
	if name == "" {
		return nil, fmt.Errorf("agent command is empty")
	}
	c := &Command{conn: conn, name: name, changes: changes}
	for i, a := range args {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).Option("missingkey=error").Parse(a)
		if err != nil {
			return nil, fmt.Errorf("parse agent arg %q: %w", a, err)
		}
		c.args = append(c.args, tmpl)
	}
	return c, nil
}

// Name returns the agent binary.
func (c *Command) Name() string {
	return c.name
}

// ApplyRemoval runs the agent once. A non-zero exit is reported as an
// unsuccessful Outcome; errors are reserved for failures to run it at all.
func (c *Command) ApplyRemoval(ctx context.Context, req Request) (*Outcome, error) {
	data := argData{
		Instructions: RenderInstructions(req),
		Flag:         req.Flag,
		Checkout:     req.Checkout,
	}
	args := make([]string, 0, len(c.args))
	for _, tmpl := range c.args {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render agent args: %w", err)
		}
		args = append(args, buf.String())
	}

	result, err := c.conn.Execute(ctx, c.name, args)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", c.name, err)
	}
	if result.ExitCode != 0 {
		reason := connectors.Diagnostic(result)
		if reason == "" {
			reason = fmt.Sprintf("%s exited with status %d", c.name, result.ExitCode)
		}
		return &Outcome{Success: false, Reason: reason}, nil
	}

	var files []string
	if c.changes != nil {
		if files, err = c.changes.ChangedFiles(ctx); err != nil {
			return nil, fmt.Errorf("list modified files: %w", err)
		}
	}
	return &Outcome{Success: true, ModifiedFiles: files}, nil
}
