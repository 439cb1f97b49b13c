// Package agent delegates the code edits of a flag removal to an external
// editing tool and reports what it changed.
package agent

import (
	"bytes"
	"context"
	"text/template"

	"github.com/fentz26/flagsweep/internal/models"
)

// Request asks an agent to remove a flag from the checkout.
type Request struct {
	Kind      models.TaskKind
	Flag      string
	Checkout  string // absolute path of the working checkout
	FlagsFile string // flag configuration path, relative to Checkout
}

// Outcome is the agent's report. Success=false is fatal to the attempt and
// Reason explains why.
type Outcome struct {
	Success       bool
	ModifiedFiles []string
	Reason        string
}

// EditAgent applies the removal edits in the checkout. It must not touch
// version control; branching, commits and pushes belong to the runner.
type EditAgent interface {
	ApplyRemoval(ctx context.Context, req Request) (*Outcome, error)
}

// ChangeLister reports files with uncommitted changes in the checkout.
type ChangeLister interface {
	ChangedFiles(ctx context.Context) ([]string, error)
}

var instructionsTemplate = template.Must(template.New("instructions").Parse(`You are working in the repository checked out at {{.Checkout}}.

OBJECTIVE:
Safely remove the feature flag ` + "`{{.Flag}}`" + `.

STEPS:
1. Edit {{.FlagsFile}} and remove the ` + "`{{.Flag}}`" + ` entry from the flags list.
2. Search the entire repository for ` + "`{{.Flag}}`" + `.
3. For each usage:
   - Remove the conditional logic around the flag.
   - Keep the default behaviour.
   - Do NOT delete business logic.
4. Update or remove tests related to ` + "`{{.Flag}}`" + `.
5. Run the tests or scripts if available. If they fail, stop and report the failure.

RULES:
- Do NOT create branches, commit, push or open pull requests. Leave every change uncommitted.
- Do NOT remove logic whose purpose is unclear.
- Leave TODO comments where you are uncertain.
`))

// RenderInstructions returns the natural-language task handed to the agent.
func RenderInstructions(req Request) string {
	if req.FlagsFile == "" {
		req.FlagsFile = "feature_flags.yaml"
	}
	var buf bytes.Buffer
	if err := instructionsTemplate.Execute(&buf, req); err != nil {
		return "Remove the feature flag " + req.Flag + " and keep its default behaviour. Do not touch git."
	}
	return buf.String()
}
