// Package proposal opens and lists change proposals (pull requests) on the
// remote repository host.
package proposal

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"text/template"

	"github.com/fentz26/flagsweep/internal/models"
)

// ErrInvalidRequest is returned when a proposal request lacks a title or branch.
var ErrInvalidRequest = errors.New("proposal request requires title, head and base")

// Request describes a proposal to open.
type Request struct {
	Title string
	Body  string
	Head  string // source branch
	Base  string // target branch
}

func (r Request) validate() error {
	if r.Title == "" || r.Head == "" || r.Base == "" {
		return ErrInvalidRequest
	}
	return nil
}

// Filter narrows ListProposals. Zero values match everything.
type Filter struct {
	TitleContains string
	Head          string
	State         models.ProposalState
}

// Match reports whether p passes the filter.
func (f Filter) Match(p models.Proposal) bool {
	if f.TitleContains != "" && !strings.Contains(p.Title, f.TitleContains) {
		return false
	}
	if f.Head != "" && p.Branch != f.Head {
		return false
	}
	if f.State != "" && p.State != f.State {
		return false
	}
	return true
}

// Gateway creates and queries proposals. Implementations do not retry a
// failed creation; the returned error carries the host's diagnostic.
type Gateway interface {
	OpenProposal(ctx context.Context, req Request) (*models.Proposal, error)
	ListProposals(ctx context.Context, filter Filter) ([]models.Proposal, error)
}

// Summarizer produces a short prose summary of a removal for the proposal body.
type Summarizer interface {
	Summarize(ctx context.Context, flag string, files []string) (string, error)
}

// BodyData feeds the proposal body template.
type BodyData struct {
	Flag    string
	Branch  string
	Files   []string
	Summary string
}

var bodyTemplate = template.Must(template.New("body").Parse(`Automated removal of feature flag ` + "`{{.Flag}}`" + `.
{{if .Summary}}
## Summary

{{.Summary}}
{{end}}
## Files modified
{{range .Files}}
- ` + "`{{.}}`" + `{{else}}
_No files reported._{{end}}

Branch: ` + "`{{.Branch}}`" + `

This pull request was opened by flagsweep. Review the edits before merging.
`))

// RenderBody renders the proposal description.
func RenderBody(data BodyData) string {
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "Automated removal of feature flag " + data.Flag + "."
	}
	return buf.String()
}
