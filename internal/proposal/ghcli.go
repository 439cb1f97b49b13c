package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/flagsweep/internal/connectors"
	"github.com/fentz26/flagsweep/internal/models"
)

// ghListLimit bounds `gh pr list`.
const ghListLimit = 500

// GHCLI is a Gateway that shells out to the GitHub CLI in the checkout.
// Authentication comes from GH_TOKEN in the connector environment.
type GHCLI struct {
	conn connectors.Connector
	now  func() time.Time
}

var _ Gateway = (*GHCLI)(nil)

// NewGHCLI returns a gh-backed gateway.
func NewGHCLI(conn connectors.Connector) *GHCLI {
	return &GHCLI{conn: conn, now: time.Now}
}

// OpenProposal runs `gh pr create` and parses the printed pull request URL.
func (g *GHCLI) OpenProposal(ctx context.Context, req Request) (*models.Proposal, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	args := []string{"pr", "create",
		"--title", req.Title,
		"--body", req.Body,
		"--head", req.Head,
		"--base", req.Base,
	}
	result, err := connectors.Check(g.conn.Execute(ctx, "gh", args))
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	prURL := lastLine(result.Stdout)
	p := &models.Proposal{
		Title:     req.Title,
		State:     models.ProposalOpen,
		Branch:    req.Head,
		CreatedAt: g.now().UTC(),
		URL:       prURL,
	}
	if n, err := strconv.Atoi(path.Base(prURL)); err == nil {
		p.Number = n
	}
	return p, nil
}

type ghPullRequest struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	URL         string    `json:"url"`
	HeadRefName string    `json:"headRefName"`
	CreatedAt   time.Time `json:"createdAt"`
	Author      struct {
		Login string `json:"login"`
	} `json:"author"`
}

// ListProposals runs `gh pr list --json` and applies filter.
func (g *GHCLI) ListProposals(ctx context.Context, filter Filter) ([]models.Proposal, error) {
	state := "all"
	if filter.State != "" {
		state = string(filter.State)
	}
	args := []string{"pr", "list",
		"--state", state,
		"--limit", strconv.Itoa(ghListLimit),
		"--json", "number,title,state,author,createdAt,url,headRefName",
	}
	if filter.Head != "" {
		args = append(args, "--head", filter.Head)
	}
	if filter.TitleContains != "" {
		args = append(args, "--search", filter.TitleContains+" in:title")
	}

	result, err := connectors.Check(g.conn.Execute(ctx, "gh", args))
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	var prs []ghPullRequest
	if err := json.Unmarshal([]byte(result.Stdout), &prs); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}

	out := make([]models.Proposal, 0, len(prs))
	for _, pr := range prs {
		p := models.Proposal{
			Number:    pr.Number,
			Title:     pr.Title,
			State:     models.ProposalState(strings.ToLower(pr.State)),
			Author:    pr.Author.Login,
			Branch:    pr.HeadRefName,
			CreatedAt: pr.CreatedAt,
			URL:       pr.URL,
		}
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
