package proposal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fentz26/flagsweep/internal/models"
)

// GitHub API defaults.
const (
	DefaultAPIEndpoint = "https://api.github.com"
	DefaultTimeout     = 30 * time.Second
	MaxRetries         = 3
	RetryDelay         = time.Second
	MaxPageSize        = 100
	MaxPages           = 50
)

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api: status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// GitHub is a Gateway backed by the GitHub REST pulls API.
type GitHub struct {
	Token      string
	Owner      string
	Repo       string
	BaseURL    string
	HTTPClient *http.Client
}

var _ Gateway = (*GitHub)(nil)

// NewGitHub creates a client for owner/repo.
func NewGitHub(token, owner, repo string) *GitHub {
	return &GitHub{
		Token:      token,
		Owner:      owner,
		Repo:       repo,
		BaseURL:    DefaultAPIEndpoint,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// NewGitHubFromSlug creates a client from an "owner/repo" slug.
func NewGitHubFromSlug(token, slug string) (*GitHub, error) {
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("invalid repository slug %q: want owner/repo", slug)
	}
	return NewGitHub(token, owner, repo), nil
}

// WithBaseURL returns a copy using baseURL (GitHub Enterprise or tests).
func (c *GitHub) WithBaseURL(baseURL string) *GitHub {
	cp := *c
	cp.BaseURL = strings.TrimRight(baseURL, "/")
	return &cp
}

// WithHTTPClient returns a copy using httpClient.
func (c *GitHub) WithHTTPClient(httpClient *http.Client) *GitHub {
	cp := *c
	cp.HTTPClient = httpClient
	return &cp
}

func (c *GitHub) pullsURL(params url.Values) string {
	u := c.BaseURL + "/repos/" + c.Owner + "/" + c.Repo + "/pulls"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// pullRequest is the subset of the GitHub pull request payload flagsweep reads.
type pullRequest struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	CreatedAt time.Time  `json:"created_at"`
	MergedAt  *time.Time `json:"merged_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func (pr pullRequest) toModel() models.Proposal {
	state := models.ProposalState(pr.State)
	if pr.MergedAt != nil {
		state = models.ProposalMerged
	}
	return models.Proposal{
		Number:    pr.Number,
		Title:     pr.Title,
		State:     state,
		Author:    pr.User.Login,
		Branch:    pr.Head.Ref,
		CreatedAt: pr.CreatedAt,
		URL:       pr.HTMLURL,
	}
}

// OpenProposal creates a pull request. Creation is not retried except when
// the API reports rate limiting, in which case nothing was created.
func (c *GitHub) OpenProposal(ctx context.Context, req Request) (*models.Proposal, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	payload := map[string]string{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
	}
	respBody, _, err := c.doRequest(ctx, http.MethodPost, c.pullsURL(nil), payload)
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	var pr pullRequest
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, fmt.Errorf("parse create response: %w", err)
	}
	p := pr.toModel()
	return &p, nil
}

// ListProposals pages through pull requests and applies filter.
func (c *GitHub) ListProposals(ctx context.Context, filter Filter) ([]models.Proposal, error) {
	state := "all"
	switch filter.State {
	case models.ProposalOpen:
		state = "open"
	case models.ProposalClosed, models.ProposalMerged:
		state = "closed"
	}

	var out []models.Proposal
	for page := 1; ; page++ {
		if page > MaxPages {
			return nil, fmt.Errorf("pagination limit exceeded: stopped after %d pages", MaxPages)
		}
		params := url.Values{}
		params.Set("state", state)
		params.Set("per_page", strconv.Itoa(MaxPageSize))
		params.Set("page", strconv.Itoa(page))
		if filter.Head != "" {
			params.Set("head", c.Owner+":"+filter.Head)
		}

		respBody, headers, err := c.doRequest(ctx, http.MethodGet, c.pullsURL(params), nil)
		if err != nil {
			return nil, fmt.Errorf("list pull requests: %w", err)
		}
		var prs []pullRequest
		if err := json.Unmarshal(respBody, &prs); err != nil {
			return nil, fmt.Errorf("parse list response: %w", err)
		}
		for _, pr := range prs {
			if p := pr.toModel(); filter.Match(p) {
				out = append(out, p)
			}
		}
		if !hasNextPage(headers) {
			return out, nil
		}
	}
}

// doRequest performs an authenticated request, retrying only when rate limited.
func (c *GitHub) doRequest(ctx context.Context, method, urlStr string, body any) ([]byte, http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var (
		respBody    []byte
		headers     http.Header
		rateLimited bool
	)
	bo := newRateLimitBackoff()
	err := backoff.Retry(func() error {
		rateLimited = false
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("request failed: %w", err))
		}
		const maxResponseSize = 10 * 1024 * 1024
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read response: %w", err))
		}

		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
		if isRateLimited(resp) {
			rateLimited = true
			if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				bo.after(time.Duration(seconds) * time.Second)
			}
			return apiErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(apiErr)
		}
		respBody, headers = data, resp.Header
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, MaxRetries), ctx))

	if err != nil && rateLimited && ctx.Err() == nil {
		return nil, nil, fmt.Errorf("max retries (%d) exceeded: %w", MaxRetries+1, err)
	}
	if err != nil {
		return nil, nil, err
	}
	return respBody, headers, nil
}

// rateLimitBackoff doubles from RetryDelay unless the last response named
// its own delay in Retry-After.
type rateLimitBackoff struct {
	*backoff.ExponentialBackOff
	retryAfter time.Duration
	hasNext    bool
}

func newRateLimitBackoff() *rateLimitBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = RetryDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	return &rateLimitBackoff{ExponentialBackOff: exp}
}

func (b *rateLimitBackoff) after(d time.Duration) {
	b.retryAfter, b.hasNext = d, true
}

func (b *rateLimitBackoff) NextBackOff() time.Duration {
	next := b.ExponentialBackOff.NextBackOff()
	if b.hasNext {
		b.hasNext = false
		return b.retryAfter
	}
	return next
}

func (b *rateLimitBackoff) Reset() {
	b.hasNext = false
	b.ExponentialBackOff.Reset()
}

func isRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func hasNextPage(headers http.Header) bool {
	link := headers.Get("Link")
	return link != "" && linkNextPattern.MatchString(link)
}
