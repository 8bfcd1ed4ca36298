// Package githubapi is Squadron's GitHub collaborator: GitHub App
// authentication, the REST surface the rest of the tree consumes, and
// webhook HMAC verification.
package githubapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v63/github"
)

// Issue, PullRequest and Comment are the parsed-payload shapes the
// rest of the tree consumes, decoupling callers from go-github's
// richer types.
type Issue struct {
	Number int
	Title  string
	Body   string
	State  string
	Labels []string
}

type PullRequest struct {
	Number   int
	Title    string
	Body     string
	State    string
	HeadRef  string
	BaseRef  string
	Merged   bool
}

// Client is the concrete GitHub collaborator implementation: a
// go-github REST client authenticated via a rotating GitHub App
// installation token.
type Client struct {
	rest          *github.Client
	tokenManager  *TokenManager
	webhookSecret []byte
	botLogin      string
}

// New constructs a Client. webhookSecret may be empty if signature
// verification is not required (e.g. in tests).
func New(tm *TokenManager, webhookSecret []byte, botLogin string) *Client {
	c := &Client{tokenManager: tm, webhookSecret: webhookSecret, botLogin: botLogin}
	httpClient := &http.Client{Transport: &installationTokenTransport{manager: tm}}
	c.rest = github.NewClient(httpClient)
	return c
}

// BotLogin returns the configured bot account login, used by the
// event router's self-event filter.
func (c *Client) BotLogin() string { return c.botLogin }

// installationTokenTransport injects a fresh installation token into
// every outbound request's Authorization header.
type installationTokenTransport struct {
	manager *TokenManager
}

func (t *installationTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.manager.Token()
	if err != nil {
		return nil, fmt.Errorf("githubapi: obtain installation token: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		// Token may have been revoked or clock-skewed; refresh once and retry.
		if _, rerr := t.manager.Refresh(); rerr == nil {
			token, _ = t.manager.Token()
			req2 := req.Clone(req.Context())
			req2.Header.Set("Authorization", "Bearer "+token)
			return http.DefaultTransport.RoundTrip(req2)
		}
	}
	return resp, err
}

// VerifyWebhookSignature checks the X-Hub-Signature-256 header against
// an HMAC-SHA256 of body, in constant time. Verification is done directly with crypto/hmac rather
// than shelled out, since this is the one call in the system that
// cannot be delegated to an external collaborator.
func (c *Client) VerifyWebhookSignature(signatureHeader string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	sigHex := strings.TrimPrefix(signatureHeader, prefix)
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, c.webhookSecret)
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(sig, expected)
}

func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	iss, _, err := c.rest.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("githubapi: get_issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return toIssue(iss), nil
}

func (c *Client) ListIssues(ctx context.Context, owner, repo string, label string) ([]*Issue, error) {
	opts := &github.IssueListByRepoOptions{State: "open"}
	if label != "" {
		opts.Labels = []string{label}
	}
	var out []*Issue
	for {
		issues, resp, err := c.rest.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("githubapi: list_issues %s/%s label=%s: %w", owner, repo, label, err)
		}
		for _, iss := range issues {
			if iss.IsPullRequest() {
				continue
			}
			out = append(out, toIssue(iss))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) ListPullRequests(ctx context.Context, owner, repo, state string) ([]*PullRequest, error) {
	opts := &github.PullRequestListOptions{State: state}
	var out []*PullRequest
	for {
		prs, resp, err := c.rest.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("githubapi: list_pull_requests %s/%s: %w", owner, repo, err)
		}
		for _, pr := range prs {
			out = append(out, toPullRequest(pr))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*Issue, error) {
	req := &github.IssueRequest{Title: &title, Body: &body}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	iss, _, err := c.rest.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, fmt.Errorf("githubapi: create_issue %s/%s: %w", owner, repo, err)
	}
	return toIssue(iss), nil
}

func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.rest.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	if err != nil {
		return fmt.Errorf("githubapi: add_labels %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *Client) AssignIssue(ctx context.Context, owner, repo string, number int, assignees []string) error {
	_, _, err := c.rest.Issues.AddAssignees(ctx, owner, repo, number, assignees)
	if err != nil {
		return fmt.Errorf("githubapi: assign_issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *Client) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.rest.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: &body})
	if err != nil {
		return fmt.Errorf("githubapi: comment_on_issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// CommentOnPR posts an issue-style comment on a pull request (PRs are
// issues for comment purposes on GitHub's API).
func (c *Client) CommentOnPR(ctx context.Context, owner, repo string, number int, body string) error {
	return c.CommentOnIssue(ctx, owner, repo, number, body)
}

func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*PullRequest, error) {
	pr, _, err := c.rest.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title, Body: &body, Head: &head, Base: &base,
	})
	if err != nil {
		return nil, fmt.Errorf("githubapi: create_pull_request %s/%s %s->%s: %w", owner, repo, head, base, err)
	}
	return toPullRequest(pr), nil
}

// SubmitReview submits a pull request review. event is one of
// "APPROVE", "REQUEST_CHANGES", "COMMENT". GitHub refuses
// REQUEST_CHANGES reviews against a PR authored by the same actor
// submitting them — callers must catch that case and fall
// back to the needs-changes label.
func (c *Client) SubmitReview(ctx context.Context, owner, repo string, number int, event, body string) error {
	_, _, err := c.rest.PullRequests.CreateReview(ctx, owner, repo, number, &github.PullRequestReviewRequest{
		Event: &event, Body: &body,
	})
	if err != nil {
		return fmt.Errorf("githubapi: submit_review %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// AddPRLineComment posts a review comment anchored to a specific diff line.
func (c *Client) AddPRLineComment(ctx context.Context, owner, repo string, number int, commitSHA, path string, line int, body string) error {
	_, _, err := c.rest.PullRequests.CreateComment(ctx, owner, repo, number, &github.PullRequestComment{
		CommitID: &commitSHA, Path: &path, Line: &line, Body: &body,
	})
	if err != nil {
		return fmt.Errorf("githubapi: add_pr_line_comment %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func toIssue(iss *github.Issue) *Issue {
	out := &Issue{
		Number: iss.GetNumber(),
		Title:  iss.GetTitle(),
		Body:   iss.GetBody(),
		State:  iss.GetState(),
	}
	for _, l := range iss.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	out := &PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		State:  pr.GetState(),
		Merged: pr.GetMerged(),
	}
	if pr.Head != nil {
		out.HeadRef = pr.Head.GetRef()
	}
	if pr.Base != nil {
		out.BaseRef = pr.Base.GetRef()
	}
	return out
}
