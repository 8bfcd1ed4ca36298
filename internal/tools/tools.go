// Package tools implements the agent-framework contract: the fixed
// set of tools an agent session can invoke, each a declarative
// parameter struct dispatched through a switch rather than reflection
// over decorated methods.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/githubapi"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/registry"
)

// Lifecycle is the subset of the Agent Manager that tools must notify
// after a registry mutation, so the owning watchdog/session can be
// torn down or re-armed. Implemented by internal/manager.
type Lifecycle interface {
	OnBlocked(agentID string)
	OnCompleted(agentID string)
	OnEscalated(agentID string)
}

// GitHubClient is the slice of internal/githubapi.Client that tools
// need. Declared here, at the consumer, so Dispatch can be exercised
// against a fake in tests without a live GitHub App.
type GitHubClient interface {
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*githubapi.Issue, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	AssignIssue(ctx context.Context, owner, repo string, number int, assignees []string) error
	CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error
	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*githubapi.PullRequest, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error)
	SubmitReview(ctx context.Context, owner, repo string, number int, event, body string) error
}

// Deps are the collaborators every tool call needs.
type Deps struct {
	Registry  *registry.Registry
	GitHub    GitHubClient
	Config    *config.Config
	Lifecycle Lifecycle
}

// ErrCycle is returned by ReportBlocked when an issue would close a
// cycle in the blocker graph.
var ErrCycle = errors.New("tools: report_blocked rejected — would create a blocker cycle")

// ErrDuplicatePR is returned by OpenPR when the agent already has a
// non-null pr_number.
var ErrDuplicatePR = errors.New("tools: open_pr rejected — agent already has an open PR")

// --- Parameter structs: one concrete type per tool ---

type ReportBlockedParams struct {
	Issues []int
	Reason string
}

type ReportCompleteParams struct {
	Summary string
}

type EscalateToHumanParams struct {
	Reason   string
	Category string
}

type OpenPRParams struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// SubmitReviewParams drives a pr-review agent's verdict. Event is one of
// "APPROVE", "REQUEST_CHANGES", "COMMENT". GitHub refuses a
// REQUEST_CHANGES review against a PR authored by the bot's own
// identity; submitReview falls back to a needs-changes label
// in that case rather than surfacing the refusal as a tool error.
type SubmitReviewParams struct {
	PRNumber int
	Event    string
	Body     string
}

// PM-only tools.

type CreateIssueParams struct {
	Title  string
	Body   string
	Labels []string
}

type AssignIssueParams struct {
	IssueNumber int
	Assignees   []string // defaults to [bot_login] when empty
}

type LabelIssueParams struct {
	IssueNumber int
	Labels      []string
}

type CommentOnIssueParams struct {
	IssueNumber int
	Body        string
}

type CheckRegistryParams struct {
	IssueNumber int
}

type ReadIssueParams struct {
	IssueNumber int
}

// instanceSignature returns the invisible HTML-comment footer appended
// to every comment Squadron posts, so repeated comments remain
// attributable to the posting agent.
func instanceSignature(role, agentID string) string {
	return fmt.Sprintf("\n\n<!-- squadron:%s:%s -->", role, agentID)
}

// Dispatch runs one tool call for agentID and returns a human-readable
// status string (the contract agents see), or an error for transport
// failures. Tool-level rejections (cycle, duplicate PR) are reported as
// part of the status string rather than as an error, so the agent can
// read the rejection and choose another action instead of crashing.
func Dispatch(ctx context.Context, d Deps, agentID string, call any) (string, error) {
	switch p := call.(type) {
	case ReportBlockedParams:
		return reportBlocked(ctx, d, agentID, p)
	case ReportCompleteParams:
		return reportComplete(ctx, d, agentID, p)
	case EscalateToHumanParams:
		return escalateToHuman(ctx, d, agentID, p)
	case OpenPRParams:
		return openPR(ctx, d, agentID, p)
	case SubmitReviewParams:
		return submitReview(ctx, d, agentID, p)
	case CreateIssueParams:
		return createIssue(ctx, d, p)
	case AssignIssueParams:
		return assignIssue(ctx, d, p)
	case LabelIssueParams:
		return labelIssue(ctx, d, p)
	case CommentOnIssueParams:
		return commentOnIssue(ctx, d, p)
	case CheckRegistryParams:
		return checkRegistry(ctx, d, p)
	case ReadIssueParams:
		return readIssue(ctx, d, p)
	default:
		return "", fmt.Errorf("tools: unknown tool call type %T", call)
	}
}

func reportBlocked(ctx context.Context, d Deps, agentID string, p ReportBlockedParams) (string, error) {
	for _, issue := range p.Issues {
		ok, err := d.Registry.AddBlocker(ctx, agentID, issue)
		if err != nil {
			return "", fmt.Errorf("report_blocked: %w", err)
		}
		if !ok {
			return fmt.Sprintf("report_blocked failed: adding blocker on #%d would create a cycle or is a self-block", issue), nil
		}
	}

	rec, err := d.Registry.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("report_blocked: %w", err)
	}
	now := time.Now().UTC()
	rec.Status = models.StatusSleeping
	rec.SleepingSince = &now
	rec.ActiveSince = nil
	if err := d.Registry.Update(ctx, rec); err != nil {
		return "", fmt.Errorf("report_blocked: %w", err)
	}

	if rec.IssueNumber != 0 {
		_ = d.GitHub.CommentOnIssue(ctx, d.Config.Project.Owner, d.Config.Project.Repo, rec.IssueNumber,
			fmt.Sprintf("**[squadron:%s]** Blocked on %v: %s%s", rec.Role, p.Issues, p.Reason, instanceSignature(rec.Role, agentID)))
	}

	if d.Lifecycle != nil {
		d.Lifecycle.OnBlocked(agentID)
	}
	return "reported blocked", nil
}

func reportComplete(ctx context.Context, d Deps, agentID string, p ReportCompleteParams) (string, error) {
	rec, err := d.Registry.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("report_complete: %w", err)
	}
	if err := completeAgent(ctx, d, rec, p.Summary); err != nil {
		return "", err
	}
	return "reported complete", nil
}

// completeAgent runs the required cleanup workflow for a completing
// agent: the role's completion comment (mentioning PM for dev roles)
// and the COMPLETED transition. It is exported at the package level
// (not merely inline in reportComplete) because the manager must also
// invoke it when it synthesizes a completion on PR merge — a
// synthesized completion is never allowed to silently flip status
// without running this workflow.
func completeAgent(ctx context.Context, d Deps, rec *models.AgentRecord, summary string) error {
	rec.Status = models.StatusCompleted
	rec.ActiveSince = nil
	rec.SleepingSince = nil
	if err := d.Registry.Update(ctx, rec); err != nil {
		return fmt.Errorf("complete_agent: %w", err)
	}

	if rec.IssueNumber != 0 {
		mention := ""
		if rec.Role != "pm" {
			mention = " cc @squadron-pm"
		}
		body := fmt.Sprintf("**[squadron:%s]** Complete.%s\n\n%s%s", rec.Role, mention, summary, instanceSignature(rec.Role, rec.AgentID))
		_ = d.GitHub.CommentOnIssue(ctx, d.Config.Project.Owner, d.Config.Project.Repo, rec.IssueNumber, body)
	}

	if d.Lifecycle != nil {
		d.Lifecycle.OnCompleted(rec.AgentID)
	}
	return nil
}

func escalateToHuman(ctx context.Context, d Deps, agentID string, p EscalateToHumanParams) (string, error) {
	rec, err := d.Registry.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("escalate_to_human: %w", err)
	}
	if err := escalateAgent(ctx, d, rec, p.Category, p.Reason); err != nil {
		return "", err
	}
	return "escalated to human", nil
}

// escalateAgent is the shared escalation workflow used by the tool, the
// watchdog (L2), and the reconciliation sweep (L3) — every escalation
// results in a needs-human label, an identifying comment, and a status
// change.
func escalateAgent(ctx context.Context, d Deps, rec *models.AgentRecord, category, reason string) error {
	rec.Status = models.StatusEscalated
	rec.ActiveSince = nil
	rec.SleepingSince = nil
	if err := d.Registry.Update(ctx, rec); err != nil {
		return fmt.Errorf("escalate_agent: %w", err)
	}

	if rec.IssueNumber != 0 {
		_ = d.GitHub.AddLabels(ctx, d.Config.Project.Owner, d.Config.Project.Repo, rec.IssueNumber, []string{"needs-human"})
		body := fmt.Sprintf("**[squadron:%s]** Escalated — %s: %s%s", rec.Role, category, reason, instanceSignature(rec.Role, rec.AgentID))
		_ = d.GitHub.CommentOnIssue(ctx, d.Config.Project.Owner, d.Config.Project.Repo, rec.IssueNumber, body)
	}

	if d.Lifecycle != nil {
		d.Lifecycle.OnEscalated(rec.AgentID)
	}
	return nil
}

func openPR(ctx context.Context, d Deps, agentID string, p OpenPRParams) (string, error) {
	rec, err := d.Registry.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("open_pr: %w", err)
	}
	if rec.PRNumber != 0 {
		return fmt.Sprintf("open_pr failed: %v (agent already has PR #%d open; push to the existing branch and request re-review instead)", ErrDuplicatePR, rec.PRNumber), nil
	}

	pr, err := d.GitHub.CreatePullRequest(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.Title, p.Body, p.Head, p.Base)
	if err != nil {
		return "", fmt.Errorf("open_pr: %w", err)
	}

	rec.PRNumber = pr.Number
	if err := d.Registry.Update(ctx, rec); err != nil {
		return "", fmt.Errorf("open_pr: %w", err)
	}
	return fmt.Sprintf("opened PR #%d", pr.Number), nil
}

// NeedsChangesLabel is applied to a PR when a pr-review agent's
// REQUEST_CHANGES review is refused by the host as self-review, and is
// the first-class trigger that must wake the PR's owning agent.
const NeedsChangesLabel = "needs-changes"

// isSelfReviewRefusal detects the host's rejection of a review
// submitted by the same identity that authored the pull request. The
// exact wording varies by host, so this matches on the invariant
// substring rather than a status code the GitHubClient abstraction
// does not expose.
func isSelfReviewRefusal(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "own pull request")
}

func submitReview(ctx context.Context, d Deps, agentID string, p SubmitReviewParams) (string, error) {
	rec, err := d.Registry.Get(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("submit_review: %w", err)
	}

	err = d.GitHub.SubmitReview(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.PRNumber, p.Event, p.Body)
	if err == nil {
		return fmt.Sprintf("submitted %s review on PR #%d", p.Event, p.PRNumber), nil
	}
	if p.Event != "REQUEST_CHANGES" || !isSelfReviewRefusal(err) {
		return "", fmt.Errorf("submit_review: %w", err)
	}

	if labelErr := d.GitHub.AddLabels(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.PRNumber, []string{NeedsChangesLabel}); labelErr != nil {
		return "", fmt.Errorf("submit_review: self-review refused and needs-changes fallback failed: %w", labelErr)
	}
	body := fmt.Sprintf("**[squadron:%s]** Requested changes (self-review refused by host; applied `%s`).%s",
		rec.Role, NeedsChangesLabel, instanceSignature(rec.Role, agentID))
	_ = d.GitHub.CommentOnIssue(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.PRNumber, body+"\n\n"+p.Body)
	return fmt.Sprintf("self-review refused; applied %s label to PR #%d instead", NeedsChangesLabel, p.PRNumber), nil
}

// --- PM-only tools ---

func createIssue(ctx context.Context, d Deps, p CreateIssueParams) (string, error) {
	iss, err := d.GitHub.CreateIssue(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.Title, p.Body, p.Labels)
	if err != nil {
		return "", fmt.Errorf("create_issue: %w", err)
	}
	return fmt.Sprintf("created issue #%d", iss.Number), nil
}

func assignIssue(ctx context.Context, d Deps, p AssignIssueParams) (string, error) {
	assignees := p.Assignees
	if len(assignees) == 0 {
		assignees = []string{d.Config.GitHub.BotLogin}
	}
	if err := d.GitHub.AssignIssue(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.IssueNumber, assignees); err != nil {
		return "", fmt.Errorf("assign_issue: %w", err)
	}
	return "assigned", nil
}

func labelIssue(ctx context.Context, d Deps, p LabelIssueParams) (string, error) {
	if err := d.GitHub.AddLabels(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.IssueNumber, p.Labels); err != nil {
		return "", fmt.Errorf("label_issue: %w", err)
	}
	return "labeled", nil
}

func commentOnIssue(ctx context.Context, d Deps, p CommentOnIssueParams) (string, error) {
	if err := d.GitHub.CommentOnIssue(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.IssueNumber, p.Body); err != nil {
		return "", fmt.Errorf("comment_on_issue: %w", err)
	}
	return "commented", nil
}

func checkRegistry(ctx context.Context, d Deps, p CheckRegistryParams) (string, error) {
	recs, err := d.Registry.GetAgentsForIssue(ctx, p.IssueNumber)
	if err != nil {
		return "", fmt.Errorf("check_registry: %w", err)
	}
	if len(recs) == 0 {
		return fmt.Sprintf("no agents tracked for issue #%d", p.IssueNumber), nil
	}
	out := fmt.Sprintf("issue #%d:", p.IssueNumber)
	for _, r := range recs {
		out += fmt.Sprintf(" %s=%s", r.Role, r.Status)
	}
	return out, nil
}

func readIssue(ctx context.Context, d Deps, p ReadIssueParams) (string, error) {
	iss, err := d.GitHub.GetIssue(ctx, d.Config.Project.Owner, d.Config.Project.Repo, p.IssueNumber)
	if err != nil {
		return "", fmt.Errorf("read_issue: %w", err)
	}
	return fmt.Sprintf("#%d %s [%s]: %s", iss.Number, iss.Title, iss.State, iss.Body), nil
}

// CompleteAgent and EscalateAgent expose the shared workflows above for
// use by internal/manager outside of an explicit tool call (synthesized
// completion on PR merge, watchdog/reconciliation escalation).
func CompleteAgent(ctx context.Context, d Deps, rec *models.AgentRecord, summary string) error {
	return completeAgent(ctx, d, rec, summary)
}

func EscalateAgent(ctx context.Context, d Deps, rec *models.AgentRecord, category, reason string, layer models.TimeoutLayer) error {
	reason = fmt.Sprintf("%s (enforced by %s)", reason, layer)
	return escalateAgent(ctx, d, rec, category, reason)
}
