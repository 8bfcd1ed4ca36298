// Package recovery implements the one-shot startup reconciliation:
// run once, before the router accepts traffic, to fail agents left
// live by a crash and reconstruct tracking records for work GitHub
// shows is still in flight but the registry has lost (a fresh
// database, or issues/PRs that predate this deployment).
package recovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/githubapi"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/obslog"
	"github.com/nbaertsch/squadron/internal/registry"
)

// GitHubClient is the slice of internal/githubapi.Client recovery needs.
type GitHubClient interface {
	ListIssues(ctx context.Context, owner, repo, label string) ([]*githubapi.Issue, error)
	ListPullRequests(ctx context.Context, owner, repo, state string) ([]*githubapi.PullRequest, error)
	CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error
}

// managedLabels are the issue labels recovery treats as evidence of
// in-flight Squadron work.
var managedLabels = []string{"in-progress", "blocked", "needs-human"}

// labelRoleMap is the fallback role inference when no trigger in the
// configured role table claims the issue's label.
var labelRoleMap = map[string]string{
	"feature": "feat-dev",
	"bug":     "bug-fix",
	"security": "security-review",
	"docs":    "docs-dev",
}

// prefixRoleMap infers a role from a PR's branch prefix when no
// tracked record exists to adopt.
var prefixRoleMap = map[string]string{
	"feat/":     "feat-dev",
	"fix/":      "bug-fix",
	"security/": "security-review",
	"docs/":     "docs-dev",
	"infra/":    "infra-dev",
	"hotfix/":   "bug-fix",
}

// branchPattern and closingKeywordPattern mirror internal/manager's
// patterns of the same name — duplicated rather than imported to keep
// this package independent of internal/manager, since both are driven
// directly by cmd/squadron rather than one depending on the other.
var branchPattern = regexp.MustCompile(`^(?:feat|fix|security|docs|infra|hotfix)/issue-(\d+)$`)
var closingKeywordPattern = regexp.MustCompile(`(?i)(?:fixes|closes|resolves)\s+#(\d+)`)

// blockerRefPattern extracts "blocking #N" / "blocked by #N" mentions
// from an issue body.
var blockerRefPattern = regexp.MustCompile(`(?i)block(?:ing|ed\s+by)\s+#(\d+)`)

// Summary reports what recovery did, for a single startup log line.
type Summary struct {
	Failed        int
	Reconstructed int
	Sleeping      int
	Skipped       int
}

// Run executes all three recovery phases in order and returns a
// Summary. It runs once, synchronously, before the router starts
// consuming webhook deliveries.
func Run(ctx context.Context, cfg *config.Config, reg *registry.Registry, gh GitHubClient, log *obslog.Logger) (Summary, error) {
	var s Summary

	failed, err := failStaleLiveAgents(ctx, cfg, reg, gh, log)
	if err != nil {
		return s, fmt.Errorf("recovery: phase 1 (fail stale agents): %w", err)
	}
	s.Failed = failed

	recon, sleeping, skipped, err := reconstructFromIssues(ctx, cfg, reg, gh, log)
	if err != nil {
		return s, fmt.Errorf("recovery: phase 2 (reconstruct from issues): %w", err)
	}
	s.Reconstructed += recon
	s.Sleeping += sleeping
	s.Skipped += skipped

	recon, sleeping, skipped, err = reconstructFromPRs(ctx, cfg, reg, gh, log)
	if err != nil {
		return s, fmt.Errorf("recovery: phase 3 (reconstruct from PRs): %w", err)
	}
	s.Reconstructed += recon
	s.Sleeping += sleeping
	s.Skipped += skipped

	log.Info("recovery: startup sweep complete: %d failed, %d reconstructed, %d sleeping, %d skipped",
		s.Failed, s.Reconstructed, s.Sleeping, s.Skipped)
	return s, nil
}

// failStaleLiveAgents marks every CREATED/ACTIVE record FAILED: no
// subprocess for it survived the restart that just happened, so
// whatever it was doing did not finish and cannot be resumed — only a
// SLEEPING agent's session can be resumed, since resume_session
// reattaches to durable CLI-side state rather than in-process state.
func failStaleLiveAgents(ctx context.Context, cfg *config.Config, reg *registry.Registry, gh GitHubClient, log *obslog.Logger) (int, error) {
	n := 0
	for _, status := range []models.AgentStatus{models.StatusCreated, models.StatusActive} {
		recs, err := reg.ByStatus(ctx, status)
		if err != nil {
			return n, err
		}
		for _, rec := range recs {
			rec.Status = models.StatusFailed
			rec.ActiveSince = nil
			if err := reg.Update(ctx, rec); err != nil {
				log.Error("recovery: fail stale agent %s: %v", rec.AgentID, err)
				continue
			}
			if rec.IssueNumber != 0 {
				_ = gh.CommentOnIssue(ctx, cfg.Project.Owner, cfg.Project.Repo, rec.IssueNumber,
					fmt.Sprintf("**[squadron:%s]** Failed: process restarted while this agent was live; it could not be resumed.", rec.Role))
			}
			log.Warning("recovery: failed stale live agent %s (was %s)", rec.AgentID, status)
			n++
		}
	}
	return n, nil
}

// reconstructFromIssues rebuilds tracking records for open issues
// still carrying a managed label that the registry has no live or
// sleeping record for.
func reconstructFromIssues(ctx context.Context, cfg *config.Config, reg *registry.Registry, gh GitHubClient, log *obslog.Logger) (reconstructed, sleeping, skipped int, err error) {
	owner, repo := cfg.Project.Owner, cfg.Project.Repo
	seen := make(map[int]bool)

	for _, label := range managedLabels {
		issues, err := gh.ListIssues(ctx, owner, repo, label)
		if err != nil {
			log.Error("recovery: list_issues label=%s: %v", label, err)
			continue
		}
		for _, issue := range issues {
			if seen[issue.Number] {
				continue
			}
			seen[issue.Number] = true

			role, ok := inferRoleFromLabels(cfg, issue.Labels)
			if !ok {
				log.Warning("recovery: issue #%d has managed label(s) but no inferable role, skipping", issue.Number)
				skipped++
				continue
			}

			agentID := fmt.Sprintf("%s-issue-%d", role, issue.Number)
			if existing, err := reg.Get(ctx, agentID); err == nil && existing != nil {
				skipped++
				continue
			}

			status := inferStatusFromLabels(issue.Labels)
			rec := &models.AgentRecord{
				AgentID:     agentID,
				Role:        role,
				IssueNumber: issue.Number,
				Status:      status,
				Branch:      branchForRole(role, issue.Number, cfg.BranchNaming),
				BlockedBy:   extractBlockerRefs(issue.Body),
			}
			now := time.Now().UTC()
			if status == models.StatusSleeping {
				rec.SleepingSince = &now
			}
			if err := reg.Create(ctx, rec); err != nil {
				log.Error("recovery: create reconstructed record for issue #%d: %v", issue.Number, err)
				continue
			}
			log.Info("recovery: reconstructed %s from issue #%d (status=%s)", agentID, issue.Number, status)
			reconstructed++
			if status == models.StatusSleeping {
				sleeping++
			}
		}
	}
	return reconstructed, sleeping, skipped, nil
}

// reconstructFromPRs rebuilds a SLEEPING record for every open PR
// that looks squadron-managed (by branch name or closing keyword) and
// has no tracking record yet — the PR is out for review, so SLEEPING
// with pr_number set is the correct resting state.
func reconstructFromPRs(ctx context.Context, cfg *config.Config, reg *registry.Registry, gh GitHubClient, log *obslog.Logger) (reconstructed, sleeping, skipped int, err error) {
	owner, repo := cfg.Project.Owner, cfg.Project.Repo
	prs, err := gh.ListPullRequests(ctx, owner, repo, "open")
	if err != nil {
		return 0, 0, 0, err
	}

	for _, pr := range prs {
		issueNumber, branchRole, matched := matchManagedBranch(pr.HeadRef)
		if n, ok := extractIssueRef(pr.Body); ok {
			issueNumber = n
			matched = true
		}
		if !matched || issueNumber == 0 {
			continue
		}

		role := branchRole
		if role == "" {
			role = inferRoleFromBranch(pr.HeadRef)
		}
		if role == "" {
			log.Warning("recovery: PR #%d looks managed but role can't be inferred from %q, skipping", pr.Number, pr.HeadRef)
			skipped++
			continue
		}

		agentID := fmt.Sprintf("%s-issue-%d", role, issueNumber)
		if existing, err := reg.Get(ctx, agentID); err == nil && existing != nil {
			if existing.PRNumber != pr.Number {
				existing.PRNumber = pr.Number
				if err := reg.Update(ctx, existing); err != nil {
					log.Error("recovery: update pr_number for %s: %v", agentID, err)
				}
			}
			skipped++
			continue
		}

		now := time.Now().UTC()
		rec := &models.AgentRecord{
			AgentID:       agentID,
			Role:          role,
			IssueNumber:   issueNumber,
			PRNumber:      pr.Number,
			Status:        models.StatusSleeping,
			Branch:        pr.HeadRef,
			SleepingSince: &now,
		}
		if err := reg.Create(ctx, rec); err != nil {
			log.Error("recovery: create reconstructed record for PR #%d: %v", pr.Number, err)
			continue
		}
		log.Info("recovery: reconstructed %s from open PR #%d", agentID, pr.Number)
		reconstructed++
		sleeping++
	}
	return reconstructed, sleeping, skipped, nil
}

// inferRoleFromLabels checks the configured role table's triggers for
// a label match first, falling back to labelRoleMap.
func inferRoleFromLabels(cfg *config.Config, labels []string) (string, bool) {
	for role, rc := range cfg.AgentRoles {
		for _, t := range rc.Triggers {
			if t.Label == "" {
				continue
			}
			for _, l := range labels {
				if t.Label == l {
					return role, true
				}
			}
		}
	}
	for _, l := range labels {
		if role, ok := labelRoleMap[l]; ok {
			return role, true
		}
	}
	return "", false
}

// inferStatusFromLabels decides the reconstructed record's status: a
// blocked issue resumes as SLEEPING, a needs-human issue is already
// ESCALATED, anything else (e.g. bare in-progress) can't actually be
// running — there is no live session to resume — so it is FAILED.
func inferStatusFromLabels(labels []string) models.AgentStatus {
	for _, l := range labels {
		switch l {
		case "needs-human":
			return models.StatusEscalated
		case "blocked":
			return models.StatusSleeping
		}
	}
	return models.StatusFailed
}

// matchManagedBranch reports the issue number and role (if the prefix
// directly maps to one) a branch name of the form
// "{prefix}/issue-{n}" encodes.
func matchManagedBranch(branch string) (issueNumber int, role string, matched bool) {
	m := branchPattern.FindStringSubmatch(branch)
	if m == nil {
		return 0, "", false
	}
	var n int
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, "", false
	}
	return n, inferRoleFromBranch(branch), true
}

func inferRoleFromBranch(branch string) string {
	for prefix, role := range prefixRoleMap {
		if len(branch) > len(prefix) && branch[:len(prefix)] == prefix {
			return role
		}
	}
	return ""
}

func extractIssueRef(body string) (int, bool) {
	m := closingKeywordPattern.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func extractBlockerRefs(body string) []int {
	matches := blockerRefPattern.FindAllStringSubmatch(body, -1)
	out := make([]int, 0, len(matches))
	for _, m := range matches {
		var n int
		if _, err := fmt.Sscanf(m[1], "%d", &n); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// branchForRole mirrors internal/manager's branch-naming logic so a
// reconstructed record's branch field matches what the manager would
// have derived for a brand new agent of this role.
func branchForRole(role string, issue int, bn config.BranchNamingConfig) string {
	var tmpl string
	switch role {
	case "feat-dev":
		tmpl = bn.Feature
	case "bug-fix":
		tmpl = bn.Bugfix
	case "security-review":
		tmpl = bn.Security
	case "docs-dev":
		tmpl = bn.Docs
	case "infra-dev":
		tmpl = bn.Infra
	default:
		tmpl = role + "/issue-{issue_number}"
	}
	return replacePlaceholder(tmpl, issue)
}

func replacePlaceholder(tmpl string, issue int) string {
	return strings.ReplaceAll(tmpl, "{issue_number}", fmt.Sprint(issue))
}
