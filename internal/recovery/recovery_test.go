package recovery

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/githubapi"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/obslog"
	"github.com/nbaertsch/squadron/internal/registry"
)

func testLogger() *obslog.Logger { return obslog.New(log.New(io.Discard, "", 0), nil) }

type fakeGitHub struct {
	byLabel   map[string][]*githubapi.Issue
	openPRs   []*githubapi.PullRequest
	comments  []string
}

func (f *fakeGitHub) ListIssues(ctx context.Context, owner, repo, label string) ([]*githubapi.Issue, error) {
	return f.byLabel[label], nil
}
func (f *fakeGitHub) ListPullRequests(ctx context.Context, owner, repo, state string) ([]*githubapi.PullRequest, error) {
	return f.openPRs, nil
}
func (f *fakeGitHub) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Project: config.ProjectConfig{Owner: "nbaertsch", Repo: "squadron"},
		AgentRoles: map[string]config.AgentRoleConfig{
			"feat-dev": {Triggers: []config.Trigger{{Event: "issue_labeled", Label: "feature", Action: config.ActionSpawn}}},
			"bug-fix":  {Triggers: []config.Trigger{{Event: "issue_labeled", Label: "bug", Action: config.ActionSpawn}}},
		},
		BranchNaming: config.BranchNamingConfig{
			Feature: "feat/issue-{issue_number}",
			Bugfix:  "fix/issue-{issue_number}",
		},
	}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestFailStaleLiveAgents(t *testing.T) {
	reg := newTestRegistry(t)
	gh := &fakeGitHub{}

	require.NoError(t, reg.Create(context.Background(), &models.AgentRecord{
		AgentID: "feat-dev-issue-1", Role: "feat-dev", IssueNumber: 1, Status: models.StatusActive,
	}))
	require.NoError(t, reg.Create(context.Background(), &models.AgentRecord{
		AgentID: "feat-dev-issue-2", Role: "feat-dev", IssueNumber: 2, Status: models.StatusCreated,
	}))
	require.NoError(t, reg.Create(context.Background(), &models.AgentRecord{
		AgentID: "feat-dev-issue-3", Role: "feat-dev", IssueNumber: 3, Status: models.StatusSleeping,
	}))

	n, err := failStaleLiveAgents(context.Background(), testConfig(), reg, gh, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r1, _ := reg.Get(context.Background(), "feat-dev-issue-1")
	assert.Equal(t, models.StatusFailed, r1.Status)
	r3, _ := reg.Get(context.Background(), "feat-dev-issue-3")
	assert.Equal(t, models.StatusSleeping, r3.Status)
	assert.Len(t, gh.comments, 2)
}

func TestReconstructFromIssuesInfersRoleAndStatus(t *testing.T) {
	reg := newTestRegistry(t)
	gh := &fakeGitHub{byLabel: map[string][]*githubapi.Issue{
		"blocked": {{Number: 10, Labels: []string{"feature", "blocked"}, Body: "blocked by #3"}},
	}}

	n, sleeping, skipped, err := reconstructFromIssues(context.Background(), testConfig(), reg, gh, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sleeping)
	assert.Equal(t, 0, skipped)

	rec, err := reg.Get(context.Background(), "feat-dev-issue-10")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSleeping, rec.Status)
	assert.Equal(t, []int{3}, rec.BlockedBy)
	assert.Equal(t, "feat/issue-10", rec.Branch)
}

func TestReconstructFromIssuesSkipsAlreadyTracked(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Create(context.Background(), &models.AgentRecord{
		AgentID: "feat-dev-issue-10", Role: "feat-dev", IssueNumber: 10, Status: models.StatusSleeping,
	}))
	gh := &fakeGitHub{byLabel: map[string][]*githubapi.Issue{
		"blocked": {{Number: 10, Labels: []string{"feature", "blocked"}}},
	}}

	n, _, skipped, err := reconstructFromIssues(context.Background(), testConfig(), reg, gh, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, skipped)
}

func TestReconstructFromIssuesNeedsHumanStatus(t *testing.T) {
	reg := newTestRegistry(t)
	gh := &fakeGitHub{byLabel: map[string][]*githubapi.Issue{
		"needs-human": {{Number: 20, Labels: []string{"bug", "needs-human"}}},
	}}

	_, _, _, err := reconstructFromIssues(context.Background(), testConfig(), reg, gh, testLogger())
	require.NoError(t, err)

	rec, err := reg.Get(context.Background(), "bug-fix-issue-20")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, rec.Status)
}

func TestReconstructFromIssuesFallsBackToLabelRoleMap(t *testing.T) {
	reg := newTestRegistry(t)
	cfg := testConfig()
	cfg.AgentRoles = map[string]config.AgentRoleConfig{} // no trigger-table matches
	gh := &fakeGitHub{byLabel: map[string][]*githubapi.Issue{
		"in-progress": {{Number: 30, Labels: []string{"security"}}},
	}}

	n, _, _, err := reconstructFromIssues(context.Background(), cfg, reg, gh, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := reg.Get(context.Background(), "security-review-issue-30")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestReconstructFromPRsByBranchName(t *testing.T) {
	reg := newTestRegistry(t)
	gh := &fakeGitHub{openPRs: []*githubapi.PullRequest{
		{Number: 55, HeadRef: "feat/issue-40", Body: ""},
	}}

	n, sleeping, _, err := reconstructFromPRs(context.Background(), testConfig(), reg, gh, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sleeping)

	rec, err := reg.Get(context.Background(), "feat-dev-issue-40")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSleeping, rec.Status)
	assert.Equal(t, 55, rec.PRNumber)
}

func TestReconstructFromPRsByClosingKeyword(t *testing.T) {
	reg := newTestRegistry(t)
	gh := &fakeGitHub{openPRs: []*githubapi.PullRequest{
		{Number: 56, HeadRef: "some-branch", Body: "Fixes #41 once and for all"},
	}}

	n, _, _, err := reconstructFromPRs(context.Background(), testConfig(), reg, gh, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, n) // role can't be inferred from a non-matching branch prefix
}

func TestReconstructFromPRsBackfillsPRNumber(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Create(context.Background(), &models.AgentRecord{
		AgentID: "feat-dev-issue-42", Role: "feat-dev", IssueNumber: 42, Status: models.StatusSleeping,
	}))
	gh := &fakeGitHub{openPRs: []*githubapi.PullRequest{
		{Number: 57, HeadRef: "feat/issue-42", Body: ""},
	}}

	_, _, skipped, err := reconstructFromPRs(context.Background(), testConfig(), reg, gh, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)

	rec, err := reg.Get(context.Background(), "feat-dev-issue-42")
	require.NoError(t, err)
	assert.Equal(t, 57, rec.PRNumber)
}

func TestRunFullSweep(t *testing.T) {
	reg := newTestRegistry(t)
	gh := &fakeGitHub{
		byLabel: map[string][]*githubapi.Issue{
			"blocked": {{Number: 10, Labels: []string{"feature", "blocked"}}},
		},
		openPRs: []*githubapi.PullRequest{
			{Number: 60, HeadRef: "fix/issue-99", Body: ""},
		},
	}
	require.NoError(t, reg.Create(context.Background(), &models.AgentRecord{
		AgentID: "feat-dev-issue-5", Role: "feat-dev", IssueNumber: 5, Status: models.StatusActive,
	}))

	summary, err := Run(context.Background(), testConfig(), reg, gh, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Reconstructed)
	assert.Equal(t, 2, summary.Sleeping)
}
