package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/githubapi"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/registry"
)

type fakeGitHub struct {
	comments       []string
	labelsAdded    [][]string
	createdPRs     int
	issuesCreated  int
	reviews        []string
	refuseSelfReview bool
}

func (f *fakeGitHub) SubmitReview(ctx context.Context, owner, repo string, number int, event, body string) error {
	if event == "REQUEST_CHANGES" && f.refuseSelfReview {
		return errors.New("422: Can not request changes on your own pull request")
	}
	f.reviews = append(f.reviews, event)
	return nil
}

func (f *fakeGitHub) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*githubapi.Issue, error) {
	f.issuesCreated++
	return &githubapi.Issue{Number: 100 + f.issuesCreated, Title: title, Body: body}, nil
}

func (f *fakeGitHub) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	f.labelsAdded = append(f.labelsAdded, labels)
	return nil
}

func (f *fakeGitHub) AssignIssue(ctx context.Context, owner, repo string, number int, assignees []string) error {
	return nil
}

func (f *fakeGitHub) CommentOnIssue(ctx context.Context, owner, repo string, number int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeGitHub) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*githubapi.PullRequest, error) {
	f.createdPRs++
	return &githubapi.PullRequest{Number: 500 + f.createdPRs, Title: title, HeadRef: head, BaseRef: base}, nil
}

func (f *fakeGitHub) GetIssue(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error) {
	return &githubapi.Issue{Number: number, Title: "t", Body: "b", State: "open"}, nil
}

type fakeLifecycle struct {
	blocked, completed, escalated []string
}

func (f *fakeLifecycle) OnBlocked(agentID string)   { f.blocked = append(f.blocked, agentID) }
func (f *fakeLifecycle) OnCompleted(agentID string) { f.completed = append(f.completed, agentID) }
func (f *fakeLifecycle) OnEscalated(agentID string) { f.escalated = append(f.escalated, agentID) }

func newDeps(t *testing.T) (Deps, *fakeGitHub, *fakeLifecycle) {
	t.Helper()
	reg, err := registry.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	gh := &fakeGitHub{}
	lc := &fakeLifecycle{}
	cfg := &config.Config{Project: config.ProjectConfig{Owner: "nbaertsch", Repo: "squadron"}}
	return Deps{Registry: reg, GitHub: gh, Config: cfg, Lifecycle: lc}, gh, lc
}

func createAgent(t *testing.T, d Deps, agentID, role string, issue int) *models.AgentRecord {
	t.Helper()
	rec := &models.AgentRecord{AgentID: agentID, Role: role, IssueNumber: issue, Status: models.StatusActive}
	require.NoError(t, d.Registry.Create(context.Background(), rec))
	return rec
}

func TestReportBlockedTransitionsToSleepingAndNotifiesLifecycle(t *testing.T) {
	d, gh, lc := newDeps(t)
	createAgent(t, d, "agent-a", "feat-dev", 1)
	createAgent(t, d, "agent-b", "feat-dev", 2)

	out, err := Dispatch(context.Background(), d, "agent-a", ReportBlockedParams{Issues: []int{2}, Reason: "waiting on #2"})
	require.NoError(t, err)
	assert.Equal(t, "reported blocked", out)

	rec, err := d.Registry.Get(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSleeping, rec.Status)
	assert.Equal(t, []int{2}, rec.BlockedBy)
	assert.Len(t, gh.comments, 1)
	assert.Equal(t, []string{"agent-a"}, lc.blocked)
}

func TestReportBlockedRejectsCycle(t *testing.T) {
	d, _, lc := newDeps(t)
	createAgent(t, d, "agent-a", "feat-dev", 1)
	b := createAgent(t, d, "agent-b", "feat-dev", 2)
	b.BlockedBy = []int{1}
	require.NoError(t, d.Registry.Update(context.Background(), b))

	out, err := Dispatch(context.Background(), d, "agent-a", ReportBlockedParams{Issues: []int{2}, Reason: "x"})
	require.NoError(t, err)
	assert.Contains(t, out, "cycle")
	assert.Empty(t, lc.blocked)

	rec, err := d.Registry.Get(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rec.Status)
}

func TestReportCompleteMentionsPMForDevRoles(t *testing.T) {
	d, gh, lc := newDeps(t)
	createAgent(t, d, "agent-a", "feat-dev", 1)

	out, err := Dispatch(context.Background(), d, "agent-a", ReportCompleteParams{Summary: "done"})
	require.NoError(t, err)
	assert.Equal(t, "reported complete", out)
	require.Len(t, gh.comments, 1)
	assert.Contains(t, gh.comments[0], "@squadron-pm")
	assert.Equal(t, []string{"agent-a"}, lc.completed)

	rec, err := d.Registry.Get(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
}

func TestReportCompleteSkipsPMMentionForPMRole(t *testing.T) {
	d, gh, _ := newDeps(t)
	createAgent(t, d, "pm-1", "pm", 1)

	_, err := Dispatch(context.Background(), d, "pm-1", ReportCompleteParams{Summary: "done"})
	require.NoError(t, err)
	require.Len(t, gh.comments, 1)
	assert.NotContains(t, gh.comments[0], "@squadron-pm")
}

func TestEscalateToHumanAddsLabelAndSetsStatus(t *testing.T) {
	d, gh, lc := newDeps(t)
	createAgent(t, d, "agent-a", "feat-dev", 1)

	out, err := Dispatch(context.Background(), d, "agent-a", EscalateToHumanParams{Reason: "stuck", Category: "ambiguous-requirements"})
	require.NoError(t, err)
	assert.Equal(t, "escalated to human", out)
	require.Len(t, gh.labelsAdded, 1)
	assert.Equal(t, []string{"needs-human"}, gh.labelsAdded[0])
	assert.Equal(t, []string{"agent-a"}, lc.escalated)

	rec, err := d.Registry.Get(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, rec.Status)
}

func TestOpenPRSucceedsOnce(t *testing.T) {
	d, gh, _ := newDeps(t)
	createAgent(t, d, "agent-a", "feat-dev", 1)

	out, err := Dispatch(context.Background(), d, "agent-a", OpenPRParams{Title: "t", Body: "b", Head: "feat/issue-1", Base: "main"})
	require.NoError(t, err)
	assert.Contains(t, out, "opened PR #")
	assert.Equal(t, 1, gh.createdPRs)

	rec, err := d.Registry.Get(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.NotZero(t, rec.PRNumber)
}

func TestOpenPRRejectsDuplicate(t *testing.T) {
	d, gh, _ := newDeps(t)
	rec := createAgent(t, d, "agent-a", "feat-dev", 1)
	rec.PRNumber = 42
	require.NoError(t, d.Registry.Update(context.Background(), rec))

	out, err := Dispatch(context.Background(), d, "agent-a", OpenPRParams{Title: "t", Body: "b", Head: "feat/issue-1", Base: "main"})
	require.NoError(t, err)
	assert.Contains(t, out, "already has PR #42")
	assert.Equal(t, 0, gh.createdPRs)
}

func TestCheckRegistryReportsTrackedAgents(t *testing.T) {
	d, _, _ := newDeps(t)
	createAgent(t, d, "agent-a", "feat-dev", 7)

	out, err := Dispatch(context.Background(), d, "", CheckRegistryParams{IssueNumber: 7})
	require.NoError(t, err)
	assert.Contains(t, out, "feat-dev=active")
}

func TestCheckRegistryReportsNoAgents(t *testing.T) {
	d, _, _ := newDeps(t)
	out, err := Dispatch(context.Background(), d, "", CheckRegistryParams{IssueNumber: 99})
	require.NoError(t, err)
	assert.Contains(t, out, "no agents tracked")
}

func TestCreateIssueAndLabelIssue(t *testing.T) {
	d, gh, _ := newDeps(t)

	out, err := Dispatch(context.Background(), d, "pm-1", CreateIssueParams{Title: "bug", Body: "b", Labels: []string{"bug"}})
	require.NoError(t, err)
	assert.Contains(t, out, "created issue #")
	assert.Equal(t, 1, gh.issuesCreated)

	out, err = Dispatch(context.Background(), d, "pm-1", LabelIssueParams{IssueNumber: 101, Labels: []string{"priority-high"}})
	require.NoError(t, err)
	assert.Equal(t, "labeled", out)
}

func TestAssignIssueDefaultsToBotLogin(t *testing.T) {
	d, _, _ := newDeps(t)
	d.Config.GitHub.BotLogin = "squadron-dev[bot]"

	out, err := Dispatch(context.Background(), d, "pm-1", AssignIssueParams{IssueNumber: 5})
	require.NoError(t, err)
	assert.Equal(t, "assigned", out)
}

func TestDispatchUnknownToolType(t *testing.T) {
	d, _, _ := newDeps(t)
	_, err := Dispatch(context.Background(), d, "agent-a", struct{}{})
	require.Error(t, err)
}

func TestSubmitReviewSucceeds(t *testing.T) {
	d, gh, _ := newDeps(t)
	createAgent(t, d, "agent-a", "pr-review", 1)

	out, err := Dispatch(context.Background(), d, "agent-a", SubmitReviewParams{PRNumber: 9, Event: "APPROVE", Body: "lgtm"})
	require.NoError(t, err)
	assert.Contains(t, out, "submitted APPROVE review")
	assert.Equal(t, []string{"APPROVE"}, gh.reviews)
}

func TestSubmitReviewFallsBackToLabelOnSelfReviewRefusal(t *testing.T) {
	d, gh, _ := newDeps(t)
	gh.refuseSelfReview = true
	createAgent(t, d, "agent-a", "pr-review", 1)

	out, err := Dispatch(context.Background(), d, "agent-a", SubmitReviewParams{PRNumber: 9, Event: "REQUEST_CHANGES", Body: "fix tests"})
	require.NoError(t, err)
	assert.Contains(t, out, "self-review refused")
	require.Len(t, gh.labelsAdded, 1)
	assert.Equal(t, []string{NeedsChangesLabel}, gh.labelsAdded[0])
	assert.Empty(t, gh.reviews)
}
