package reconcile

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

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
	issues      map[int]*githubapi.Issue
	comments    []string
	labelsAdded [][]string
	createdIssues []string
}

func (f *fakeGitHub) GetIssue(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error) {
	if iss, ok := f.issues[number]; ok {
		return iss, nil
	}
	return &githubapi.Issue{Number: number, State: "open"}, nil
}
func (f *fakeGitHub) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*githubapi.Issue, error) {
	f.createdIssues = append(f.createdIssues, title)
	return &githubapi.Issue{Number: 1000, Title: title, Body: body, Labels: labels}, nil
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
	return &githubapi.PullRequest{Number: 1}, nil
}
func (f *fakeGitHub) SubmitReview(ctx context.Context, owner, repo string, number int, event, body string) error {
	return nil
}

type fakeWaker struct {
	woken []string
}

func (f *fakeWaker) Wake(ctx context.Context, rec *models.AgentRecord, wakeContext string) error {
	f.woken = append(f.woken, rec.AgentID)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Project: config.ProjectConfig{Owner: "nbaertsch", Repo: "squadron"},
		CircuitBreakers: config.CircuitBreakersConfig{
			Defaults: config.CircuitBreakerLimits{
				MaxActiveDuration: time.Hour,
				MaxSleepDuration:  time.Hour,
				WarningThreshold:  0.8,
			},
		},
		Runtime: config.RuntimeConfig{SeenEventRetention: 72 * time.Hour},
	}
}

func newTestLoop(t *testing.T, gh *fakeGitHub, waker AgentWaker) (*Loop, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	l := New(Deps{Config: testConfig(), Registry: reg, GitHub: gh, Waker: waker, Log: testLogger()})
	return l, reg
}

func TestCheckSleepingAgentsRemovesClosedBlockerAndWakes(t *testing.T) {
	gh := &fakeGitHub{issues: map[int]*githubapi.Issue{10: {Number: 10, State: "closed"}}}
	waker := &fakeWaker{}
	l, reg := newTestLoop(t, gh, waker)

	now := time.Now().UTC()
	rec := &models.AgentRecord{
		AgentID: "feat-dev-issue-1", Role: "feat-dev", IssueNumber: 1,
		Status: models.StatusSleeping, BlockedBy: []int{10}, SleepingSince: &now,
	}
	require.NoError(t, reg.Create(context.Background(), rec))

	l.checkSleepingAgents(context.Background())

	got, err := reg.Get(context.Background(), rec.AgentID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedBy)
	assert.Equal(t, []string{"feat-dev-issue-1"}, waker.woken)
}

func TestCheckSleepingAgentsKeepsOpenBlocker(t *testing.T) {
	gh := &fakeGitHub{issues: map[int]*githubapi.Issue{10: {Number: 10, State: "open"}}}
	waker := &fakeWaker{}
	l, reg := newTestLoop(t, gh, waker)

	now := time.Now().UTC()
	rec := &models.AgentRecord{
		AgentID: "feat-dev-issue-2", Role: "feat-dev", IssueNumber: 2,
		Status: models.StatusSleeping, BlockedBy: []int{10}, SleepingSince: &now,
	}
	require.NoError(t, reg.Create(context.Background(), rec))

	l.checkSleepingAgents(context.Background())

	got, err := reg.Get(context.Background(), rec.AgentID)
	require.NoError(t, err)
	assert.Equal(t, []int{10}, got.BlockedBy)
	assert.Empty(t, waker.woken)
}

func TestCheckSleepingAgentsEscalatesOnMaxSleepExceeded(t *testing.T) {
	gh := &fakeGitHub{issues: map[int]*githubapi.Issue{}}
	waker := &fakeWaker{}
	l, reg := newTestLoop(t, gh, waker)
	l.deps.Config.CircuitBreakers.Defaults.MaxSleepDuration = time.Millisecond

	past := time.Now().UTC().Add(-time.Hour)
	rec := &models.AgentRecord{
		AgentID: "feat-dev-issue-3", Role: "feat-dev", IssueNumber: 3,
		Status: models.StatusSleeping, BlockedBy: []int{10}, SleepingSince: &past,
	}
	require.NoError(t, reg.Create(context.Background(), rec))

	l.checkSleepingAgents(context.Background())

	got, err := reg.Get(context.Background(), rec.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, got.Status)
	assert.NotEmpty(t, gh.labelsAdded)
}

func TestCheckStaleActiveAgentsEscalatesAndOpensIssue(t *testing.T) {
	gh := &fakeGitHub{}
	l, reg := newTestLoop(t, gh, &fakeWaker{})
	l.deps.Config.CircuitBreakers.Defaults.MaxActiveDuration = time.Millisecond

	past := time.Now().UTC().Add(-time.Hour)
	rec := &models.AgentRecord{
		AgentID: "feat-dev-issue-4", Role: "feat-dev", IssueNumber: 4,
		Status: models.StatusActive, ActiveSince: &past,
	}
	require.NoError(t, reg.Create(context.Background(), rec))

	l.checkStaleActiveAgents(context.Background())

	got, err := reg.Get(context.Background(), rec.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, got.Status)
	require.Len(t, gh.createdIssues, 1)
	assert.Contains(t, gh.createdIssues[0], rec.AgentID)
}

func TestCheckStaleActiveAgentsWarnsWithoutEscalating(t *testing.T) {
	gh := &fakeGitHub{}
	l, reg := newTestLoop(t, gh, &fakeWaker{})
	l.deps.Config.CircuitBreakers.Defaults.MaxActiveDuration = time.Hour
	l.deps.Config.CircuitBreakers.Defaults.WarningThreshold = 0.01

	past := time.Now().UTC().Add(-time.Minute)
	rec := &models.AgentRecord{
		AgentID: "feat-dev-issue-5", Role: "feat-dev", IssueNumber: 5,
		Status: models.StatusActive, ActiveSince: &past,
	}
	require.NoError(t, reg.Create(context.Background(), rec))

	l.checkStaleActiveAgents(context.Background())

	got, err := reg.Get(context.Background(), rec.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Empty(t, gh.createdIssues)
}

func TestPruneSeenEventsDeletesOld(t *testing.T) {
	gh := &fakeGitHub{}
	l, reg := newTestLoop(t, gh, &fakeWaker{})
	l.deps.Config.Runtime.SeenEventRetention = time.Millisecond

	require.NoError(t, reg.MarkEventSeen(context.Background(), "delivery-1", "issues.opened"))
	time.Sleep(5 * time.Millisecond)

	l.pruneSeenEvents(context.Background())

	seen, err := reg.HasSeenEvent(context.Background(), "delivery-1")
	require.NoError(t, err)
	assert.False(t, seen)
}
