package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/nbaertsch/squadron/internal/githubapi"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/registry"
	"github.com/nbaertsch/squadron/internal/session"
)

// branchPattern matches a squadron-managed branch name and extracts
// the issue number.
var branchPattern = regexp.MustCompile(`^(?:feat|fix|security|docs|infra|hotfix)/issue-(\d+)$`)

// closingKeywordPattern extracts the issue a PR body claims to close.
var closingKeywordPattern = regexp.MustCompile(`(?i)(?:fixes|closes|resolves)\s+#(\d+)`)

// SpawnOrWake is the spawn policy entry point: reuse an
// existing live record for the issue if one exists, adopt an
// already-open PR if one matches, or else create and activate a brand
// new agent.
func (m *Manager) SpawnOrWake(ctx context.Context, role string, issueNumber int) (*models.AgentRecord, error) {
	// Step 1: reuse-by-issue.
	existing, err := m.reg.GetByIssue(ctx, issueNumber)
	if err == nil {
		if existing.Status == models.StatusSleeping {
			return existing, m.Wake(ctx, existing, "")
		}
		return existing, nil // already CREATED or ACTIVE — nothing to do
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("manager: spawn_or_wake %s#%d: %w", role, issueNumber, err)
	}

	// Step 2: adopt an existing open PR for this issue, if any.
	if adopted, err := m.adoptExistingPR(ctx, role, issueNumber); err != nil {
		m.log.Warning("manager: adopt-PR check failed for %s#%d: %v", role, issueNumber, err)
	} else if adopted != nil {
		return adopted, nil
	}

	return m.spawnNew(ctx, role, issueNumber)
}

// adoptExistingPR looks for an already-open PR whose branch or
// closing-keyword body references issueNumber, and if found, creates a
// SLEEPING record pointing at it rather than starting a fresh session
// — the PR is already out for review, so there is
// nothing for a new session to do but wait.
func (m *Manager) adoptExistingPR(ctx context.Context, role string, issueNumber int) (*models.AgentRecord, error) {
	prs, err := m.gh.ListPullRequests(ctx, m.cfg.Project.Owner, m.cfg.Project.Repo, "open")
	if err != nil {
		return nil, err
	}
	for _, pr := range prs {
		if !prMatchesIssue(pr, issueNumber) {
			continue
		}
		now := time.Now().UTC()
		rec := &models.AgentRecord{
			AgentID:       fmt.Sprintf("%s-issue-%d", role, issueNumber),
			Role:          role,
			IssueNumber:   issueNumber,
			PRNumber:      pr.Number,
			Status:        models.StatusSleeping,
			Branch:        pr.HeadRef,
			SleepingSince: &now,
		}
		if err := m.reg.Create(ctx, rec); err != nil {
			return nil, err
		}
		m.log.Info("manager: adopted existing PR #%d for %s#%d", pr.Number, role, issueNumber)
		return rec, nil
	}
	return nil, nil
}

func prMatchesIssue(pr *githubapi.PullRequest, issueNumber int) bool {
	if m := branchPattern.FindStringSubmatch(pr.HeadRef); m != nil {
		if m[1] == fmt.Sprint(issueNumber) {
			return true
		}
	}
	if m := closingKeywordPattern.FindStringSubmatch(pr.Body); m != nil {
		return m[1] == fmt.Sprint(issueNumber)
	}
	return false
}

// spawnNew creates a fresh CREATED record, derives its branch, ensures
// its worktree, and activates it.
func (m *Manager) spawnNew(ctx context.Context, role string, issueNumber int) (*models.AgentRecord, error) {
	branch := branchForRole(role, issueNumber, m.cfg.BranchNaming)
	rec := &models.AgentRecord{
		AgentID:     fmt.Sprintf("%s-issue-%d", role, issueNumber),
		Role:        role,
		IssueNumber: issueNumber,
		Status:      models.StatusCreated,
		Branch:      branch,
	}
	if err := m.reg.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("manager: spawn_new %s#%d: %w", role, issueNumber, err)
	}

	if err := m.activate(ctx, rec, true, ""); err != nil {
		_ = m.fail(ctx, rec, fmt.Sprintf("activation failed: %v", err))
		return nil, err
	}
	return rec, nil
}

// Wake transitions a SLEEPING agent back to ACTIVE, recreating its
// worktree if it was lost and resuming its session
// rather than starting a new one. wakeContext is surfaced to the
// agent as the reason it was resumed (e.g. "blocker #12 resolved").
func (m *Manager) Wake(ctx context.Context, rec *models.AgentRecord, wakeContext string) error {
	if rec.Status != models.StatusSleeping {
		return nil
	}
	return m.activate(ctx, rec, false, wakeContext)
}

// activate spawns (or resumes) the agent's subprocess and session,
// transitions the record to ACTIVE, arms the L2 watchdog, and kicks
// off its turn loop in the background. isNew distinguishes a brand new
// worktree/branch from one adopted on wake.
func (m *Manager) activate(ctx context.Context, rec *models.AgentRecord, isNew bool, wakeContext string) error {
	worktreePath := rec.WorktreePath
	if worktreePath == "" {
		worktreePath = filepath.Join("worktrees", rec.AgentID)
	}

	if isNew {
		if err := m.wt.Create(ctx, rec.Branch, worktreePath, true); err != nil {
			return fmt.Errorf("manager: create worktree: %w", err)
		}
	} else if err := m.wt.Ensure(ctx, rec.Branch, worktreePath); err != nil {
		return fmt.Errorf("manager: ensure worktree: %w", err)
	}
	rec.WorktreePath = worktreePath

	sup := session.New(session.Config{
		Command:            m.command,
		WorkDir:            worktreePath,
		HealthPollInterval: m.cfg.Runtime.HealthPollInterval,
		Spawn:              m.spawn,
		EnvScrubber:        m.scrb,
		BaseEnv:            m.baseEnv,
		Log:                m.log,
	})
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("manager: start subprocess: %w", err)
	}

	sessCfg := session.SessionConfig{Model: m.cfg.Runtime.DefaultModel}
	var sessionID string
	var err error
	if isNew {
		sessionID, err = sup.CreateSession(ctx, rec.Role, rec.IssueNumber, sessCfg)
	} else {
		sessionID = rec.SessionID
		if sessionID == "" {
			sessionID = session.SessionID(rec.Role, rec.IssueNumber)
		}
		err = sup.ResumeSession(ctx, sessionID, sessCfg)
	}
	if err != nil {
		_ = sup.Stop(ctx, "")
		return fmt.Errorf("manager: create/resume session: %w", err)
	}
	rec.SessionID = sessionID

	now := time.Now().UTC()
	rec.Status = models.StatusActive
	rec.ActiveSince = &now
	rec.SleepingSince = nil
	rec.BlockedBy = nil
	if err := m.reg.Update(ctx, rec); err != nil {
		_ = sup.Stop(ctx, sessionID)
		return fmt.Errorf("manager: activate %s: %w", rec.AgentID, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	m.mu.Lock()
	m.agents[rec.AgentID] = &agentState{sup: sup, cancel: cancel, doneCh: doneCh}
	m.mu.Unlock()

	m.armWatchdog(rec.AgentID, rec.Role)
	go func() {
		defer close(doneCh)
		m.runAgentLoop(watchCtx, rec.AgentID, sup, wakeContext)
	}()
	return nil
}
