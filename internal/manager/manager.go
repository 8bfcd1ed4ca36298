// Package manager implements the Agent Manager: the core state
// machine driving every agent through
// CREATED→ACTIVE↔SLEEPING→{COMPLETED,ESCALATED,FAILED}, the spawn
// policy that decides whether a trigger reuses, adopts, or creates an
// agent, and the three-layer circuit breaker that keeps a runaway
// agent from consuming its host forever.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/envscrub"
	"github.com/nbaertsch/squadron/internal/githubapi"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/obslog"
	"github.com/nbaertsch/squadron/internal/prompt"
	"github.com/nbaertsch/squadron/internal/registry"
	"github.com/nbaertsch/squadron/internal/session"
	"github.com/nbaertsch/squadron/internal/tools"
	"github.com/nbaertsch/squadron/internal/worktree"
)

// GitHubClient is the slice of internal/githubapi.Client the manager
// needs, beyond what internal/tools already declares — just enough
// for the spawn policy's adopt-existing-PR check.
type GitHubClient interface {
	tools.GitHubClient
	ListPullRequests(ctx context.Context, owner, repo, state string) ([]*githubapi.PullRequest, error)
}

// agentState is the in-process bookkeeping the registry does not
// persist: the live session handle and the L2 watchdog's cancel func.
type agentState struct {
	sup    *session.Supervisor
	cancel context.CancelFunc
	doneCh chan struct{} // closed by runAgentLoop when its turn loop exits
}

// Manager owns every live agent's subprocess and watchdog, and is the
// single writer of ACTIVE/SLEEPING/terminal transitions that are not
// already handled inline by internal/tools (report_blocked,
// report_complete, escalate_to_human already mutate the registry
// themselves; Manager is their Lifecycle callback and the spawner).
type Manager struct {
	cfg  *config.Config
	reg  *registry.Registry
	gh   GitHubClient
	log  *obslog.Logger
	wt   *worktree.Manager
	scrb *envscrub.Scrubber

	systemPrompt string
	command      []string // the agent CLI binary + fixed args
	baseEnv      []string
	spawn        session.SpawnFunc

	mu        sync.Mutex
	agents    map[string]*agentState      // agentID -> live state, only while CREATED/ACTIVE
	watchdogs map[string]*watchdogHandle // agentID -> armed L2 timer
}

// Config bundles everything Manager needs at construction.
type Config struct {
	Squadron     *config.Config
	Registry     *registry.Registry
	GitHub       GitHubClient
	Log          *obslog.Logger
	WorktreeMgr  *worktree.Manager
	EnvScrubber  *envscrub.Scrubber
	SystemPrompt string
	Command      []string
	BaseEnv      []string
	// Spawn overrides how agent subprocesses are launched. Defaults to
	// session.Spawn (a real os/exec-backed CLI process); tests
	// substitute a fake here.
	Spawn session.SpawnFunc
}

// New builds a Manager. It does not itself start anything — agents
// come alive only via SpawnOrWake.
func New(c Config) *Manager {
	if c.EnvScrubber == nil {
		c.EnvScrubber = envscrub.New()
	}
	if c.Spawn == nil {
		c.Spawn = session.Spawn
	}
	return &Manager{
		cfg:          c.Squadron,
		reg:          c.Registry,
		gh:           c.GitHub,
		log:          c.Log,
		wt:           c.WorktreeMgr,
		scrb:         c.EnvScrubber,
		systemPrompt: c.SystemPrompt,
		command:      c.Command,
		baseEnv:      c.BaseEnv,
		spawn:        c.Spawn,
		agents:       make(map[string]*agentState),
	}
}

func (m *Manager) deps() tools.Deps {
	return tools.Deps{Registry: m.reg, GitHub: m.gh, Config: m.cfg, Lifecycle: m}
}

// --- tools.Lifecycle implementation ---
//
// Every one of these runs after internal/tools has already mutated the
// registry; Manager's job is purely to tear down (or, for OnBlocked,
// simply release) the in-process resources — subprocess and watchdog
// — that the registry knows nothing about.

// OnBlocked disarms the watchdog (the agent is no longer burning
// active time) but keeps the subprocess alive so waking it can reattach
// cheaply instead of respawning from scratch.
func (m *Manager) OnBlocked(agentID string) {
	m.disarmWatchdog(agentID)
}

// OnCompleted disarms the watchdog and tears the subprocess and
// worktree down — a COMPLETED agent never runs again.
func (m *Manager) OnCompleted(agentID string) {
	m.teardown(agentID)
}

// OnEscalated disarms the watchdog and tears the subprocess down. The
// worktree is left in place for a human to inspect.
func (m *Manager) OnEscalated(agentID string) {
	m.disarmWatchdog(agentID)
	m.stopSession(agentID)
}

func (m *Manager) teardown(agentID string) {
	m.disarmWatchdog(agentID)
	m.stopSession(agentID)

	rec, err := m.reg.Get(context.Background(), agentID)
	if err == nil && rec.WorktreePath != "" {
		if err := m.wt.Remove(context.Background(), rec.WorktreePath); err != nil {
			m.log.Warning("manager: failed to remove worktree for %s: %v", agentID, err)
		}
	}
}

func (m *Manager) stopSession(agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessionID := ""
	if rec, err := m.reg.Get(ctx, agentID); err == nil {
		sessionID = rec.SessionID
	}
	if err := st.sup.Stop(ctx, sessionID); err != nil {
		m.log.Warning("manager: stop subprocess for %s: %v", agentID, err)
	}
}

// fail marks rec FAILED, clears active_since, and best-effort posts a
// comment — the shared terminal path for recovery's stale-agent sweep
// and for internal failures with no clean escalation category.
func (m *Manager) fail(ctx context.Context, rec *models.AgentRecord, reason string) error {
	rec.Status = models.StatusFailed
	rec.ActiveSince = nil
	if err := m.reg.Update(ctx, rec); err != nil {
		return fmt.Errorf("manager: fail %s: %w", rec.AgentID, err)
	}
	if rec.IssueNumber != 0 {
		_ = m.gh.CommentOnIssue(ctx, m.cfg.Project.Owner, m.cfg.Project.Repo, rec.IssueNumber,
			fmt.Sprintf("**[squadron:%s]** Failed: %s", rec.Role, reason))
	}
	m.teardown(rec.AgentID)
	return nil
}

// branchForRole renders the configured template for role, falling back
// to "{role}/issue-{n}" for roles with no dedicated template.
func branchForRole(role string, issue int, bn config.BranchNamingConfig) string {
	vars := map[string]string{"issue_number": strconv.Itoa(issue)}
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
	return prompt.Render(tmpl, vars)
}

// cleanupComment posts the synthesized-completion comment the
// completion contract requires even when the framework — not the
// agent itself — decided the work is done.
func cleanupComment(role string) string {
	return fmt.Sprintf("PR merged; closing out on the framework's behalf (role: %s).", role)
}
