// Package reconcile implements the reconciliation loop: a periodic
// sweep that catches drift a missed or dropped webhook
// left behind — a SLEEPING agent whose blocker issue closed without
// the router ever seeing it, an ACTIVE agent that has been running far
// longer than its role allows — plus the seen-events dedup table's
// retention prune.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/githubapi"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/obslog"
	"github.com/nbaertsch/squadron/internal/registry"
	"github.com/nbaertsch/squadron/internal/tools"
)

// GitHubClient is the slice of internal/githubapi.Client the loop
// needs: checking whether a blocker issue closed, and posting the
// needs-human issue for a stale-active escalation.
type GitHubClient interface {
	tools.GitHubClient
	GetIssue(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error)
}

// AgentWaker is the manager surface the loop drives agents through —
// declared here rather than importing internal/manager directly, so
// this package and internal/manager do not depend on each other.
type AgentWaker interface {
	Wake(ctx context.Context, rec *models.AgentRecord, wakeContext string) error
}

// Deps bundles the loop's collaborators. Lifecycle is the same
// tools.Lifecycle the Agent Manager implements — wiring it here lets a
// reconciliation-forced escalation tear down the manager's in-process
// subprocess/watchdog for that agent exactly as a self-reported or
// watchdog-forced escalation would, rather than leaving them orphaned.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	GitHub    GitHubClient
	Waker     AgentWaker
	Lifecycle tools.Lifecycle
	Log       *obslog.Logger
}

// Loop runs Reconcile on a timer until stopped.
type Loop struct {
	deps     Deps
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Loop. interval defaults to the configured
// reconciliation_interval (runtime.go default: 300s, per).
func New(d Deps) *Loop {
	interval := d.Config.Runtime.ReconciliationInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Loop{deps: d, interval: interval}
}

// Start runs the periodic sweep in the background until ctx is
// cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go func() {
		defer close(l.doneCh)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.Reconcile(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it to finish.
func (l *Loop) Stop() {
	if l.stopCh == nil {
		return
	}
	close(l.stopCh)
	<-l.doneCh
}

// Reconcile runs one full sweep: sleeping-agent drift, stale-active
// agents, then the dedup prune. Every per-agent step is best-effort —
// one agent's failure is logged and never aborts the rest of the pass.
func (l *Loop) Reconcile(ctx context.Context) {
	l.checkSleepingAgents(ctx)
	l.checkStaleActiveAgents(ctx)
	l.pruneSeenEvents(ctx)
}

// checkSleepingAgents re-derives blocker state from GitHub for every
// SLEEPING agent: a closed blocker issue is removed even if its
// closing webhook never arrived, a blocked_by list that empties out
// wakes the agent, and a sleep that has outlasted max_sleep_duration
// escalates.
func (l *Loop) checkSleepingAgents(ctx context.Context) {
	agents, err := l.deps.Registry.ByStatus(ctx, models.StatusSleeping)
	if err != nil {
		l.deps.Log.Error("reconcile: list sleeping agents: %v", err)
		return
	}

	owner, repo := l.deps.Config.Project.Owner, l.deps.Config.Project.Repo
	for _, rec := range agents {
		limits := l.deps.Config.CircuitBreakers.ForRole(rec.Role)
		if limits.MaxSleepDuration > 0 && rec.SleepingSince != nil &&
			time.Since(*rec.SleepingSince) > limits.MaxSleepDuration {
			reason := fmt.Sprintf("slept longer than max_sleep_duration (%s)", limits.MaxSleepDuration)
			if err := tools.EscalateAgent(ctx, l.toolDeps(), rec, "timeout", reason, models.LayerReconciliation); err != nil {
				l.deps.Log.Error("reconcile: escalate stale-sleeping %s: %v", rec.AgentID, err)
			}
			continue
		}

		for _, blocker := range append([]int(nil), rec.BlockedBy...) {
			issue, err := l.deps.GitHub.GetIssue(ctx, owner, repo, blocker)
			if err != nil {
				l.deps.Log.Warning("reconcile: get_issue #%d for %s: %v", blocker, rec.AgentID, err)
				continue
			}
			if issue.State != "closed" {
				continue
			}
			if err := l.deps.Registry.RemoveBlocker(ctx, rec.AgentID, blocker); err != nil {
				l.deps.Log.Warning("reconcile: remove_blocker #%d for %s: %v", blocker, rec.AgentID, err)
			}
		}

		refreshed, err := l.deps.Registry.Get(ctx, rec.AgentID)
		if err != nil {
			l.deps.Log.Warning("reconcile: refresh %s: %v", rec.AgentID, err)
			continue
		}
		if refreshed.Status != models.StatusSleeping || len(refreshed.BlockedBy) > 0 {
			continue
		}
		if err := l.deps.Waker.Wake(ctx, refreshed, "all blockers resolved (reconciliation sweep)"); err != nil {
			l.deps.Log.Error("reconcile: wake %s: %v", rec.AgentID, err)
		}
	}
}

// checkStaleActiveAgents force-escalates an agent that has been ACTIVE
// longer than its role's max_active_duration — the L3 backstop behind
// the manager's own L2 watchdog, for the case where the watchdog timer
// itself was lost (process restart mid-run) — and logs a warning once
// an agent crosses the configured warning band before that.
func (l *Loop) checkStaleActiveAgents(ctx context.Context) {
	agents, err := l.deps.Registry.AllActive(ctx)
	if err != nil {
		l.deps.Log.Error("reconcile: list active agents: %v", err)
		return
	}

	owner, repo := l.deps.Config.Project.Owner, l.deps.Config.Project.Repo
	for _, rec := range agents {
		if rec.ActiveSince == nil {
			continue
		}
		limits := l.deps.Config.CircuitBreakers.ForRole(rec.Role)
		if limits.MaxActiveDuration <= 0 {
			continue
		}
		activeFor := time.Since(*rec.ActiveSince)
		warnAt := time.Duration(float64(limits.MaxActiveDuration) * limits.WarningThreshold)

		switch {
		case activeFor > limits.MaxActiveDuration:
			reason := fmt.Sprintf("exceeded max_active_duration (%s)", limits.MaxActiveDuration)
			if err := tools.EscalateAgent(ctx, l.toolDeps(), rec, "timeout", reason, models.LayerReconciliation); err != nil {
				l.deps.Log.Error("reconcile: escalate stale-active %s: %v", rec.AgentID, err)
				continue
			}
			title := fmt.Sprintf("[squadron] Agent %s exceeded max active duration", rec.AgentID)
			body := fmt.Sprintf("%s has been ACTIVE for %s, past its %s limit for role %q. Escalated by the reconciliation sweep.",
				rec.AgentID, activeFor.Round(time.Second), limits.MaxActiveDuration, rec.Role)
			if _, err := l.deps.GitHub.CreateIssue(ctx, owner, repo, title, body, []string{"needs-human", "escalation"}); err != nil {
				l.deps.Log.Error("reconcile: create needs-human issue for %s: %v", rec.AgentID, err)
			}
		case warnAt > 0 && activeFor > warnAt:
			l.deps.Log.Warning("reconcile: %s has been ACTIVE for %s, past its %.0f%% warning band (limit %s)",
				rec.AgentID, activeFor.Round(time.Second), limits.WarningThreshold*100, limits.MaxActiveDuration)
		}
	}
}

// pruneSeenEvents deletes seen_events rows older than the configured
// retention, bounding the dedup table's growth.
func (l *Loop) pruneSeenEvents(ctx context.Context) {
	retention := l.deps.Config.Runtime.SeenEventRetention
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	n, err := l.deps.Registry.PruneOldEvents(ctx, retention)
	if err != nil {
		l.deps.Log.Error("reconcile: prune_old_events: %v", err)
		return
	}
	if n > 0 {
		l.deps.Log.Info("reconcile: pruned %d seen_events rows older than %s", n, retention)
	}
}

func (l *Loop) toolDeps() tools.Deps {
	return tools.Deps{Registry: l.deps.Registry, GitHub: l.deps.GitHub, Config: l.deps.Config, Lifecycle: l.deps.Lifecycle}
}
