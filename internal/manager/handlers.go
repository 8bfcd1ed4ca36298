package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbaertsch/squadron/internal/config"
	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/registry"
	"github.com/nbaertsch/squadron/internal/router"
)

// Wire attaches the Agent Manager's event handlers to r: PR-closed
// completion synthesis, the needs-changes wake trigger, and the
// generic trigger-table dispatch for every other configured
// role/event pairing.
func (m *Manager) Wire(r *router.Router) {
	r.RegisterHandler(models.EventPRClosed, m.handlePRClosed)
	r.RegisterHandler(models.EventPRLabeled, m.handlePRLabeled)
	r.RegisterHandler(models.EventIssueLabeled, m.handleTrigger)
	r.RegisterHandler(models.EventIssueOpened, m.handleTrigger)
	r.RegisterHandler(models.EventIssueAssigned, m.handleTrigger)
	r.RegisterHandler(models.EventBlockerResolved, m.handleBlockerResolved)
}

// handlePRClosed runs the completion contract when a PR merges without
// its owning agent having called report_complete itself — the
// framework synthesizes the same cleanup workflow a self-reported
// completion would have run.
func (m *Manager) handlePRClosed(ctx context.Context, evt *models.InternalEvent) {
	if !evt.PRMerged {
		return // closed without merging; nothing to synthesize
	}
	rec, err := m.recordForEvent(ctx, evt)
	if err != nil {
		m.log.Warning("manager: pr_closed for #%d: %v", evt.PRNumber, err)
		return
	}
	if !rec.Status.Live() {
		return // already terminal; agent (or a prior synthesis) got there first
	}
	if err := m.synthesizeCompletion(ctx, rec); err != nil {
		m.log.Error("manager: synthesize completion for %s: %v", rec.AgentID, err)
	}
}

// handlePRLabeled wakes the PR's owning agent when the configured
// needs-changes label lands on it — the wake trigger a self-review
// refusal falls back to, since the agent itself cannot submit the
// REQUEST_CHANGES review that would normally carry the signal.
func (m *Manager) handlePRLabeled(ctx context.Context, evt *models.InternalEvent) {
	// needs-changes is not the only label we wake on: any label whose
	// role config marks it as a wake trigger for this event also
	// qualifies, alongside the hardcoded self-review fallback label.
	if evt.Label == "" {
		return
	}
	isWakeLabel := evt.Label == "needs-changes"
	if !isWakeLabel {
		for _, rc := range m.cfg.AgentRoles {
			for _, t := range rc.Triggers {
				if t.Event == string(models.EventPRLabeled) && t.Label == evt.Label && t.Action == config.ActionWake {
					isWakeLabel = true
				}
			}
		}
	}
	if !isWakeLabel {
		return
	}

	rec, err := m.recordForEvent(ctx, evt)
	if err != nil {
		m.log.Warning("manager: pr_labeled(%s) for #%d: %v", evt.Label, evt.PRNumber, err)
		return
	}
	if rec.Status != models.StatusSleeping {
		return
	}
	if err := m.Wake(ctx, rec, fmt.Sprintf("PR #%d labeled %q", evt.PRNumber, evt.Label)); err != nil {
		m.log.Error("manager: wake %s on label %q: %v", rec.AgentID, evt.Label, err)
	}
}

// handleBlockerResolved wakes a SLEEPING agent once the reconciliation
// loop (or the event router, for a direct blocker-issue-closed signal)
// determines it has no blockers left.
func (m *Manager) handleBlockerResolved(ctx context.Context, evt *models.InternalEvent) {
	if evt.AgentID == "" {
		return
	}
	rec, err := m.reg.Get(ctx, evt.AgentID)
	if err != nil {
		m.log.Warning("manager: blocker_resolved for %s: %v", evt.AgentID, err)
		return
	}
	if rec.Status != models.StatusSleeping {
		return
	}
	if err := m.Wake(ctx, rec, "blocker resolved"); err != nil {
		m.log.Error("manager: wake %s on blocker_resolved: %v", rec.AgentID, err)
	}
}

// handleTrigger consults the configured trigger table for every agent
// role and event/label/condition match, firing SpawnOrWake for each
// role that matches evt.
func (m *Manager) handleTrigger(ctx context.Context, evt *models.InternalEvent) {
	if evt.IssueNumber == 0 {
		return
	}
	for role, rc := range m.cfg.AgentRoles {
		for _, t := range rc.Triggers {
			if !triggerMatches(t, evt) {
				continue
			}
			switch t.Action {
			case "", config.ActionSpawn, config.ActionWake:
				if _, err := m.SpawnOrWake(ctx, role, evt.IssueNumber); err != nil {
					m.log.Error("manager: trigger spawn_or_wake %s#%d: %v", role, evt.IssueNumber, err)
				}
			case config.ActionSleep, config.ActionComplete:
				// These actions apply to an already-live agent acting on
				// itself via report_blocked/report_complete; the trigger
				// table entry exists for documentation/config-validation
				// purposes, not for the router to drive directly.
			}
		}
	}
}

func triggerMatches(t config.Trigger, evt *models.InternalEvent) bool {
	if t.Event != string(evt.Type) {
		return false
	}
	if t.Label != "" && t.Label != evt.Label {
		return false
	}
	if t.Condition == "assigned-to-bot" && evt.Sender == "" {
		return false
	}
	return true
}

// recordForEvent resolves the agent record a PR-scoped event refers
// to, preferring the agent's own PR number but falling back to a
// by-issue lookup for events recovery reconstructed without a direct
// agent_id.
func (m *Manager) recordForEvent(ctx context.Context, evt *models.InternalEvent) (*models.AgentRecord, error) {
	if evt.AgentID != "" {
		return m.reg.Get(ctx, evt.AgentID)
	}
	if evt.IssueNumber != 0 {
		rec, err := m.reg.GetByIssue(ctx, evt.IssueNumber)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("manager: no agent found for PR #%d", evt.PRNumber)
}
