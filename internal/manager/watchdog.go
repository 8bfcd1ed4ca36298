package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/tools"
)

// watchdogHandle is tracked separately from agentState so the L2
// timer's lifecycle is independent of the subprocess handle.
type watchdogHandle struct {
	timer *time.Timer
}

// armWatchdog starts the L2 watchdog timer for an agent transitioning
// to ACTIVE: a timer firing max_active_duration from now, which
// cancels the agent's turn loop (non-shielded — no uncancellable
// region around it, per "cancellation") and, if cleanup does not
// finish within the role's cleanup_timeout, force-escalates and
// records the enforcement layer.
func (m *Manager) armWatchdog(agentID, role string) {
	limits := m.cfg.CircuitBreakers.ForRole(role)

	m.mu.Lock()
	if m.watchdogs == nil {
		m.watchdogs = make(map[string]*watchdogHandle)
	}
	if existing, ok := m.watchdogs[agentID]; ok {
		existing.timer.Stop()
	}
	timer := time.AfterFunc(limits.MaxActiveDuration, func() {
		m.enforceWatchdog(agentID, limits.CleanupTimeout)
	})
	m.watchdogs[agentID] = &watchdogHandle{timer: timer}
	m.mu.Unlock()
}

// disarmWatchdog stops the timer for agentID, if any — called whenever
// an agent leaves ACTIVE for any reason (sleep, completion, escalation).
func (m *Manager) disarmWatchdog(agentID string) {
	m.mu.Lock()
	h, ok := m.watchdogs[agentID]
	if ok {
		delete(m.watchdogs, agentID)
	}
	m.mu.Unlock()
	if ok {
		h.timer.Stop()
	}
}

// enforceWatchdog fires when an agent has been ACTIVE longer than its
// role's max_active_duration. It cancels the agent's in-flight turn,
// waits up to cleanupTimeout for the turn loop to exit on its own
// (posting whatever cleanup it can), force-kills the subprocess if it
// doesn't, and either way escalates if the agent did not reach a
// terminal status on its own in the meantime — a
// cancelled turn loop that made no terminal transition must not be
// left ACTIVE forever.
func (m *Manager) enforceWatchdog(agentID string, cleanupTimeout time.Duration) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.log.Warning("manager: watchdog firing for %s — cancelling turn loop", agentID)
	st.cancel()

	select {
	case <-st.doneCh:
		// Turn loop exited within the cleanup window; whatever terminal
		// transition it made (or failed to make) is checked below.
	case <-time.After(cleanupTimeout):
		m.log.Error("manager: %s exceeded cleanup window (%s) — forcing termination", agentID, cleanupTimeout)
		m.stopSession(agentID)
	}
	m.escalateIfStillLive(agentID, "watchdog: exceeded max active duration")
}

// escalateIfStillLive is the hard-termination backstop: if agentID's
// record is not already terminal, it is forced into ESCALATED via the
// shared workflow so the enforcement layer is recorded on the issue.
// A no-op when the agent already completed, slept, or escalated
// itself before this ran.
func (m *Manager) escalateIfStillLive(agentID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := m.reg.Get(ctx, agentID)
	if err != nil {
		m.log.Error("manager: escalate_if_still_live: lookup %s: %v", agentID, err)
		return
	}
	if rec.Status.Terminal() || rec.Status == models.StatusSleeping {
		return // resolved itself (completed, failed, escalated, or slept) before we got here
	}
	if err := tools.EscalateAgent(ctx, m.deps(), rec, "timeout", reason, models.LayerWatchdog); err != nil {
		m.log.Error("manager: escalate_if_still_live %s: %v", agentID, err)
	}
}

// checkInSessionBudget is the L1 circuit-breaker hook, consulted by
// the turn loop before every model call: if the agent has exceeded its
// role's iteration/tool-call/turn budget, it force-escalates itself
// from inside the loop rather than waiting for the watchdog to notice.
func (m *Manager) checkInSessionBudget(ctx context.Context, rec *models.AgentRecord) error {
	limits := m.cfg.CircuitBreakers.ForRole(rec.Role)
	switch {
	case limits.MaxIterations > 0 && rec.IterationCount >= limits.MaxIterations:
		return tools.EscalateAgent(ctx, m.deps(), rec, "timeout",
			fmt.Sprintf("exceeded max_iterations (%d)", limits.MaxIterations), models.LayerSession)
	case limits.MaxToolCalls > 0 && rec.ToolCallCount >= limits.MaxToolCalls:
		return tools.EscalateAgent(ctx, m.deps(), rec, "timeout",
			fmt.Sprintf("exceeded max_tool_calls (%d)", limits.MaxToolCalls), models.LayerSession)
	case limits.MaxTurns > 0 && rec.TurnCount >= limits.MaxTurns:
		return tools.EscalateAgent(ctx, m.deps(), rec, "timeout",
			fmt.Sprintf("exceeded max_turns (%d)", limits.MaxTurns), models.LayerSession)
	}
	return nil
}
